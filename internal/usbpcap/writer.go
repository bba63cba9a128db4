// Package usbpcap writes LINKTYPE_USB_LINUX pcap captures of the
// transfers this controller services, for offline inspection with
// Wireshark or tcpdump.
package usbpcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// LinkTypeUSBLinux is the pcap DLT value for the 48-byte usbmon
// pseudo-header format (no ISO descriptors).
const LinkTypeUSBLinux uint32 = 189

// EventType is the usbmon 'S'/'C'/'E' submission/completion/error tag.
type EventType byte

const (
	EventSubmit   EventType = 'S'
	EventComplete EventType = 'C'
	EventError    EventType = 'E'
)

// TransferType mirrors the USB endpoint descriptor bmAttributes
// transfer-type encoding (USB 2.0 spec table 9-13): Control=0,
// Isochronous=1, Bulk=2, Interrupt=3. This controller never emulates
// isochronous endpoints, so only 0/2/3 are ever produced.
type TransferType byte

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

const endpointDirectionIn = 1 << 7

var (
	// ErrHeaderAlreadyWritten indicates the global header has already
	// been emitted for this writer instance.
	ErrHeaderAlreadyWritten = errors.New("usbpcap: file header already written")
	// ErrHeaderNotWritten indicates a packet was written before the
	// global header.
	ErrHeaderNotWritten = errors.New("usbpcap: file header not written")
)

// Record describes one captured USB transfer, matching the usbmon
// pseudo-header field list.
type Record struct {
	ID             uint64
	Event          EventType
	Transfer       TransferType
	EndpointNumber uint8 // 0-15, direction applied separately
	DirectionIn    bool
	DeviceAddress  uint8 // the slot id this transfer belongs to
	BusNumber      uint16
	SetupPresent   bool // true if Setup carries a valid 8-byte setup packet
	DataPresent    bool // true if Data was actually captured
	Timestamp      time.Time
	Status         int32
	RequestLength  uint32 // urb_len: length requested/transferred by the URB
	Setup          [8]byte
	Data           []byte // captured payload; WriteRecord truncates it to the writer's snap length
}

// Writer emits a libpcap stream using the USB pseudo-header format.
type Writer struct {
	w             io.Writer
	headerWritten bool
	snapLen       uint32
}

// NewWriter wraps out. WriteFileHeader must be called once before any
// records are written.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// WriteFileHeader writes the 24-byte global pcap header with
// linktype=LINKTYPE_USB_LINUX, version 2.4.
func (w *Writer) WriteFileHeader(snapLen uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeUSBLinux)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("usbpcap: write header: %w", err)
	}

	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WriteRecord appends one captured transfer: a 16-byte pcap record
// header, a 48-byte usb pseudo-header, and the captured payload.
func (w *Writer) WriteRecord(r Record) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}

	captureLen := len(r.Data)
	if w.snapLen != 0 && uint32(captureLen) > w.snapLen {
		captureLen = int(w.snapLen)
	}
	if captureLen > math.MaxUint32-48 {
		return fmt.Errorf("usbpcap: capture length %d overflows uint32", captureLen)
	}

	var tsSec uint32
	var tsUsec uint32
	if !r.Timestamp.IsZero() {
		sec := r.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("usbpcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(r.Timestamp.Nanosecond() / 1_000)
	}

	inclLen := uint32(48 + captureLen)
	var pcapHdr [16]byte
	binary.LittleEndian.PutUint32(pcapHdr[0:4], tsSec)
	binary.LittleEndian.PutUint32(pcapHdr[4:8], tsUsec)
	binary.LittleEndian.PutUint32(pcapHdr[8:12], inclLen)
	binary.LittleEndian.PutUint32(pcapHdr[12:16], inclLen)
	if _, err := w.w.Write(pcapHdr[:]); err != nil {
		return fmt.Errorf("usbpcap: write record header: %w", err)
	}

	usbHdr := encodeUSBHeader(r)
	if _, err := w.w.Write(usbHdr[:]); err != nil {
		return fmt.Errorf("usbpcap: write usb header: %w", err)
	}

	if captureLen == 0 {
		return nil
	}
	if _, err := w.w.Write(r.Data[:captureLen]); err != nil {
		return fmt.Errorf("usbpcap: write payload: %w", err)
	}
	return nil
}

func encodeUSBHeader(r Record) [48]byte {
	var h [48]byte

	binary.LittleEndian.PutUint64(h[0:8], r.ID)
	h[8] = byte(r.Event)
	h[9] = byte(r.Transfer)
	epnum := r.EndpointNumber & 0xf
	if r.DirectionIn {
		epnum |= endpointDirectionIn
	}
	h[10] = epnum
	h[11] = r.DeviceAddress
	binary.LittleEndian.PutUint16(h[12:14], r.BusNumber)
	if !r.SetupPresent {
		h[14] = 1
	}
	if !r.DataPresent {
		h[15] = 1
	}

	var tsSec int64
	var tsUsec int32
	if !r.Timestamp.IsZero() {
		tsSec = r.Timestamp.Unix()
		tsUsec = int32(r.Timestamp.Nanosecond() / 1_000)
	}
	binary.LittleEndian.PutUint64(h[16:24], uint64(tsSec))
	binary.LittleEndian.PutUint32(h[24:28], uint32(tsUsec))
	binary.LittleEndian.PutUint32(h[28:32], uint32(r.Status))
	binary.LittleEndian.PutUint32(h[32:36], r.RequestLength)
	binary.LittleEndian.PutUint32(h[36:40], uint32(len(r.Data)))
	copy(h[40:48], r.Setup[:])

	return h
}
