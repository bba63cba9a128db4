package usbpcap

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestWriterProducesExpectedStream(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)

	const snapLen = 65535
	if err := writer.WriteFileHeader(snapLen); err != nil {
		t.Fatalf("write header: %v", err)
	}

	ts := time.Unix(1_700_000_000, 250_000_000)
	payload := []byte{0xaa, 0xbb, 0xcc}
	record := Record{
		ID:             1,
		Event:          EventComplete,
		Transfer:       TransferBulk,
		EndpointNumber: 2,
		DirectionIn:    true,
		DeviceAddress:  3,
		BusNumber:      0,
		SetupPresent:   false,
		DataPresent:    true,
		Timestamp:      ts,
		Status:         0,
		RequestLength:  uint32(len(payload)),
		Data:           payload,
	}
	if err := writer.WriteRecord(record); err != nil {
		t.Fatalf("write record: %v", err)
	}

	got := buf.Bytes()
	wantLen := 24 + 16 + 48 + len(payload)
	if len(got) != wantLen {
		t.Fatalf("expected %d bytes, got %d", wantLen, len(got))
	}

	global := got[:24]
	if magic := binary.LittleEndian.Uint32(global[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("unexpected magic %#x", magic)
	}
	if link := binary.LittleEndian.Uint32(global[20:24]); link != LinkTypeUSBLinux {
		t.Fatalf("unexpected linktype %d", link)
	}

	pcapRec := got[24 : 24+16]
	inclLen := binary.LittleEndian.Uint32(pcapRec[8:12])
	if inclLen != uint32(48+len(payload)) {
		t.Fatalf("unexpected incl_len %d", inclLen)
	}

	usbHdr := got[24+16 : 24+16+48]
	if id := binary.LittleEndian.Uint64(usbHdr[0:8]); id != 1 {
		t.Fatalf("unexpected id %d", id)
	}
	if usbHdr[8] != byte(EventComplete) {
		t.Fatalf("unexpected event type %c", usbHdr[8])
	}
	if usbHdr[9] != byte(TransferBulk) {
		t.Fatalf("unexpected transfer type %d", usbHdr[9])
	}
	if usbHdr[10] != (2 | endpointDirectionIn) {
		t.Fatalf("unexpected endpoint byte %#x", usbHdr[10])
	}
	if usbHdr[11] != 3 {
		t.Fatalf("unexpected device address %d", usbHdr[11])
	}
	if usbHdr[14] != 1 {
		t.Fatalf("expected setup_flag=1 (no setup packet), got %d", usbHdr[14])
	}
	if usbHdr[15] != 0 {
		t.Fatalf("expected data_flag=0 (data present), got %d", usbHdr[15])
	}
	if dataLen := binary.LittleEndian.Uint32(usbHdr[36:40]); dataLen != uint32(len(payload)) {
		t.Fatalf("unexpected data_len %d", dataLen)
	}

	data := got[24+16+48:]
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: got %x, want %x", data, payload)
	}
}

func TestWriteRecordRequiresHeader(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	err := writer.WriteRecord(Record{})
	if err != ErrHeaderNotWritten {
		t.Fatalf("expected ErrHeaderNotWritten, got %v", err)
	}
}

func TestWriteFileHeaderOnlyOnce(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	if err := writer.WriteFileHeader(0); err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteFileHeader(0); err != ErrHeaderAlreadyWritten {
		t.Fatalf("expected ErrHeaderAlreadyWritten, got %v", err)
	}
}

func TestWriterTruncatesAtSnapLen(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	if err := writer.WriteFileHeader(2); err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteRecord(Record{Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatal(err)
	}
	got := buf.Bytes()
	usbHdr := got[24+16 : 24+16+48]
	if dataLen := binary.LittleEndian.Uint32(usbHdr[36:40]); dataLen != 4 {
		t.Fatalf("data_len should report the full untruncated length, got %d", dataLen)
	}
	payload := got[24+16+48:]
	if len(payload) != 2 {
		t.Fatalf("expected payload truncated to snaplen 2, got %d bytes", len(payload))
	}
}
