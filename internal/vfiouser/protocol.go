// Package vfiouser implements the device side of a vfio-user backend:
// the region read/write, DMA map/unmap, interrupt and reset callbacks
// a vfio-user client (a VMM) drives against an exposed PCI function.
// The wire framing here is a minimal, self-consistent message protocol
// covering only the callback classes this controller needs; a
// production vfio-user transport's exact message encoding is assumed
// to sit in front of this package (spec §1's "a transport that
// delivers region read/write, DMA map/unmap, IRQ-fd setup, and reset
// callbacks").
package vfiouser

import (
	"encoding/binary"
	"fmt"
)

// Command identifies which callback a message invokes.
type Command uint32

const (
	CommandRegionRead Command = iota + 1
	CommandRegionWrite
	CommandDMAMap
	CommandDMAUnmap
	CommandSetIRQ
	CommandReset
)

func (c Command) String() string {
	switch c {
	case CommandRegionRead:
		return "region_read"
	case CommandRegionWrite:
		return "region_write"
	case CommandDMAMap:
		return "dma_map"
	case CommandDMAUnmap:
		return "dma_unmap"
	case CommandSetIRQ:
		return "set_irqs"
	case CommandReset:
		return "reset"
	default:
		return fmt.Sprintf("command(%d)", uint32(c))
	}
}

// requestHeaderSize is the fixed prefix of every message: Command and
// the byte length of the payload that follows it.
const requestHeaderSize = 8

// replyHeaderSize is the fixed prefix of every reply: a status (0 for
// success, nonzero is a synthetic errno-ish failure code) and the
// byte length of the payload that follows it.
const replyHeaderSize = 8

const (
	statusOK = 0
	statusErr = 1
)

func decodeHeader(buf []byte) (cmd Command, payloadLen uint32, err error) {
	if len(buf) < requestHeaderSize {
		return 0, 0, fmt.Errorf("vfiouser: short header (%d bytes)", len(buf))
	}
	cmd = Command(binary.LittleEndian.Uint32(buf[0:4]))
	payloadLen = binary.LittleEndian.Uint32(buf[4:8])
	return cmd, payloadLen, nil
}

func encodeHeader(cmd Command, payloadLen uint32) []byte {
	buf := make([]byte, requestHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], payloadLen)
	return buf
}

func encodeReply(status uint32, payload []byte) []byte {
	buf := make([]byte, replyHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], status)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[replyHeaderSize:], payload)
	return buf
}

func decodeReplyHeader(buf []byte) (status uint32, payloadLen uint32, err error) {
	if len(buf) < replyHeaderSize {
		return 0, 0, fmt.Errorf("vfiouser: short reply header (%d bytes)", len(buf))
	}
	status = binary.LittleEndian.Uint32(buf[0:4])
	payloadLen = binary.LittleEndian.Uint32(buf[4:8])
	return status, payloadLen, nil
}

// regionAccessRequest is the payload shape shared by RegionRead and
// RegionWrite: which region, at what offset, how many bytes. For a
// write the data itself follows immediately after these 16 bytes.
type regionAccessRequest struct {
	Index  uint32
	Size   uint32
	Offset uint64
}

const regionAccessRequestSize = 16

func encodeRegionAccessRequest(r regionAccessRequest) []byte {
	buf := make([]byte, regionAccessRequestSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Index)
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	return buf
}

func decodeRegionAccessRequest(buf []byte) (regionAccessRequest, error) {
	if len(buf) < regionAccessRequestSize {
		return regionAccessRequest{}, fmt.Errorf("vfiouser: short region access request (%d bytes)", len(buf))
	}
	return regionAccessRequest{
		Index:  binary.LittleEndian.Uint32(buf[0:4]),
		Size:   binary.LittleEndian.Uint32(buf[4:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// dmaMapRequest describes one guest memory region to be mapped: the
// guest physical address it is addressed at over DMA, and the file
// offset/length of the shared-memory fd carried alongside this
// message over SCM_RIGHTS.
type dmaMapRequest struct {
	GuestPhysAddr uint64
	FileOffset    uint64
	Length        uint64
}

const dmaMapRequestSize = 24

func encodeDMAMapRequest(r dmaMapRequest) []byte {
	buf := make([]byte, dmaMapRequestSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.GuestPhysAddr)
	binary.LittleEndian.PutUint64(buf[8:16], r.FileOffset)
	binary.LittleEndian.PutUint64(buf[16:24], r.Length)
	return buf
}

func decodeDMAMapRequest(buf []byte) (dmaMapRequest, error) {
	if len(buf) < dmaMapRequestSize {
		return dmaMapRequest{}, fmt.Errorf("vfiouser: short dma_map request (%d bytes)", len(buf))
	}
	return dmaMapRequest{
		GuestPhysAddr: binary.LittleEndian.Uint64(buf[0:8]),
		FileOffset:    binary.LittleEndian.Uint64(buf[8:16]),
		Length:        binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

type dmaUnmapRequest struct {
	GuestPhysAddr uint64
}

const dmaUnmapRequestSize = 8

func encodeDMAUnmapRequest(r dmaUnmapRequest) []byte {
	buf := make([]byte, dmaUnmapRequestSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.GuestPhysAddr)
	return buf
}

func decodeDMAUnmapRequest(buf []byte) (dmaUnmapRequest, error) {
	if len(buf) < dmaUnmapRequestSize {
		return dmaUnmapRequest{}, fmt.Errorf("vfiouser: short dma_unmap request (%d bytes)", len(buf))
	}
	return dmaUnmapRequest{GuestPhysAddr: binary.LittleEndian.Uint64(buf[0:8])}, nil
}

type setIRQRequest struct {
	Vector uint16
}

const setIRQRequestSize = 2

func encodeSetIRQRequest(r setIRQRequest) []byte {
	buf := make([]byte, setIRQRequestSize)
	binary.LittleEndian.PutUint16(buf[0:2], r.Vector)
	return buf
}

func decodeSetIRQRequest(buf []byte) (setIRQRequest, error) {
	if len(buf) < setIRQRequestSize {
		return setIRQRequest{}, fmt.Errorf("vfiouser: short set_irqs request (%d bytes)", len(buf))
	}
	return setIRQRequest{Vector: binary.LittleEndian.Uint16(buf[0:2])}, nil
}
