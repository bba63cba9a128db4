package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhcid/internal/bus"
)

// DMABus is the subset of bus.BulkDevice the controller, rings and
// contexts use to reach guest memory. Satisfied by *bus.DynamicBus.
type DMABus interface {
	bus.BulkDevice
}

func dmaRead64(b DMABus, addr uint64) (uint64, error) {
	return b.Read(bus.Request{Address: addr, Size: bus.Size8})
}

func dmaWrite64(b DMABus, addr uint64, v uint64) error {
	return b.Write(bus.Request{Address: addr, Size: bus.Size8}, v)
}

func dmaRead32(b DMABus, addr uint64) (uint32, error) {
	v, err := b.Read(bus.Request{Address: addr, Size: bus.Size4})
	return uint32(v), err
}

func dmaRead8(b DMABus, addr uint64) (uint8, error) {
	v, err := b.Read(bus.Request{Address: addr, Size: bus.Size1})
	return uint8(v), err
}

func dmaWrite8(b DMABus, addr uint64, v uint8) error {
	return b.Write(bus.Request{Address: addr, Size: bus.Size1}, uint64(v))
}

// readTRB DMA-reads one 16-byte TRB at addr.
func readTRB(b DMABus, addr uint64) (raw [16]byte, err error) {
	if err := b.ReadBulk(addr, raw[:]); err != nil {
		return raw, fmt.Errorf("xhci: read TRB at 0x%x: %w", addr, err)
	}
	return raw, nil
}

// writeTRB DMA-writes one 16-byte TRB at addr.
func writeTRB(b DMABus, addr uint64, raw [16]byte) error {
	if err := b.WriteBulk(addr, raw[:]); err != nil {
		return fmt.Errorf("xhci: write TRB at 0x%x: %w", addr, err)
	}
	return nil
}

func readBytes(b DMABus, addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	if err := b.ReadBulk(addr, out); err != nil {
		return nil, fmt.Errorf("xhci: read %d bytes at 0x%x: %w", n, addr, err)
	}
	return out, nil
}

func writeBytes(b DMABus, addr uint64, data []byte) error {
	if err := b.WriteBulk(addr, data); err != nil {
		return fmt.Errorf("xhci: write %d bytes at 0x%x: %w", len(data), addr, err)
	}
	return nil
}

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
