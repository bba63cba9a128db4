package bus

import (
	"encoding/binary"
	"fmt"
)

// Builder places byte/16/32/64-bit little-endian fields into a
// RegisterSet, asserting that no two placed fields overlap and that
// rwMask & w1cMask == 0 for every bit placed.
type Builder struct {
	rs     *RegisterSet
	placed []Range
}

// NewBuilder starts building an n-byte register window.
func NewBuilder(n uint64) *Builder {
	return &Builder{rs: NewRegisterSet(n)}
}

func (b *Builder) reserve(addr uint64, n uint64) error {
	rng := Range{Start: addr, End: addr + n}
	if rng.End > b.rs.Size() || rng.End < addr {
		return fmt.Errorf("bus: builder field [0x%x,+%d) exceeds window size %d", addr, n, b.rs.Size())
	}
	for _, p := range b.placed {
		if p.Overlaps(rng) {
			return fmt.Errorf("bus: builder field [0x%x,+%d) overlaps existing field [0x%x,0x%x)", addr, n, p.Start, p.End)
		}
	}
	b.placed = append(b.placed, rng)
	return nil
}

// field lays down a little-endian value plus RW/W1C masks over
// n bytes starting at addr.
func (b *Builder) field(addr uint64, n uint64, initial, rw, w1c uint64) *Builder {
	if err := b.reserve(addr, n); err != nil {
		panic(err)
	}
	if rw&w1c != 0 {
		panic(fmt.Errorf("bus: builder field at 0x%x has overlapping rw/w1c bits 0x%x", addr, rw&w1c))
	}
	var vbuf, rwbuf, w1cbuf [8]byte
	binary.LittleEndian.PutUint64(vbuf[:], initial)
	binary.LittleEndian.PutUint64(rwbuf[:], rw)
	binary.LittleEndian.PutUint64(w1cbuf[:], w1c)
	copy(b.rs.value[addr:addr+n], vbuf[:n])
	copy(b.rs.rwMask[addr:addr+n], rwbuf[:n])
	copy(b.rs.w1c[addr:addr+n], w1cbuf[:n])
	return b
}

// Byte places an 8-bit field.
func (b *Builder) Byte(addr uint64, initial, rw, w1c uint8) *Builder {
	return b.field(addr, 1, uint64(initial), uint64(rw), uint64(w1c))
}

// Word16 places a 16-bit little-endian field.
func (b *Builder) Word16(addr uint64, initial, rw, w1c uint16) *Builder {
	return b.field(addr, 2, uint64(initial), uint64(rw), uint64(w1c))
}

// Word32 places a 32-bit little-endian field.
func (b *Builder) Word32(addr uint64, initial, rw, w1c uint32) *Builder {
	return b.field(addr, 4, uint64(initial), uint64(rw), uint64(w1c))
}

// Word64 places a 64-bit little-endian field.
func (b *Builder) Word64(addr uint64, initial, rw, w1c uint64) *Builder {
	return b.field(addr, 8, initial, rw, w1c)
}

// RawBytes copies raw, entirely-read-only bytes into the window
// (e.g. a vendor string or reserved block) without touching masks.
func (b *Builder) RawBytes(addr uint64, data []byte) *Builder {
	if err := b.reserve(addr, uint64(len(data))); err != nil {
		panic(err)
	}
	copy(b.rs.value[addr:addr+uint64(len(data))], data)
	return b
}

// Build returns the constructed RegisterSet.
func (b *Builder) Build() *RegisterSet {
	return b.rs
}

// RegisterSetAt copies a smaller window's data and masks into a larger
// one at the given offset. Used to compose a sub-window (e.g. the
// MSI-X capability payload) into a bigger config-space register set.
func RegisterSetAt(dst *RegisterSet, offset uint64, src *RegisterSet) error {
	n := src.Size()
	if offset+n > dst.Size() || offset+n < offset {
		return fmt.Errorf("bus: register_set_at: src window [0x%x,+%d) exceeds dst size %d", offset, n, dst.Size())
	}
	copy(dst.value[offset:offset+n], src.value)
	copy(dst.rwMask[offset:offset+n], src.rwMask)
	copy(dst.w1c[offset:offset+n], src.w1c)
	return nil
}
