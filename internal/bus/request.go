// Package bus implements byte-addressable register windows and a
// range-routed device bus. It is used both for the PCI/MMIO register
// surface and for the DMA bus that maps guest physical memory.
package bus

import "fmt"

// Size is the width, in bytes, of a single bus access. XHCI and PCI
// config space only ever use 1, 2, 4 or 8 byte accesses.
type Size uint8

const (
	Size1 Size = 1
	Size2 Size = 2
	Size4 Size = 4
	Size8 Size = 8
)

// Valid reports whether s is one of the four supported access widths.
func (s Size) Valid() bool {
	switch s {
	case Size1, Size2, Size4, Size8:
		return true
	default:
		return false
	}
}

// Request describes a single bus access: an address and a size. Size
// is restricted to a closed set of widths; arithmetic combining the
// two is checked for u64 wraparound.
type Request struct {
	Address uint64
	Size    Size
}

// ErrWrappingRequest is returned by Range when Address+Size overflows
// a uint64.
var ErrWrappingRequest = fmt.Errorf("bus: request wraps address space")

// Range returns the half-open byte range [Address, Address+Size)
// covered by the request, or ErrWrappingRequest if that sum overflows.
func (r Request) Range() (Range, error) {
	if !r.Size.Valid() {
		return Range{}, fmt.Errorf("bus: invalid request size %d", r.Size)
	}
	end := r.Address + uint64(r.Size)
	if end < r.Address {
		return Range{}, ErrWrappingRequest
	}
	return Range{Start: r.Address, End: end}, nil
}

// Translate returns a copy of r with Address shifted relative to
// origin. Used when forwarding a request into a device's local
// address space.
func (r Request) Translate(origin uint64) Request {
	return Request{Address: r.Address - origin, Size: r.Size}
}

// Bytes iterates the request one byte at a time, yielding single-byte
// sub-requests at increasing addresses.
func (r Request) Bytes(yield func(Request) bool) {
	for i := uint64(0); i < uint64(r.Size); i++ {
		if !yield(Request{Address: r.Address + i, Size: Size1}) {
			return
		}
	}
}

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() uint64 { return r.End - r.Start }

// Contains reports whether other lies entirely within r.
func (r Range) Contains(other Range) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// Overlaps reports whether r and other share any byte.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}
