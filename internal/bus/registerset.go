package bus

import (
	"encoding/binary"
	"fmt"
)

// Device is anything that can answer byte-range reads and writes
// within a fixed-size window. RegisterSet, DynamicBus and
// dmamem.MemorySegment all implement it.
type Device interface {
	// Size returns the number of bytes in the device's address window.
	Size() uint64
	// Read returns the little-endian value of the req.Size bytes
	// starting at req.Address. Bytes above req.Size are zero.
	Read(req Request) (uint64, error)
	// Write stores the low req.Size bytes of value at req.Address,
	// applying whatever masking semantics the device defines.
	Write(req Request, value uint64) error
}

// BulkDevice is implemented by devices that can service multi-byte
// copies more efficiently than Bus's default byte-at-a-time fallback.
type BulkDevice interface {
	Device
	ReadBulk(addr uint64, data []byte) error
	WriteBulk(addr uint64, data []byte) error
}

// RegisterSet is a fixed-size byte-addressable window carrying three
// parallel byte arrays: the current value, a read-write bit mask, and
// a write-one-to-clear bit mask. The invariant rw&w1c == 0 holds for
// every byte set through Builder; RegisterSet itself does not enforce
// it on direct mutation (WriteDirect bypasses masks entirely).
type RegisterSet struct {
	value  []byte
	rwMask []byte
	w1c    []byte
}

// NewRegisterSet constructs an all-zero register window of n bytes
// with no bits writable and no bits write-one-to-clear. Use Builder to
// place fields with specific semantics.
func NewRegisterSet(n uint64) *RegisterSet {
	return &RegisterSet{
		value:  make([]byte, n),
		rwMask: make([]byte, n),
		w1c:    make([]byte, n),
	}
}

func (r *RegisterSet) Size() uint64 { return uint64(len(r.value)) }

// boundsCheck returns the byte range of req and an error if it does
// not fit entirely inside the window.
func (r *RegisterSet) boundsCheck(req Request) (Range, error) {
	rng, err := req.Range()
	if err != nil {
		return Range{}, err
	}
	if rng.End > r.Size() {
		return Range{}, fmt.Errorf("bus: request %+v exceeds register set size %d", req, r.Size())
	}
	return rng, nil
}

// Read folds the addressed bytes into a little-endian u64; bytes above
// req.Size are zero.
func (r *RegisterSet) Read(req Request) (uint64, error) {
	rng, err := r.boundsCheck(req)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], r.value[rng.Start:rng.End])
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write applies the standard RW/W1C semantics byte by byte:
//
//	new = (old &^ rw) | (in & rw)
//	new &^= (in & w1c)
func (r *RegisterSet) Write(req Request, value uint64) error {
	rng, err := r.boundsCheck(req)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	for i := rng.Start; i < rng.End; i++ {
		in := buf[i-rng.Start]
		rw := r.rwMask[i]
		w1c := r.w1c[i]
		old := r.value[i]
		nb := (old &^ rw) | (in & rw)
		nb &^= in & w1c
		r.value[i] = nb
	}
	return nil
}

// ReadBulk copies count bytes starting at addr without masking.
func (r *RegisterSet) ReadBulk(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > r.Size() || addr+uint64(len(data)) < addr {
		return fmt.Errorf("bus: bulk read [0x%x,+%d) exceeds register set size %d", addr, len(data), r.Size())
	}
	copy(data, r.value[addr:addr+uint64(len(data))])
	return nil
}

// WriteBulk applies Write one byte at a time across data, preserving
// RW/W1C semantics for every byte touched.
func (r *RegisterSet) WriteBulk(addr uint64, data []byte) error {
	for i, b := range data {
		if err := r.Write(Request{Address: addr + uint64(i), Size: Size1}, uint64(b)); err != nil {
			return err
		}
	}
	return nil
}

// WriteDirect stores raw bytes bypassing RW/W1C masks entirely. Used
// by model-internal code (e.g. the controller updating a read-only
// capability register, or latching a computed constant at
// construction time).
func (r *RegisterSet) WriteDirect(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > r.Size() || addr+uint64(len(data)) < addr {
		return fmt.Errorf("bus: direct write [0x%x,+%d) exceeds register set size %d", addr, len(data), r.Size())
	}
	copy(r.value[addr:addr+uint64(len(data))], data)
	return nil
}

// ReadDirect returns the raw current bytes without interpreting size.
func (r *RegisterSet) ReadDirect(addr uint64, n uint64) ([]byte, error) {
	if addr+n > r.Size() || addr+n < addr {
		return nil, fmt.Errorf("bus: direct read [0x%x,+%d) exceeds register set size %d", addr, n, r.Size())
	}
	out := make([]byte, n)
	copy(out, r.value[addr:addr+n])
	return out, nil
}

// SetMask overwrites the RW/W1C masks for the n bytes at addr. Used by
// callers that place raw bytes with WriteDirect (e.g. a capability
// payload assembled outside of Builder) and then need a subset of
// those bytes to become guest-writable or W1C after the fact.
func (r *RegisterSet) SetMask(addr uint64, rw, w1c []byte) error {
	n := uint64(len(rw))
	if uint64(len(w1c)) != n {
		return fmt.Errorf("bus: SetMask rw/w1c length mismatch (%d vs %d)", len(rw), len(w1c))
	}
	if addr+n > r.Size() || addr+n < addr {
		return fmt.Errorf("bus: SetMask [0x%x,+%d) exceeds register set size %d", addr, n, r.Size())
	}
	for i := uint64(0); i < n; i++ {
		if rw[i]&w1c[i] != 0 {
			return fmt.Errorf("bus: SetMask byte %d has overlapping rw/w1c bits 0x%x", addr+i, rw[i]&w1c[i])
		}
	}
	copy(r.rwMask[addr:addr+n], rw)
	copy(r.w1c[addr:addr+n], w1c)
	return nil
}

var (
	_ Device     = (*RegisterSet)(nil)
	_ BulkDevice = (*RegisterSet)(nil)
)
