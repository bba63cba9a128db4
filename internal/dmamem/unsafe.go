package dmamem

import (
	"encoding/binary"
	"unsafe"
)

// ptrAt returns a pointer to mem[addr], used to hand a correctly
// aligned address to sync/atomic's fixed-width Load/Store functions.
// Guest physical addresses placed into TRBs are not guaranteed to be
// naturally aligned by a well-behaved driver, but XHCI requires
// pointer fields to be aligned (the codec rejects RsvdZ violations on
// the low bits of pointer fields before any atomic access happens
// here), so by the time a read/write reaches a Segment the address is
// already known-aligned for its access width.
func ptrAt(mem []byte, addr uint64) unsafe.Pointer {
	return unsafe.Pointer(&mem[addr])
}

func leUint64(b []byte) uint64       { return binary.LittleEndian.Uint64(b) }
func putLeUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
