// Package dmamem implements the host-backed memory segments that the
// DMA bus maps guest physical addresses onto. All guest-observable
// accesses go through size-matched atomic load/store so that a
// concurrently running endpoint worker and the MMIO dispatcher never
// observe a torn multi-byte value.
package dmamem

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/xhcid/internal/bus"
)

// AccessMode selects whether a MemorySegment accepts writes.
type AccessMode int

const (
	ReadWrite AccessMode = iota
	ReadOnly
)

// Segment is a contiguous host mmap of a file descriptor at a given
// file offset and length, exposed as a bus.Device. It is the only
// path by which this process touches guest memory.
type Segment struct {
	mem  []byte
	mode AccessMode
}

// Map mmaps length bytes of fd starting at fileOffset. The caller
// retains ownership of fd; Map does not close it.
func Map(fd int, fileOffset int64, length int, mode AccessMode) (*Segment, error) {
	prot := unix.PROT_READ
	if mode == ReadWrite {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(fd, fileOffset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("dmamem: mmap fd=%d off=%d len=%d: %w", fd, fileOffset, length, err)
	}
	return &Segment{mem: mem, mode: mode}, nil
}

// Unmap releases the host mapping. The Segment must not be used
// afterwards.
func (s *Segment) Unmap() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

func (s *Segment) Size() uint64 { return uint64(len(s.mem)) }

// Read performs a size-matched atomic load with relaxed ordering (Go
// does not expose ordering as a knob on atomic.Load*, but a plain
// atomic load on amd64/arm64 is at least as strong as relaxed and is
// the strongest primitive available without manual fences).
func (s *Segment) Read(req bus.Request) (uint64, error) {
	rng, err := req.Range()
	if err != nil {
		return 0, err
	}
	if rng.End > s.Size() {
		return 0, fmt.Errorf("dmamem: read [0x%x,+%d) exceeds segment size %d", req.Address, req.Size, s.Size())
	}
	return s.readSized(rng.Start, req.Size)
}

func (s *Segment) readSized(addr uint64, size bus.Size) (uint64, error) {
	switch size {
	case bus.Size1:
		return uint64(s.mem[addr]), nil
	case bus.Size2:
		p := (*uint16)(ptrAt(s.mem, addr))
		return uint64(atomic.LoadUint16(p)), nil
	case bus.Size4:
		p := (*uint32)(ptrAt(s.mem, addr))
		return uint64(atomic.LoadUint32(p)), nil
	case bus.Size8:
		p := (*uint64)(ptrAt(s.mem, addr))
		return atomic.LoadUint64(p), nil
	default:
		return 0, fmt.Errorf("dmamem: invalid read size %d", size)
	}
}

// Write performs a size-matched atomic store. Writes to a read-only
// segment are silently dropped but must not fault, per spec.
func (s *Segment) Write(req bus.Request, value uint64) error {
	rng, err := req.Range()
	if err != nil {
		return err
	}
	if rng.End > s.Size() {
		return fmt.Errorf("dmamem: write [0x%x,+%d) exceeds segment size %d", req.Address, req.Size, s.Size())
	}
	if s.mode == ReadOnly {
		return nil
	}
	switch req.Size {
	case bus.Size1:
		s.mem[rng.Start] = byte(value)
	case bus.Size2:
		p := (*uint16)(ptrAt(s.mem, rng.Start))
		atomic.StoreUint16(p, uint16(value))
	case bus.Size4:
		p := (*uint32)(ptrAt(s.mem, rng.Start))
		atomic.StoreUint32(p, uint32(value))
	case bus.Size8:
		p := (*uint64)(ptrAt(s.mem, rng.Start))
		atomic.StoreUint64(p, value)
	default:
		return fmt.Errorf("dmamem: invalid write size %d", req.Size)
	}
	return nil
}

// ReadBulk copies count bytes out of the segment. Each natural-width
// chunk is read atomically; a length not aligned to 8 bytes falls
// back to byte granularity for its remainder, which is still a
// size-matched atomic access per byte.
func (s *Segment) ReadBulk(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > s.Size() || addr+uint64(len(data)) < addr {
		return fmt.Errorf("dmamem: bulk read [0x%x,+%d) exceeds segment size %d", addr, len(data), s.Size())
	}
	return bulkCopy(s, addr, data, false)
}

// WriteBulk stores count bytes into the segment, or silently drops
// them on a read-only segment.
func (s *Segment) WriteBulk(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > s.Size() || addr+uint64(len(data)) < addr {
		return fmt.Errorf("dmamem: bulk write [0x%x,+%d) exceeds segment size %d", addr, len(data), s.Size())
	}
	if s.mode == ReadOnly {
		return nil
	}
	return bulkCopy(s, addr, data, true)
}

func bulkCopy(s *Segment, addr uint64, data []byte, write bool) error {
	i := uint64(0)
	n := uint64(len(data))
	for i+8 <= n {
		if write {
			v := leUint64(data[i : i+8])
			atomic.StoreUint64((*uint64)(ptrAt(s.mem, addr+i)), v)
		} else {
			v := atomic.LoadUint64((*uint64)(ptrAt(s.mem, addr+i)))
			putLeUint64(data[i:i+8], v)
		}
		i += 8
	}
	for i < n {
		if write {
			s.mem[addr+i] = data[i]
		} else {
			data[i] = s.mem[addr+i]
		}
		i++
	}
	return nil
}

var (
	_ bus.Device     = (*Segment)(nil)
	_ bus.BulkDevice = (*Segment)(nil)
)
