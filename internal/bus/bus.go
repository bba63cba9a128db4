package bus

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrOverlapsExistingDevice is returned by NewBus when two entries'
// ranges intersect.
var ErrOverlapsExistingDevice = errors.New("bus: device range overlaps an existing device")

// ErrDeviceOutOfRange is returned by NewBus when an entry's range
// exceeds the bus's total size.
var ErrDeviceOutOfRange = errors.New("bus: device range exceeds bus size")

// Entry binds a Device to the range of bus addresses it answers for.
type Entry struct {
	Range  Range
	Device Device
}

// Bus routes requests to one of a fixed set of non-overlapping
// devices by address range. It is immutable after construction:
// configuration errors (overlap, out-of-range) are reported at
// construction time and are treated as programmer bugs.
type Bus struct {
	size    uint64
	entries []Entry
	fill    Device // returned for addresses matched by no entry
	errDev  Device // returned for requests that straddle >1 entry
	log     *slog.Logger
}

// fillDevice answers every read with all-ones and discards writes,
// matching the "unmatched -> default device, all-ones for reads"
// rule.
type fillDevice struct{ size uint64 }

func (f fillDevice) Size() uint64 { return f.size }
func (f fillDevice) Read(req Request) (uint64, error) {
	return allOnes(req.Size), nil
}
func (f fillDevice) Write(Request, uint64) error { return nil }

// errorDevice is routed to when a request overlaps but is not fully
// contained within exactly one entry. It logs once per access.
type errorDevice struct {
	size uint64
	log  *slog.Logger
}

func (e errorDevice) Size() uint64 { return e.size }
func (e errorDevice) Read(req Request) (uint64, error) {
	if e.log != nil {
		e.log.Warn("bus: read straddles multiple devices, returning all-ones", "addr", req.Address, "size", req.Size)
	}
	return allOnes(req.Size), nil
}
func (e errorDevice) Write(req Request, _ uint64) error {
	if e.log != nil {
		e.log.Warn("bus: write straddles multiple devices, dropping", "addr", req.Address, "size", req.Size)
	}
	return nil
}

func allOnes(size Size) uint64 {
	switch size {
	case Size1:
		return 0xff
	case Size2:
		return 0xffff
	case Size4:
		return 0xffff_ffff
	default:
		return 0xffff_ffff_ffff_ffff
	}
}

// NewBus validates and constructs an immutable bus of the given total
// size. Entries must not overlap each other or exceed size; violating
// either is a configuration error returned immediately.
func NewBus(size uint64, entries []Entry, log *slog.Logger) (*Bus, error) {
	for i, e := range entries {
		if e.Range.End > size || e.Range.End < e.Range.Start {
			return nil, fmt.Errorf("%w: entry %d range [0x%x,0x%x) bus size 0x%x", ErrDeviceOutOfRange, i, e.Range.Start, e.Range.End, size)
		}
		for j, o := range entries {
			if i == j {
				continue
			}
			if e.Range.Overlaps(o.Range) {
				return nil, fmt.Errorf("%w: entry %d [0x%x,0x%x) overlaps entry %d [0x%x,0x%x)",
					ErrOverlapsExistingDevice, i, e.Range.Start, e.Range.End, j, o.Range.Start, o.Range.End)
			}
		}
	}
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &Bus{
		size:    size,
		entries: cp,
		fill:    fillDevice{size: size},
		errDev:  errorDevice{size: size, log: log},
		log:     log,
	}, nil
}

func (b *Bus) Size() uint64 { return b.size }

// lookup classifies req against the bus's entries: fully contained in
// exactly one -> that entry; overlapping more than one, or partially
// overlapping one -> error device; matching none -> fill device.
func (b *Bus) lookup(rng Range) (Device, uint64) {
	var matched *Entry
	overlapCount := 0
	fullyContained := false
	for i := range b.entries {
		e := &b.entries[i]
		if e.Range.Overlaps(rng) {
			overlapCount++
			if e.Range.Contains(rng) {
				fullyContained = true
				matched = e
			}
		}
	}
	if fullyContained && overlapCount == 1 {
		return matched.Device, matched.Range.Start
	}
	if overlapCount > 0 {
		return b.errDev, 0
	}
	return b.fill, 0
}

// Read routes req to the device whose range fully contains it.
func (b *Bus) Read(req Request) (uint64, error) {
	rng, err := req.Range()
	if err != nil {
		// A wrapping request cannot be matched against any range; treat
		// it the same as unmatched.
		return b.fill.Read(req)
	}
	dev, origin := b.lookup(rng)
	return dev.Read(req.Translate(origin))
}

// Write routes req to the device whose range fully contains it.
func (b *Bus) Write(req Request, value uint64) error {
	rng, err := req.Range()
	if err != nil {
		return b.fill.Write(req, value)
	}
	dev, origin := b.lookup(rng)
	return dev.Write(req.Translate(origin), value)
}

// Bulk splits [addr, addr+len(data)) by device boundaries and issues
// one bulk call per device touched, falling back to one Read/Write per
// byte for stretches matched by no device (correctness, not
// performance, per spec).
func (b *Bus) BulkRead(addr uint64, data []byte) error {
	return b.bulk(addr, data, true)
}

func (b *Bus) BulkWrite(addr uint64, data []byte) error {
	return b.bulk(addr, data, false)
}

func (b *Bus) bulk(addr uint64, data []byte, isRead bool) error {
	i := uint64(0)
	n := uint64(len(data))
	for i < n {
		cur := addr + i
		rng := Range{Start: cur, End: cur + 1}
		dev, origin := b.lookup(rng)
		if bulkDev, ok := dev.(BulkDevice); ok && dev != Device(b.fill) && dev != Device(b.errDev) {
			// Find the extent of this device's range to chunk the copy.
			end := n
			for j := range b.entries {
				e := &b.entries[j]
				if e.Device == dev {
					if e.Range.End-addr < end {
						end = e.Range.End - addr
					}
				}
			}
			chunk := data[i:end]
			var err error
			if isRead {
				err = bulkDev.ReadBulk(cur-origin, chunk)
			} else {
				err = bulkDev.WriteBulk(cur-origin, chunk)
			}
			if err != nil {
				return err
			}
			i = end
			continue
		}
		// Byte-at-a-time fallback (fill/error devices, or devices with
		// no bulk fast path).
		req := Request{Address: cur, Size: Size1}
		if isRead {
			v, err := dev.Read(req.Translate(origin))
			if err != nil {
				return err
			}
			data[i] = byte(v)
		} else {
			if err := dev.Write(req.Translate(origin), uint64(data[i])); err != nil {
				return err
			}
		}
		i++
	}
	return nil
}

var _ Device = (*Bus)(nil)
