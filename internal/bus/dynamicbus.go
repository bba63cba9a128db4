package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DynamicBus is a Bus variant that supports concurrent add/remove
// while reads and writes are in flight. Writers rebuild an immutable
// Bus and publish it with an atomic pointer swap; readers take a
// single atomic load and then use that snapshot for the whole
// request, so no request is ever split across two generations of the
// entry list.
type DynamicBus struct {
	size uint64
	log  *slog.Logger

	writeMu sync.Mutex // serializes Add/Remove; readers never block on it
	entries []Entry    // writer-owned source of truth
	current atomic.Pointer[Bus]
}

// NewDynamicBus creates an empty dynamic bus of the given size.
func NewDynamicBus(size uint64, log *slog.Logger) *DynamicBus {
	d := &DynamicBus{size: size, log: log}
	b, err := NewBus(size, nil, log)
	if err != nil {
		panic(err) // empty entry list can never fail construction
	}
	d.current.Store(b)
	return d
}

// Add registers a new device at startAddr..startAddr+dev.Size(). It
// rebuilds and atomically republishes the bus; concurrent readers see
// either the old or the new snapshot, never a torn one.
func (d *DynamicBus) Add(startAddr uint64, dev Device) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	entry := Entry{Range: Range{Start: startAddr, End: startAddr + dev.Size()}, Device: dev}
	next := append(append([]Entry(nil), d.entries...), entry)

	b, err := NewBus(d.size, next, d.log)
	if err != nil {
		return err
	}
	d.entries = next
	d.current.Store(b)
	return nil
}

// Remove unpublishes the device previously registered at startAddr.
// The vfio-user dma_unmap callback is the only caller; spec.md leaves
// unmap unspecified ("an implementation may choose to either forbid
// unmap or rebuild omitting the removed entry") — this implementation
// rebuilds without the removed entry, matching the second option.
func (d *DynamicBus) Remove(startAddr uint64) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	next := make([]Entry, 0, len(d.entries))
	found := false
	for _, e := range d.entries {
		if e.Range.Start == startAddr {
			found = true
			continue
		}
		next = append(next, e)
	}
	if !found {
		return fmt.Errorf("bus: no device registered at 0x%x", startAddr)
	}
	b, err := NewBus(d.size, next, d.log)
	if err != nil {
		return err
	}
	d.entries = next
	d.current.Store(b)
	return nil
}

func (d *DynamicBus) snapshot() *Bus { return d.current.Load() }

func (d *DynamicBus) Size() uint64 { return d.size }

func (d *DynamicBus) Read(req Request) (uint64, error) {
	return d.snapshot().Read(req)
}

func (d *DynamicBus) Write(req Request, value uint64) error {
	return d.snapshot().Write(req, value)
}

func (d *DynamicBus) ReadBulk(addr uint64, data []byte) error {
	return d.snapshot().BulkRead(addr, data)
}

func (d *DynamicBus) WriteBulk(addr uint64, data []byte) error {
	return d.snapshot().BulkWrite(addr, data)
}

var (
	_ Device     = (*DynamicBus)(nil)
	_ BulkDevice = (*DynamicBus)(nil)
)
