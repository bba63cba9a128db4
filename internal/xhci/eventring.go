package xhci

import (
	"errors"
	"fmt"

	"github.com/tinyrange/xhcid/internal/trb"
)

// ErrEventRingFull is returned by EventRing.Enqueue when every segment of
// the configured ERST is full. The caller logs and drops the event; see
// DESIGN.md for why this does not escalate to a panic.
var ErrEventRingFull = errors.New("xhci: event ring full")

const erstEntrySize = 16 // {base_addr u64, size u32, reserved u32}

// EventRing is the controller's half of the Event Ring Segment Table
// mechanism: a multi-segment ring the controller (producer) writes Event
// TRBs into and the driver (consumer) drains via ERDP.
type EventRing struct {
	bus DMABus

	erstBase  uint64
	erstSize  uint32 // number of segments in the table
	erstIndex uint32 // index of the segment currently being filled

	dequeuePtr uint64
	enqueuePtr uint64

	trbCountLeft  uint32 // TRBs remaining in the current segment
	producerCycle bool
}

// NewEventRing constructs an EventRing bound to the given DMA bus. It is
// inert until SetERSTSZ and SetERSTBA have both been called, matching the
// driver's required write order (ERSTSZ, then ERSTBA, then ERDP).
func NewEventRing(bus DMABus) *EventRing {
	return &EventRing{bus: bus, producerCycle: true}
}

// SetERSTSZ handles a write to the ERSTSZ register: the number of segments
// in the Event Ring Segment Table.
func (r *EventRing) SetERSTSZ(size uint32) {
	r.erstSize = size
}

// SetERSTBA handles a write to the ERSTBA register. It loads segment 0's
// base address and TRB count from guest memory and resets the producer
// cycle state to true, per the driver initialization sequence.
func (r *EventRing) SetERSTBA(erstba uint64) error {
	if erstba&0x3f != 0 {
		return fmt.Errorf("xhci: event ring segment table base 0x%x is not 64-byte aligned", erstba)
	}
	if r.erstSize == 0 {
		return fmt.Errorf("xhci: ERSTBA written before ERSTSZ")
	}
	r.erstBase = erstba
	r.erstIndex = 0
	r.producerCycle = true
	base, count, err := r.loadSegment(0)
	if err != nil {
		return err
	}
	r.enqueuePtr = base
	r.trbCountLeft = count
	return nil
}

func (r *EventRing) loadSegment(index uint32) (base uint64, count uint32, err error) {
	entryAddr := r.erstBase + uint64(index)*erstEntrySize
	base, err = dmaRead64(r.bus, entryAddr)
	if err != nil {
		return 0, 0, fmt.Errorf("xhci: read ERST entry %d base: %w", index, err)
	}
	countWord, err := dmaRead32(r.bus, entryAddr+8)
	if err != nil {
		return 0, 0, fmt.Errorf("xhci: read ERST entry %d size: %w", index, err)
	}
	return base, countWord, nil
}

// UpdateDequeuePointer handles a write to ERDP.
func (r *EventRing) UpdateDequeuePointer(erdp uint64) {
	r.dequeuePtr = erdp &^ 0xf
}

// ReadBaseAddress handles a read of ERSTBA.
func (r *EventRing) ReadBaseAddress() uint64 { return r.erstBase }

// ReadDequeuePointer handles a read of ERDP.
func (r *EventRing) ReadDequeuePointer() uint64 { return r.dequeuePtr }

// ERSTSize handles a read of ERSTSZ.
func (r *EventRing) ERSTSize() uint32 { return r.erstSize }

// Enqueue writes one Event TRB to the ring, advancing across segment
// boundaries and flipping the producer cycle on wrap past the last
// segment, per spec §4.7. Returns ErrEventRingFull if every segment is
// currently full.
func (r *EventRing) Enqueue(e trb.EventTRB) error {
	if r.full() {
		return ErrEventRingFull
	}

	raw := e.ToBytes(r.producerCycle)
	if err := writeTRB(r.bus, r.enqueuePtr, raw); err != nil {
		return fmt.Errorf("xhci: enqueue event TRB: %w", err)
	}

	r.trbCountLeft--
	if r.trbCountLeft == 0 {
		r.erstIndex = (r.erstIndex + 1) % r.erstSize
		if r.erstIndex == 0 {
			r.producerCycle = !r.producerCycle
		}
		base, count, err := r.loadSegment(r.erstIndex)
		if err != nil {
			return err
		}
		r.enqueuePtr = base
		r.trbCountLeft = count
	} else {
		r.enqueuePtr += trb.Size
	}
	return nil
}

// full implements the fullness test from spec §4.7: if the current
// segment has exactly one slot left, compare the dequeue pointer against
// the next segment's base; otherwise compare against enqueuePtr+16.
func (r *EventRing) full() bool {
	if r.trbCountLeft == 1 {
		nextIndex := (r.erstIndex + 1) % r.erstSize
		nextBase, _, err := r.loadSegment(nextIndex)
		if err != nil {
			return true
		}
		return r.dequeuePtr == nextBase
	}
	return r.dequeuePtr == r.enqueuePtr+trb.Size
}
