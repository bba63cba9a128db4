package xhci

import (
	"testing"

	"github.com/tinyrange/xhcid/internal/trb"
)

func TestEventRingSingleSegmentWrap(t *testing.T) {
	dma := newTestGuestMemory(t)
	const erstAddr, ringAddr = 0x1000, 0x2000
	const capacity = 3

	if err := dmaWrite64(dma, erstAddr, ringAddr); err != nil {
		t.Fatal(err)
	}
	if err := dmaWrite64(dma, erstAddr+8, capacity); err != nil {
		t.Fatal(err)
	}

	r := NewEventRing(dma)
	r.SetERSTSZ(1)
	if err := r.SetERSTBA(erstAddr); err != nil {
		t.Fatal(err)
	}

	// Fill down to the last slot of the segment (trbCountLeft == 1):
	// the driver hasn't moved ERDP, so these both succeed since the
	// stale dequeue pointer (0) never matches enqueuePtr+16.
	for i := 0; i < capacity-1; i++ {
		if err := r.Enqueue(trb.PortStatusChangeEventTRB{PortID: uint8(i + 1)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// On the last slot, fullness compares against the next segment's
	// base (here, the same single segment reloaded). If the driver's
	// dequeue pointer sits exactly there, the ring reports full.
	r.UpdateDequeuePointer(ringAddr)
	if err := r.Enqueue(trb.PortStatusChangeEventTRB{PortID: 9}); err != ErrEventRingFull {
		t.Fatalf("expected ErrEventRingFull, got %v", err)
	}

	// Once the driver advances past the segment base, there's room
	// again.
	r.UpdateDequeuePointer(ringAddr + trb.Size)
	if err := r.Enqueue(trb.PortStatusChangeEventTRB{PortID: 9}); err != nil {
		t.Fatalf("expected room after driver caught up, got %v", err)
	}
}

func TestEventRingMultiSegmentWrapFlipsCycle(t *testing.T) {
	dma := newTestGuestMemory(t)
	const erstAddr, seg0, seg1 = 0x1000, 0x2000, 0x3000

	// Two one-entry segments chained in the ERST.
	if err := dmaWrite64(dma, erstAddr, seg0); err != nil {
		t.Fatal(err)
	}
	if err := dmaWrite64(dma, erstAddr+8, 1); err != nil {
		t.Fatal(err)
	}
	if err := dmaWrite64(dma, erstAddr+16, seg1); err != nil {
		t.Fatal(err)
	}
	if err := dmaWrite64(dma, erstAddr+24, 1); err != nil {
		t.Fatal(err)
	}

	r := NewEventRing(dma)
	r.SetERSTSZ(2)
	if err := r.SetERSTBA(erstAddr); err != nil {
		t.Fatal(err)
	}
	r.UpdateDequeuePointer(seg0) // keep the driver "caught up" throughout

	if err := r.Enqueue(trb.PortStatusChangeEventTRB{PortID: 1}); err != nil {
		t.Fatal(err)
	}
	raw0, err := readTRB(dma, seg0)
	if err != nil {
		t.Fatal(err)
	}
	if raw0[12]&0x1 == 0 {
		t.Fatalf("expected first event stamped with producer cycle 1")
	}

	r.UpdateDequeuePointer(seg1)
	if err := r.Enqueue(trb.PortStatusChangeEventTRB{PortID: 2}); err != nil {
		t.Fatal(err)
	}

	// Wrapping from segment 1 back to segment 0 flips the producer
	// cycle for every subsequent event.
	r.UpdateDequeuePointer(seg0)
	if err := r.Enqueue(trb.PortStatusChangeEventTRB{PortID: 3}); err != nil {
		t.Fatal(err)
	}
	raw0Again, err := readTRB(dma, seg0)
	if err != nil {
		t.Fatal(err)
	}
	if raw0Again[12]&0x1 != 0 {
		t.Fatalf("expected cycle bit flipped to 0 after wrapping past the last segment")
	}
}

func TestSetERSTBABeforeERSTSZErrors(t *testing.T) {
	dma := newTestGuestMemory(t)
	r := NewEventRing(dma)
	if err := r.SetERSTBA(0x1000); err == nil {
		t.Fatal("expected error writing ERSTBA before ERSTSZ")
	}
}

func TestSetERSTBARejectsMisalignedBase(t *testing.T) {
	dma := newTestGuestMemory(t)
	r := NewEventRing(dma)
	r.SetERSTSZ(1)
	if err := r.SetERSTBA(0x1001); err == nil {
		t.Fatal("expected alignment error")
	}
}
