package xhci

import (
	"testing"

	"github.com/tinyrange/xhcid/internal/trb"
)

func TestCommandRingDecodesEnableSlot(t *testing.T) {
	dma := newTestGuestMemory(t)
	const ringAddr = 0x1000

	raw := encodeCommandTRB(9, true, 0) // typeEnableSlot
	if err := writeTRB(dma, ringAddr, raw); err != nil {
		t.Fatal(err)
	}

	r := NewCommandRing(dma)
	r.Control(ringAddr | 0x1) // RCS=1

	result, ok, err := r.NextCommandTRB()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a command to be available")
	}
	if _, isEnableSlot := result.TRB.(trb.EnableSlotTRB); !isEnableSlot {
		t.Fatalf("expected EnableSlotTRB, got %T", result.TRB)
	}
	if result.Address != ringAddr {
		t.Fatalf("expected address 0x%x, got 0x%x", ringAddr, result.Address)
	}
}

func TestCommandRingStopsOnCycleMismatch(t *testing.T) {
	dma := newTestGuestMemory(t)
	const ringAddr = 0x1000

	raw := encodeCommandTRB(23, false, 0) // cycle bit 0
	if err := writeTRB(dma, ringAddr, raw); err != nil {
		t.Fatal(err)
	}

	r := NewCommandRing(dma)
	r.Control(ringAddr | 0x1) // consumerCycle = true: mismatched against the TRB's cycle=0

	_, ok, err := r.NextCommandTRB()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no command available on cycle mismatch")
	}
}

func TestCommandRingDoubleLinkPanics(t *testing.T) {
	dma := newTestGuestMemory(t)
	const ringAddr, target = 0x1000, 0x2000

	link1 := encodeLinkTRB(target, false, true)
	link2 := encodeLinkTRB(ringAddr, false, true)
	if err := writeTRB(dma, ringAddr, link1); err != nil {
		t.Fatal(err)
	}
	if err := writeTRB(dma, target, link2); err != nil {
		t.Fatal(err)
	}

	r := NewCommandRing(dma)
	r.Control(ringAddr | 0x1)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on two consecutive Link TRBs")
		}
	}()
	_, _, _ = r.NextCommandTRB()
}

func TestCommandRingControlIgnoredWhileRunning(t *testing.T) {
	dma := newTestGuestMemory(t)
	r := NewCommandRing(dma)
	r.Control(0x1000 | 0x1)
	r.running = true
	r.Control(0x9000) // must be ignored while running

	if r.dequeuePtr != 0x1000 {
		t.Fatalf("expected dequeue pointer unchanged while running, got 0x%x", r.dequeuePtr)
	}
	if r.Status()&(1<<3) == 0 {
		t.Fatalf("expected CRR bit set while running")
	}
}
