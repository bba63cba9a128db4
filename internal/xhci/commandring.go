package xhci

import (
	"fmt"

	"github.com/tinyrange/xhcid/internal/trb"
)

const crcrDequeuePointerMask = ^uint64(0x3f)
const crcrRCS = 0x1

// CommandRing is the controller's consumer end of the guest-owned
// Command Ring. State lives entirely in the struct (unlike TransferRing,
// whose state lives in guest memory) because the command ring has no
// per-endpoint context to anchor it to.
type CommandRing struct {
	bus DMABus

	dequeuePtr    uint64
	consumerCycle bool
	running       bool
}

func NewCommandRing(bus DMABus) *CommandRing {
	return &CommandRing{bus: bus}
}

// Control handles a write to CRCR. While the ring is running, only the
// CRR bit is observable; abort/stop (CA/CS) are not implemented (spec
// Non-goals). While stopped, the write sets the dequeue pointer and the
// consumer cycle state in one shot.
func (r *CommandRing) Control(value uint64) {
	if r.running {
		return
	}
	r.dequeuePtr = value & crcrDequeuePointerMask
	r.consumerCycle = value&crcrRCS != 0
}

// Status returns the CRR bit for CRCR reads (bit 3, all else reads zero).
func (r *CommandRing) Status() uint64 {
	if r.running {
		return 1 << 3
	}
	return 0
}

// CommandTRBResult pairs a decoded command TRB with the guest address it
// was fetched from, needed to back-reference it from the completion
// event.
type CommandTRBResult struct {
	TRB     trb.CommandTRB
	Address uint64
}

// NextCommandTRB dequeues and decodes the next available command, or
// returns ok=false if the ring is caught up with the driver (cycle bit
// mismatch). Link TRBs are chased transparently; two consecutive Links
// is a driver bug and panics, matching spec §4.7/§7.
func (r *CommandRing) NextCommandTRB() (result CommandTRBResult, ok bool, err error) {
	return r.nextCommandTRB(false)
}

func (r *CommandRing) nextCommandTRB(chasedLink bool) (CommandTRBResult, bool, error) {
	addr := r.dequeuePtr
	raw, err := readTRB(r.bus, addr)
	if err != nil {
		return CommandTRBResult{}, false, fmt.Errorf("xhci: read command TRB at 0x%x: %w", addr, err)
	}

	cycle := raw[12]&1 != 0
	if cycle != r.consumerCycle {
		return CommandTRBResult{}, false, nil
	}

	decoded := trb.DecodeCommandTRB(raw)
	if link, isLink := decoded.(trb.LinkTRB); isLink {
		if chasedLink {
			panic("xhci: command ring has two consecutive Link TRBs")
		}
		r.dequeuePtr = link.SegmentPointer
		if link.ToggleCycle {
			r.consumerCycle = !r.consumerCycle
		}
		return r.nextCommandTRB(true)
	}

	r.dequeuePtr = addr + trb.Size
	return CommandTRBResult{TRB: decoded, Address: addr}, true, nil
}
