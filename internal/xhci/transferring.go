package xhci

import (
	"fmt"

	"github.com/tinyrange/xhcid/internal/trb"
)

// TransferTRBResult pairs a decoded transfer TRB with the guest address
// it was fetched from.
type TransferTRBResult struct {
	TRB     trb.TransferTRB
	Address uint64
}

// TransferRing is a thin wrapper over an EndpointContext: all ring state
// (dequeue pointer, cycle bit) lives in guest memory at
// endpoint_context_address + 8, so the ring itself carries no state of
// its own beyond a handle to that context.
type TransferRing struct {
	bus DMABus
	ctx *EndpointContext
}

func NewTransferRing(bus DMABus, ctx *EndpointContext) *TransferRing {
	return &TransferRing{bus: bus, ctx: ctx}
}

// NextTransferTRB dequeues and decodes the next available transfer TRB,
// chasing Link TRBs the same way the command ring does.
func (r *TransferRing) NextTransferTRB() (result TransferTRBResult, ok bool, err error) {
	return r.next(false)
}

func (r *TransferRing) next(chasedLink bool) (TransferTRBResult, bool, error) {
	dequeuePtr, cycle := r.ctx.GetDequeuePointerAndCycleState()

	addr := dequeuePtr
	raw, err := readTRB(r.bus, addr)
	if err != nil {
		return TransferTRBResult{}, false, fmt.Errorf("xhci: read transfer TRB at 0x%x: %w", addr, err)
	}

	trbCycle := raw[12]&1 != 0
	if trbCycle != cycle {
		return TransferTRBResult{}, false, nil
	}

	decoded := trb.DecodeTransferTRB(raw)
	if link, isLink := decoded.(trb.LinkTRB); isLink {
		if chasedLink {
			panic("xhci: transfer ring has two consecutive Link TRBs")
		}
		newCycle := cycle
		if link.ToggleCycle {
			newCycle = !cycle
		}
		r.ctx.SetDequeuePointerAndCycleState(link.SegmentPointer, newCycle)
		return r.next(true)
	}

	r.ctx.SetDequeuePointerAndCycleState(addr+trb.Size, cycle)
	return TransferTRBResult{TRB: decoded, Address: addr}, true, nil
}

// UsbRequest is a reassembled USB control transfer: a Setup Stage, an
// optional Data Stage, and a Status Stage read off the control transfer
// ring. Address is the guest address of the Status Stage TRB, used to
// back-reference the transfer from its completion event.
type UsbRequest struct {
	Address     uint64
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Data        *uint64
}

// ErrMalformedControlTransfer is returned by NextRequest when the ring
// does not hold a well-formed Setup[+Data]+Status sequence.
type ErrMalformedControlTransfer struct {
	Detail string
}

func (e *ErrMalformedControlTransfer) Error() string {
	return fmt.Sprintf("xhci: malformed control transfer: %s", e.Detail)
}

// NextRequest reassembles one control transfer from the ring: a
// SetupStage TRB, an optional DataStage TRB, and a StatusStage TRB.
// Blocks (returns ok=false) if the Setup Stage itself is not yet
// available; once a Setup Stage is seen, the remaining stages are
// required to be present or this is a protocol violation.
func (r *TransferRing) NextRequest() (UsbRequest, bool, error) {
	setupResult, ok, err := r.NextTransferTRB()
	if err != nil || !ok {
		return UsbRequest{}, ok, err
	}
	setup, isSetup := setupResult.TRB.(trb.SetupStageTRB)
	if !isSetup {
		return UsbRequest{}, false, &ErrMalformedControlTransfer{Detail: fmt.Sprintf("expected SetupStage, got %T", setupResult.TRB)}
	}

	req := UsbRequest{
		RequestType: setup.RequestType,
		Request:     setup.Request,
		Value:       setup.Value,
		Index:       setup.Index,
		Length:      setup.Length,
	}

	next, ok, err := r.NextTransferTRB()
	if err != nil {
		return UsbRequest{}, false, err
	}
	if !ok {
		return UsbRequest{}, false, &ErrMalformedControlTransfer{Detail: "missing Status Stage after Setup Stage"}
	}

	if data, isData := next.TRB.(trb.DataStageTRB); isData {
		ptr := data.DataPtr
		req.Data = &ptr
		next, ok, err = r.NextTransferTRB()
		if err != nil {
			return UsbRequest{}, false, err
		}
		if !ok {
			return UsbRequest{}, false, &ErrMalformedControlTransfer{Detail: "missing Status Stage after Data Stage"}
		}
	}

	status, isStatus := next.TRB.(trb.StatusStageTRB)
	if !isStatus {
		return UsbRequest{}, false, &ErrMalformedControlTransfer{Detail: fmt.Sprintf("expected StatusStage, got %T", next.TRB)}
	}
	_ = status
	req.Address = next.Address

	return req, true, nil
}
