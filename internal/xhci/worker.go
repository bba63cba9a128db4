package xhci

import (
	"fmt"

	"github.com/tinyrange/xhcid/internal/trb"
)

// EndpointIO is the per-endpoint data-transfer primitive a RealDevice
// implementation plugs into EndpointWorker: the part of the original
// transport-specific worker loop that actually talks to host USB
// hardware. Write submits an OUT transfer and blocks until it completes
// (or the device hangs, which spec §5/§7 treats as fatal, not this
// interface's concern). Read submits an IN transfer of up to len(buf)
// bytes and blocks until it completes, returning the actual byte count.
type EndpointIO interface {
	Write(data []byte) error
	Read(buf []byte) (int, error)
}

// TraceEvent describes one serviced transfer, independent of whether
// it succeeded, for an optional traffic-capture sink. It mirrors the
// usbmon submission/completion fields a pcap sink needs without this
// package depending on any particular capture format.
type TraceEvent struct {
	SlotID      uint8
	EndpointID  uint8
	DirectionIn bool
	Control     bool // true for EP0 control transfers, false for bulk/interrupt
	Data        []byte
	Status      int32 // 0 on success, nonzero on failure
}

// Tracer receives a TraceEvent for every transfer this controller
// services. Trace is called synchronously, from the endpoint worker or
// from the control-transfer path with the controller mutex held, so
// the time a sink spends in Trace adds to that transfer's completion.
type Tracer interface {
	Trace(TraceEvent)
}

// EndpointWorker drains one endpoint's transfer ring, per spec §4.10.
// Exactly one goroutine runs Worker.Run for the lifetime of the
// process; the controller (or a RealDevice implementation acting on its
// behalf) signals Wake on every matching doorbell.
type EndpointWorker struct {
	info EndpointWorkerInfo
	kind EndpointType
	io   EndpointIO
	wake chan struct{}
}

// NewEndpointWorker constructs a worker for one endpoint. wake has
// capacity 1: doorbells are coalesced, matching spec §5's "doorbell
// rings are advisory and re-draining is always safe".
func NewEndpointWorker(info EndpointWorkerInfo, kind EndpointType, io EndpointIO) *EndpointWorker {
	return &EndpointWorker{info: info, kind: kind, io: io, wake: make(chan struct{}, 1)}
}

// Wake signals the worker to re-check its transfer ring. Non-blocking:
// a doorbell that arrives while a wake is already pending is coalesced.
func (w *EndpointWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run executes the worker loop for the lifetime of the process (or
// until a fatal condition occurs), returning an error that describes
// the failure instead of crashing the process outright: a transfer
// ring that cannot be read, a TRB other than Normal, or a transfer
// event that cannot be posted ends this endpoint's worker, and the
// failure is surfaced to whichever supervisor is waiting on it rather
// than panicking the whole daemon. An I/O error from the real device
// is not fatal: it fails only that transfer, which the driver sees as
// a USB Transaction Error completion.
func (w *EndpointWorker) Run() error {
	for {
		result, ok, err := w.info.TransferRing.NextTransferTRB()
		if err != nil {
			return fmt.Errorf("xhci: endpoint %d worker: %w", w.info.EndpointID, err)
		}
		if !ok {
			<-w.wake
			continue
		}

		normal, isNormal := result.TRB.(trb.NormalTRB)
		if !isNormal {
			return fmt.Errorf("xhci: endpoint %d worker received non-Normal TRB %T", w.info.EndpointID, result.TRB)
		}

		if err := w.service(normal); err != nil {
			// A real-device I/O failure (a host unplug being the common
			// case) fails this one transfer instead of killing the
			// worker: the driver sees a USB Transaction Error completion
			// on the TRB it submitted and is free to retry or give up,
			// the same way it would against real hardware that NAKed or
			// disappeared mid-transfer.
			if err := w.postTransferError(result.Address, normal.TransferLength); err != nil {
				return err
			}
			continue
		}

		if !normal.InterruptOnCompletion {
			continue
		}
		if err := w.postCompletion(result.Address); err != nil {
			return err
		}
	}
}

func (w *EndpointWorker) service(normal trb.NormalTRB) error {
	switch w.kind {
	case EndpointTypeBulkOut:
		data, err := readBytes(w.info.DMABus, normal.DataPtr, int(normal.TransferLength))
		if err != nil {
			return fmt.Errorf("read OUT data: %w", err)
		}
		err = w.io.Write(data)
		w.trace(false, data, err)
		return err
	case EndpointTypeBulkIn, EndpointTypeInterruptIn:
		maxPacket := w.info.MaxPacketSize
		if maxPacket == 0 {
			maxPacket = uint16(normal.TransferLength)
		}
		bufLen := normal.TransferLength
		if bufLen%uint32(maxPacket) != 0 {
			bufLen = (bufLen/uint32(maxPacket) + 1) * uint32(maxPacket)
		}
		if bufLen < uint32(maxPacket) {
			bufLen = uint32(maxPacket)
		}
		buf := make([]byte, bufLen)
		n, err := w.io.Read(buf)
		if err != nil {
			w.trace(true, nil, err)
			return fmt.Errorf("read IN data: %w", err)
		}
		if uint32(n) > normal.TransferLength {
			n = int(normal.TransferLength)
		}
		if err := writeBytes(w.info.DMABus, normal.DataPtr, buf[:n]); err != nil {
			return fmt.Errorf("write IN data: %w", err)
		}
		w.trace(true, buf[:n], nil)
		return nil
	default:
		return fmt.Errorf("endpoint type %v has no worker transfer shape", w.kind)
	}
}

// trace reports a serviced bulk/interrupt transfer to the worker's
// Tracer, if one is wired. A no-op when capture isn't enabled.
func (w *EndpointWorker) trace(dirIn bool, data []byte, err error) {
	if w.info.Tracer == nil {
		return
	}
	var status int32
	if err != nil {
		status = -1
	}
	w.info.Tracer.Trace(TraceEvent{
		SlotID:      w.info.SlotID,
		EndpointID:  w.info.EndpointID,
		DirectionIn: dirIn,
		Data:        data,
		Status:      status,
	})
}

func (w *EndpointWorker) postCompletion(trbAddress uint64) error {
	event := trb.TransferEventTRB{
		Pointer:    trbAddress,
		Residual:   0,
		Code:       trb.CompletionSuccess,
		EndpointID: w.info.EndpointID,
		SlotID:     w.info.SlotID,
	}
	return w.postEvent(event)
}

// postTransferError reports a failed transfer to the driver via a
// USB Transaction Error completion instead of ending the worker: the
// transfer's full length is reported as residual, since nothing was
// successfully moved.
func (w *EndpointWorker) postTransferError(trbAddress uint64, transferLength uint32) error {
	event := trb.TransferEventTRB{
		Pointer:    trbAddress,
		Residual:   transferLength,
		Code:       trb.CompletionUSBTransactionError,
		EndpointID: w.info.EndpointID,
		SlotID:     w.info.SlotID,
	}
	return w.postEvent(event)
}

func (w *EndpointWorker) postEvent(event trb.TransferEventTRB) error {
	if err := w.info.EventRing.Enqueue(event); err != nil {
		return fmt.Errorf("xhci: endpoint %d: enqueue transfer event: %w", w.info.EndpointID, err)
	}
	if err := w.info.Interrupter.Interrupt(); err != nil {
		return fmt.Errorf("xhci: endpoint %d: raise interrupt: %w", w.info.EndpointID, err)
	}
	return nil
}
