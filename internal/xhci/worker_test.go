package xhci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/xhcid/internal/trb"
)

// encodeNormalTRB builds the raw bytes of a Normal transfer-ring entry
// carrying a data pointer, transfer length and cycle bit; only the
// fields worker tests exercise are populated.
func encodeNormalTRB(dataPtr uint64, length uint32, ioc, cycle bool) trb.Raw {
	var raw trb.Raw
	binary.LittleEndian.PutUint64(raw[0:8], dataPtr)
	raw[8] = byte(length)
	raw[9] = byte(length >> 8)
	raw[10] = byte(length >> 16)
	raw[13] = 1 << 2 // typeNormal
	if ioc {
		raw[12] |= 0x20
	}
	if cycle {
		raw[12] |= 0x1
	}
	return raw
}

// failingIO fails every Write/Read, simulating a real device that has
// gone away mid-transfer (e.g. unplugged).
type failingIO struct{}

func (failingIO) Write(data []byte) error      { return fmt.Errorf("device unplugged") }
func (failingIO) Read(buf []byte) (int, error) { return 0, fmt.Errorf("device unplugged") }

// recordingTracer captures every TraceEvent reported to it, for
// traffic-capture-hook tests.
type recordingTracer struct {
	events []TraceEvent
}

func (r *recordingTracer) Trace(e TraceEvent) { r.events = append(r.events, e) }

// recordingSupervisor captures the error reported by Supervise's worker
// without involving a real XhciController, for Supervisor wiring tests.
type recordingSupervisor struct {
	err  error
	done chan struct{}
}

func newRecordingSupervisor() *recordingSupervisor {
	return &recordingSupervisor{done: make(chan struct{})}
}

func (s *recordingSupervisor) Supervise(w *EndpointWorker) {
	go func() {
		s.err = w.Run()
		close(s.done)
	}()
}

func TestEndpointWorkerRunReportsOutOfRangeRing(t *testing.T) {
	dma := newTestGuestMemory(t)
	const ctxAddr = 0x3000
	const badDequeuePtr = 0x200000 // past newTestGuestMemory's backing size

	// Unbacked addresses read as all-ones: with cycle state 1 the entry
	// there looks driver-owned and decodes as an unrecognized TRB type,
	// which Run reports as an error.
	if err := dmaWrite64(dma, ctxAddr+8, badDequeuePtr|0x1); err != nil {
		t.Fatal(err)
	}

	ctx := &EndpointContext{address: ctxAddr, bus: dma}
	ring := NewTransferRing(dma, ctx)
	info := EndpointWorkerInfo{EndpointID: 2, TransferRing: ring, DMABus: dma}
	w := NewEndpointWorker(info, EndpointTypeBulkOut, discardIO{})

	if err := w.Run(); err == nil {
		t.Fatal("expected an error reading an out-of-range transfer ring")
	}
}

func TestSupervisorObservesWorkerFailure(t *testing.T) {
	dma := newTestGuestMemory(t)
	const ctxAddr = 0x3000
	const badDequeuePtr = 0x200000

	// Cycle state 1 so the all-ones entry at the unbacked address is
	// consumed (see TestEndpointWorkerRunReportsOutOfRangeRing).
	if err := dmaWrite64(dma, ctxAddr+8, badDequeuePtr|0x1); err != nil {
		t.Fatal(err)
	}

	ctx := &EndpointContext{address: ctxAddr, bus: dma}
	ring := NewTransferRing(dma, ctx)
	info := EndpointWorkerInfo{EndpointID: 2, TransferRing: ring, DMABus: dma}
	w := NewEndpointWorker(info, EndpointTypeBulkOut, discardIO{})

	sup := newRecordingSupervisor()
	sup.Supervise(w)
	<-sup.done

	if sup.err == nil {
		t.Fatal("expected the supervisor to observe a worker error")
	}
	var target error
	if !errors.As(sup.err, &target) {
		t.Fatalf("expected a wrapped error, got %v", sup.err)
	}
}

// TestWorkerPostsTransactionErrorOnIOFailure exercises the hot-unplug
// path: a real-device I/O failure on one transfer produces a USB
// Transaction Error completion instead of aborting the worker.
func TestWorkerPostsTransactionErrorOnIOFailure(t *testing.T) {
	c, irq := newTestController(t)

	const erstAddr, eventRingAddr = 0x1000, 0x2000
	setUpEventRing(t, c, erstAddr, eventRingAddr, 16)

	const ctxAddr = 0x3000
	const trAddr = 0x4000
	const dataAddr = 0x4100

	raw := encodeNormalTRB(dataAddr, 8, true, true) // IOC=1, cycle=1
	if err := writeTRB(c.dma, trAddr, raw); err != nil {
		t.Fatal(err)
	}
	if err := dmaWrite64(c.dma, ctxAddr+8, trAddr|0x1); err != nil { // dequeue ptr, cycle=1
		t.Fatal(err)
	}

	ctx := &EndpointContext{address: ctxAddr, bus: c.dma}
	ring := NewTransferRing(c.dma, ctx)
	info := EndpointWorkerInfo{
		EndpointID:   2,
		TransferRing: ring,
		DMABus:       c.dma,
		EventRing:    c.evt,
		Interrupter:  c,
	}
	w := NewEndpointWorker(info, EndpointTypeBulkOut, failingIO{})

	result, ok, err := ring.NextTransferTRB()
	if err != nil || !ok {
		t.Fatalf("expected a Normal TRB, got ok=%v err=%v", ok, err)
	}
	normal, isNormal := result.TRB.(trb.NormalTRB)
	if !isNormal {
		t.Fatalf("expected NormalTRB, got %T", result.TRB)
	}

	if err := w.service(normal); err == nil {
		t.Fatal("expected the failing EndpointIO to surface an error")
	}
	if err := w.postTransferError(result.Address, normal.TransferLength); err != nil {
		t.Fatalf("postTransferError: %v", err)
	}

	if irq.signals != 1 {
		t.Fatalf("expected 1 interrupt for the error completion, got %d", irq.signals)
	}

	event, err := readTRB(c.dma, eventRingAddr)
	if err != nil {
		t.Fatal(err)
	}
	if event[13]>>2 != 32 { // typeTransferEvent
		t.Fatalf("expected transfer event, got type %d", event[13]>>2)
	}
	if trb.CompletionCode(event[11]) != trb.CompletionUSBTransactionError {
		t.Fatalf("expected USBTransactionError, got %v", trb.CompletionCode(event[11]))
	}
}

// TestWorkerReportsTraceEventOnSuccess checks that a serviced OUT
// transfer reaches a wired Tracer with the data it wrote and a
// success status.
func TestWorkerReportsTraceEventOnSuccess(t *testing.T) {
	dma := newTestGuestMemory(t)
	const ctxAddr, trAddr, dataAddr = 0x3000, 0x4000, 0x4100

	raw := encodeNormalTRB(dataAddr, 4, false, true)
	if err := writeTRB(dma, trAddr, raw); err != nil {
		t.Fatal(err)
	}
	if err := dmaWrite64(dma, ctxAddr+8, trAddr|0x1); err != nil {
		t.Fatal(err)
	}

	tracer := &recordingTracer{}
	ctx := &EndpointContext{address: ctxAddr, bus: dma}
	ring := NewTransferRing(dma, ctx)
	info := EndpointWorkerInfo{SlotID: 1, EndpointID: 2, TransferRing: ring, DMABus: dma, Tracer: tracer}
	w := NewEndpointWorker(info, EndpointTypeBulkOut, discardIO{})

	result, ok, err := ring.NextTransferTRB()
	if err != nil || !ok {
		t.Fatalf("expected a Normal TRB, got ok=%v err=%v", ok, err)
	}
	normal, isNormal := result.TRB.(trb.NormalTRB)
	if !isNormal {
		t.Fatalf("expected NormalTRB, got %T", result.TRB)
	}

	if err := w.service(normal); err != nil {
		t.Fatalf("service: %v", err)
	}

	if len(tracer.events) != 1 {
		t.Fatalf("expected 1 trace event, got %d", len(tracer.events))
	}
	e := tracer.events[0]
	if e.SlotID != 1 || e.EndpointID != 2 || e.DirectionIn || e.Status != 0 {
		t.Fatalf("unexpected trace event: %+v", e)
	}
}

func TestXhciControllerWaitSurfacesWorkerError(t *testing.T) {
	c, _ := newTestController(t)

	const ctxAddr = 0x3000
	const badDequeuePtr = 0x200000
	// Cycle state 1 so the all-ones entry at the unbacked address is
	// consumed (see TestEndpointWorkerRunReportsOutOfRangeRing).
	if err := dmaWrite64(c.dma, ctxAddr+8, badDequeuePtr|0x1); err != nil {
		t.Fatal(err)
	}
	ctx := &EndpointContext{address: ctxAddr, bus: c.dma}
	ring := NewTransferRing(c.dma, ctx)
	info := EndpointWorkerInfo{EndpointID: 2, TransferRing: ring, DMABus: c.dma, Supervisor: c}
	w := NewEndpointWorker(info, EndpointTypeBulkOut, discardIO{})

	c.Supervise(w)
	if err := c.Wait(); err == nil {
		t.Fatal("expected Wait to surface the worker's error")
	}
}
