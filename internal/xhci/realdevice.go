package xhci

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tinyrange/xhcid/internal/trb"
)

// Speed is the negotiated USB link speed of an attached real device,
// mirroring realdevice.rs's Speed enum. Values match their XHCI port
// speed-id encoding so they can be shifted directly into PORTSC.
type Speed uint8

const (
	SpeedFull      Speed = 1
	SpeedLow       Speed = 2
	SpeedHigh      Speed = 3
	SpeedSuper     Speed = 4
	SpeedSuperPlus Speed = 5
)

// IsUSB2Speed reports whether the speed belongs to the USB2 port group
// (Low/Full/High) rather than the USB3 group (Super/SuperPlus).
func (s Speed) IsUSB2Speed() bool { return s <= SpeedHigh }

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	case SpeedSuper:
		return "SuperSpeed (5 Gbps)"
	case SpeedSuperPlus:
		return "SuperSpeed+ (10/20 Gbps)"
	default:
		return "unknown speed"
	}
}

// EndpointType classifies a non-control endpoint for RealDevice.
// EnableEndpoint, matching realdevice.rs's closed enum. There is no
// InterruptOut: the spec's RealDevice surface only models the four
// transfer shapes it actually drives.
type EndpointType int

const (
	EndpointTypeControl EndpointType = iota
	EndpointTypeBulkIn
	EndpointTypeBulkOut
	EndpointTypeInterruptIn
)

// EndpointWorkerInfo carries everything an endpoint worker goroutine
// needs to service one endpoint's transfer ring, mirroring
// realdevice.rs's EndpointWorkerInfo. A RealDevice implementation's
// EnableEndpoint receives one of these and is responsible for driving a
// worker loop (EndpointWorker is provided for that purpose) against
// it for the lifetime of the process.
type EndpointWorkerInfo struct {
	SlotID        uint8
	EndpointID    uint8
	MaxPacketSize uint16
	TransferRing  *TransferRing
	DMABus        DMABus
	EventRing     *eventRingHandle
	Interrupter   InterruptLine
	Supervisor    WorkerSupervisor
	Tracer        Tracer
}

// WorkerSupervisor runs an EndpointWorker's loop under supervision, so a
// fatal error from one endpoint worker (a real-device hang, a malformed
// ring) is observed by the controller's shutdown path instead of either
// silently wedging the process or crashing it outright. Implementations
// spawn the worker onto their own goroutine pool (an *errgroup.Group in
// XhciController) and report its error through Wait.
type WorkerSupervisor interface {
	Supervise(w *EndpointWorker)
}

// eventRingHandle is the mutex-guarded event ring shared between the
// controller and every endpoint worker, matching spec §5's "the event
// ring is protected by its own mutex so workers can enqueue events
// without holding the controller mutex". An event that finds the ring
// full is logged at Warn and dropped; Enqueue then returns nil.
type eventRingHandle struct {
	mu   sync.Mutex
	ring *EventRing
}

func newEventRingHandle(ring *EventRing) *eventRingHandle {
	return &eventRingHandle{ring: ring}
}

func (h *eventRingHandle) Enqueue(e trb.EventTRB) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.ring.Enqueue(e)
	if errors.Is(err, ErrEventRingFull) {
		slog.Warn("xhci: event ring full, dropping event", "event", e)
		return nil
	}
	return err
}

// InterruptLine raises the controller's single configured MSI-X vector.
type InterruptLine interface {
	Interrupt() error
}

// RealDevice is the pluggable host-USB transport a XHCI controller
// drives, mirroring realdevice.rs's RealDevice trait. EnableEndpoint is
// responsible for spawning whatever goroutine services the endpoint for
// the lifetime of the process (EndpointWorker does the generic ring-
// draining part); Transfer is the doorbell-forwarded wake-up call for an
// already-enabled endpoint.
type RealDevice interface {
	Speed() (Speed, bool)
	ControlTransfer(req UsbRequest, dma DMABus) error
	EnableEndpoint(info EndpointWorkerInfo, kind EndpointType) error
	Transfer(endpointID uint8)
}

// DummyDevice discards every transfer; used for tests (a port with
// nothing attached holds no RealDevice at all). It still runs a real EndpointWorker per
// enabled endpoint so the ring-draining and event-posting logic is
// exercised even with no physical device behind it.
type DummyDevice struct {
	mu      sync.Mutex
	workers map[uint8]*EndpointWorker
}

func NewDummyDevice() *DummyDevice {
	return &DummyDevice{workers: make(map[uint8]*EndpointWorker)}
}

func (d *DummyDevice) Speed() (Speed, bool) { return SpeedHigh, true }

func (DummyDevice) ControlTransfer(UsbRequest, DMABus) error { return nil }

func (d *DummyDevice) EnableEndpoint(info EndpointWorkerInfo, kind EndpointType) error {
	w := NewEndpointWorker(info, kind, discardIO{})
	d.mu.Lock()
	d.workers[info.EndpointID] = w
	d.mu.Unlock()
	if info.Supervisor != nil {
		info.Supervisor.Supervise(w)
	} else {
		go w.Run() //nolint:errcheck // no supervisor wired (e.g. direct unit test); errors are unobserved
	}
	return nil
}

func (d *DummyDevice) Transfer(endpointID uint8) {
	d.mu.Lock()
	w := d.workers[endpointID]
	d.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}

// discardIO is the EndpointIO DummyDevice hands every worker: writes
// vanish, reads always yield a zero-filled buffer of the requested
// length.
type discardIO struct{}

func (discardIO) Write(data []byte) error      { return nil }
func (discardIO) Read(buf []byte) (int, error) { return len(buf), nil }

var _ RealDevice = (*DummyDevice)(nil)
