package xhci

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/xhcid/internal/bus"
	"github.com/tinyrange/xhcid/internal/pciregs"
	"github.com/tinyrange/xhcid/internal/trb"
)

// PCI identity, per the Red Hat xHCI function xhci.rs builds.
const (
	pciVendorRedHat   = 0x1b36
	pciDeviceXHCI     = 0x000d
	pciClassSerialBus = 0x0c
	pciSubclassUSB    = 0x03
	pciProgIFXHCI     = 0x30
)

// IRQSender delivers the controller's single MSI-X vector out to
// whatever transport exported it; in production this is the vfio-user
// set_irqs eventfd, written as an 8-byte LE 1.
type IRQSender interface {
	SignalMSIX(vector uint16) error
}

type noopIRQSender struct{}

func (noopIRQSender) SignalMSIX(uint16) error { return nil }

// pbaDevice is the 1-vector Pending Bit Array backing BAR3's second
// half. It mirrors the single Interrupt Pending bit rather than
// tracking per-message state, since this model exposes exactly one
// MSI-X vector.
type pbaDevice struct {
	c *XhciController
}

func (p *pbaDevice) Size() uint64 { return 8 }

func (p *pbaDevice) Read(bus.Request) (uint64, error) {
	return uint64(p.c.iman.Load() & 0x1), nil
}

func (p *pbaDevice) Write(bus.Request, uint64) error { return nil }

// XhciController is the emulated xHCI host controller: PCI config
// space, the MMIO register surface of BAR0, and the device-facing
// state (slot manager, rings, attached real devices) that register
// dispatch drives. Generalizes xhci.rs's XhciController from one
// port/one slot to NumPorts ports and MaxSlots slots.
type XhciController struct {
	mu sync.Mutex

	log *slog.Logger
	dma DMABus
	cfg *bus.RegisterSet

	msixTable *pciregs.Table
	pba       *pbaDevice
	bar3      bus.Device
	irq       IRQSender

	slots     *DeviceSlotManager
	cmdRing   *CommandRing
	eventRing *EventRing
	evt       *eventRingHandle

	running bool
	config  uint32

	// iman is touched by both the MMIO dispatcher (controller mutex
	// held) and endpoint workers raising completion interrupts (no
	// controller mutex held, per spec): kept atomic so workers never
	// need the controller lock.
	iman atomic.Uint32
	imod uint32

	portsc      [NumPorts]uint32
	portDevices [NumPorts]RealDevice
	devices     [MaxSlots + 1]RealDevice // index 0 unused; slot ids are 1-based

	// slotPort records the 1-based port number AddressDevice bound a
	// slot to, so DisableSlot can clear that port's PORTSC change bits
	// without a separate port-to-slot table. 0 means unbound.
	slotPort [MaxSlots + 1]uint8

	// tracer receives a TraceEvent for every control and bulk/interrupt
	// transfer this controller services, for the optional traffic
	// capture sink. Nil unless SetTracer is called.
	tracer Tracer

	// workers supervises every endpoint-worker goroutine a RealDevice
	// spawns through EnableEndpoint. A worker's fatal error (a hung
	// real device, a malformed ring) surfaces through Wait instead of
	// crashing the process or wedging silently.
	workers errgroup.Group
}

// NewXhciController builds the PCI config space and MMIO register
// surface for a fresh controller. dma is the guest-memory bus; irq
// delivers the MSI-X vector (a no-op sender if nil, for tests).
func NewXhciController(dma DMABus, irq IRQSender, log *slog.Logger) (*XhciController, error) {
	if irq == nil {
		irq = noopIRQSender{}
	}
	if log == nil {
		log = slog.Default()
	}

	id := pciregs.Identity{
		VendorID:  pciVendorRedHat,
		DeviceID:  pciDeviceXHCI,
		ClassCode: pciClassSerialBus,
		Subclass:  pciSubclassUSB,
		ProgIF:    pciProgIFXHCI,
	}
	b := pciregs.NewBuilder(id)
	if err := b.AddMemoryBAR32(0, 0x4000); err != nil {
		return nil, fmt.Errorf("xhci: BAR0: %w", err)
	}
	if err := b.AddMemoryBAR32(3, 0x2000); err != nil {
		return nil, fmt.Errorf("xhci: BAR3: %w", err)
	}
	if err := b.AddMSIXCapability(pciregs.MSIXCapabilityConfig{
		NumVectors:  1,
		TableBAR:    3,
		TableOffset: 0,
		PBABAR:      3,
		PBAOffset:   0x1000,
	}); err != nil {
		return nil, fmt.Errorf("xhci: MSI-X capability: %w", err)
	}
	cfg, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("xhci: build config space: %w", err)
	}

	c := &XhciController{
		log:       log,
		dma:       dma,
		cfg:       cfg,
		irq:       irq,
		slots:     NewDeviceSlotManager(dma, MaxSlots),
		cmdRing:   NewCommandRing(dma),
		eventRing: NewEventRing(dma),
		imod:      imodDefault,
		msixTable: pciregs.NewTable(1),
	}
	c.pba = &pbaDevice{c: c}
	c.evt = newEventRingHandle(c.eventRing)
	for i := range c.portsc {
		c.portsc[i] = portscDefault
	}

	bar3, err := buildBAR3Region(c.msixTable, c.pba, log)
	if err != nil {
		return nil, err
	}
	c.bar3 = bar3

	return c, nil
}

// SetTracer wires an optional traffic-capture sink: every control and
// bulk/interrupt transfer serviced from this point on is reported to
// it. Call before attaching any RealDevice, since EndpointWorkerInfo
// captures the tracer at ConfigureEndpoint time.
func (c *XhciController) SetTracer(t Tracer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracer = t
}

// ConfigSpace exposes the PCI configuration space register set, for
// Region 7.
func (c *XhciController) ConfigSpace() *bus.RegisterSet { return c.cfg }

// BAR3Region returns the single device backing BAR3: the MSI-X table
// (offset 0) composed with the PBA (offset 0x1000).
func (c *XhciController) BAR3Region() (bus.Device, error) { return c.bar3, nil }

func buildBAR3Region(table *pciregs.Table, pba *pbaDevice, log *slog.Logger) (bus.Device, error) {
	db := bus.NewDynamicBus(0x2000, log)
	if err := db.Add(0, table); err != nil {
		return nil, fmt.Errorf("xhci: BAR3 table: %w", err)
	}
	if err := db.Add(0x1000, pba); err != nil {
		return nil, fmt.Errorf("xhci: BAR3 PBA: %w", err)
	}
	return db, nil
}

// Region resolves a vfio-user region index to the bus.Device backing
// it, implementing vfiouser.RegionProvider without this package
// importing vfiouser: region 0 is BAR0 (this controller's own MMIO
// register surface), region 3 is BAR3 (MSI-X table + PBA), region 7 is
// PCI configuration space. Every other index is unbacked.
func (c *XhciController) Region(index uint32) (bus.Device, bool) {
	switch index {
	case 0:
		return c, true
	case 3:
		return c.bar3, true
	case 7:
		return c.cfg, true
	default:
		return nil, false
	}
}

// Interrupt raises the controller's single MSI-X vector, setting the
// Interrupt Pending bit of IMAN. Implements InterruptLine; called by
// both the MMIO dispatcher and endpoint workers, so it never takes the
// controller mutex.
func (c *XhciController) Interrupt() error {
	c.iman.Or(0x1)
	return c.irq.SignalMSIX(0)
}

// Supervise runs w's loop on the controller's shared goroutine group,
// implementing WorkerSupervisor. Its error (if any) surfaces through
// Wait rather than panicking the process.
func (c *XhciController) Supervise(w *EndpointWorker) {
	c.workers.Go(func() error {
		if err := w.Run(); err != nil {
			c.log.Error("xhci: endpoint worker exited", "error", err)
			return err
		}
		return nil
	})
}

// Wait blocks until every supervised endpoint worker has exited and
// returns the first fatal error reported, or nil if every worker
// exited without one. It does not return while any worker is still
// running, and it does not stop running workers. A fatal worker error
// means the attached real device can no longer be driven.
func (c *XhciController) Wait() error {
	return c.workers.Wait()
}

// Reset reinitializes the controller's operational registers and slot
// management to their power-on defaults, for a vfio-user device reset
// callback: the driver is expected to re-enumerate from scratch
// afterwards. Attached RealDevices and their port assignments survive
// a reset, since that is host-side state the guest driver never owned.
func (c *XhciController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
	c.config = 0
	c.iman.Store(0)
	c.imod = imodDefault
	c.cmdRing = NewCommandRing(c.dma)
	c.eventRing = NewEventRing(c.dma)
	c.evt = newEventRingHandle(c.eventRing)
	c.slots = NewDeviceSlotManager(c.dma, MaxSlots)
	for i := range c.devices {
		c.devices[i] = nil
	}
	for i := range c.slotPort {
		c.slotPort[i] = 0
	}
	for i := range c.portsc {
		if dev := c.portDevices[i]; dev != nil {
			speed, _ := dev.Speed()
			c.portsc[i] = portscCCS | portscPED | portscPP | portscCSC | portscPEC | portscPRC | (uint32(speed) << portscSpeedShift)
		} else {
			c.portsc[i] = portscDefault
		}
	}
	return nil
}

func (c *XhciController) writeIMAN(value uint32) {
	for {
		old := c.iman.Load()
		next := old
		if value&0x1 != 0 {
			next &^= 0x1 // Interrupt Pending is W1C
		}
		next = (next &^ 0x2) | (value & 0x2) // Interrupt Enable is plain RW
		if c.iman.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetDevice attaches a real device at the first free port matching its
// negotiated speed, and sets the corresponding PORTSC bits. The slot
// that later addresses this device is bound to it at AddressDevice
// time via the Root Hub Port Number field of the slot context the
// driver supplies (XHCI spec §6.2.2): set_device only has a port to
// offer, not a slot, so the slot-indexed array spec.md describes is
// populated lazily rather than here.
func (c *XhciController) SetDevice(dev RealDevice) (port int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	speed, ok := dev.Speed()
	if !ok {
		return 0, fmt.Errorf("xhci: attached device reports no speed")
	}

	lo, hi := 0, NumUSB3Ports
	if speed.IsUSB2Speed() {
		lo, hi = NumUSB3Ports, NumPorts
	}
	for i := lo; i < hi; i++ {
		if c.portDevices[i] != nil {
			continue
		}
		c.portDevices[i] = dev
		c.portsc[i] = portscCCS | portscPED | portscPP | portscCSC | portscPEC | portscPRC | (uint32(speed) << portscSpeedShift)
		return i + 1, nil
	}
	return 0, fmt.Errorf("xhci: no free port for %s device", speed)
}

func (c *XhciController) Size() uint64 { return 0x4000 }

func (c *XhciController) Read(req bus.Request) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := req.Address
	switch {
	case addr >= offPORTSCBase && addr < offPORTSCBase+NumPorts*portStride:
		return c.readPortsc(addr)
	case addr < opBase:
		return c.readCapability(addr)
	case addr < offPORTSCBase:
		return c.readOperational(addr)
	case addr >= dboffValue && addr < dboffValue+uint64(MaxSlots+1)*4:
		return 0, nil // doorbells are write-only
	case addr >= runBase:
		return c.readRuntime(addr)
	default:
		return 0, nil
	}
}

func (c *XhciController) Write(req bus.Request, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := req.Address
	switch {
	case addr >= offPORTSCBase && addr < offPORTSCBase+NumPorts*portStride:
		return c.writePortsc(addr, value)
	case addr < opBase:
		return nil // capability registers are read-only
	case addr < offPORTSCBase:
		return c.writeOperational(addr, value)
	case addr >= dboffValue && addr < dboffValue+uint64(MaxSlots+1)*4:
		return c.writeDoorbell(addr, value)
	case addr >= runBase:
		return c.writeRuntime(addr, value)
	default:
		return nil
	}
}

func (c *XhciController) readCapability(addr uint64) (uint64, error) {
	switch addr {
	case offCAPLENGTH:
		return opBase, nil
	case offHCIVERSION:
		return hciVersion, nil
	case offHCSPARAMS1:
		return uint64(NumPorts)<<24 | uint64(MaxIntrs)<<8 | uint64(MaxSlots), nil
	case offHCSPARAMS2, offHCSPARAMS3, offHCCPARAMS2:
		return 0, nil
	case offHCCPARAMS1:
		return uint64(offSupportedProtocolsUSB3/4) << 16, nil
	case offDBOFF:
		return dboffValue, nil
	case offRTSOFF:
		return runBase, nil
	// USB Supported Protocol extended capabilities (XHCI spec §7.2):
	// USB3 group first, chained to the USB2 group, which terminates the
	// list. Generalizes xhci.rs's single hard-coded protocol pair to
	// both port groups this model exposes.
	case offSupportedProtocolsUSB3:
		const nextDwords = (offSupportedProtocolsUSB2 - offSupportedProtocolsUSB3) / 4
		return uint64(2) | uint64(nextDwords)<<8 | uint64(0x03)<<24, nil
	case offSupportedProtocolsUSB3Config:
		return uint64(1) | uint64(NumUSB3Ports)<<8, nil
	case offSupportedProtocolsUSB2:
		return uint64(2) | uint64(0x02)<<24, nil
	case offSupportedProtocolsUSB2Config:
		return uint64(NumUSB3Ports+1) | uint64(NumUSB2Ports)<<8, nil
	default:
		return 0, nil
	}
}

func (c *XhciController) readOperational(addr uint64) (uint64, error) {
	switch addr {
	case offUSBCMD:
		return 0, nil
	case offUSBSTS:
		var v uint64
		if !c.running {
			v |= 0x1 // HCH
		}
		v |= 1 << 3 // EINT, always reported set
		v |= 1 << 4 // PCD, always reported set
		return v, nil
	case offPAGESIZE:
		return 0x1, nil
	case offDNCTL:
		return 2, nil
	case offCRCR:
		return c.cmdRing.Status(), nil
	case offCRCRHI:
		return 0, nil
	case offDCBAAP:
		return c.slots.DCBAAP(), nil
	case offDCBAAPHI:
		return 0, nil
	case offCONFIG:
		return uint64(c.config), nil
	default:
		return 0, nil
	}
}

func (c *XhciController) writeOperational(addr uint64, value uint64) error {
	switch addr {
	case offUSBCMD:
		c.run(value)
	case offDNCTL:
		if value != 2 {
			panic(fmt.Sprintf("xhci: DNCTL write 0x%x: debug notifications not supported", value))
		}
	case offCRCR:
		c.cmdRing.Control(value)
	case offCRCRHI:
		if value != 0 {
			panic("xhci: CRCR_HI must be zero: no support for guest memory above 4 GiB")
		}
	case offDCBAAP:
		c.slots.SetDCBAAP(value)
	case offDCBAAPHI:
		if value != 0 {
			panic("xhci: DCBAAP_HI must be zero: no support for guest memory above 4 GiB")
		}
	case offCONFIG:
		if value != uint64(MaxSlots) {
			panic(fmt.Sprintf("xhci: CONFIG write %d: driver must enable all %d reported slots", value, MaxSlots))
		}
		c.config = uint32(value)
	}
	return nil
}

// run handles a USBCMD write. On a 0->1 run/stop transition it emits a
// PortStatusChange(0) event to kick the driver into scanning ports,
// replacing xhci.rs's placeholder "bogus interrupt" test signal.
func (c *XhciController) run(value uint64) {
	wasRunning := c.running
	c.running = value&0x1 != 0
	if !c.running || wasRunning {
		return
	}
	if err := c.evt.Enqueue(trb.PortStatusChangeEventTRB{PortID: 0}); err != nil {
		panic(fmt.Sprintf("xhci: enqueue port status change: %v", err))
	}
	if err := c.Interrupt(); err != nil {
		panic(fmt.Sprintf("xhci: raise interrupt: %v", err))
	}
}

func (c *XhciController) readPortsc(addr uint64) (uint64, error) {
	rel := addr - offPORTSCBase
	i := rel / portStride
	if i >= NumPorts {
		return 0, nil
	}
	switch rel % portStride {
	case offPORTSC:
		return uint64(c.portsc[i]), nil
	default:
		return 0, nil
	}
}

// writePortsc applies W1C semantics to the change bits, plain RW to
// the wake-on-event bits, and "power off" / port-reset handling: a
// supplemental feature beyond xhci.rs, which only accepted a single
// fixed value and panicked on anything else.
func (c *XhciController) writePortsc(addr uint64, value uint64) error {
	rel := addr - offPORTSCBase
	i := rel / portStride
	if i >= NumPorts || rel%portStride != offPORTSC {
		return nil
	}
	c.portsc[i] = applyPortscWrite(c.portsc[i], uint32(value))
	return nil
}

func applyPortscWrite(cur, value uint32) uint32 {
	const w1c = uint32(portscCSC | portscPEC | portscPRC)
	cur &^= value & w1c

	cur = (cur &^ portscWakeOnEvents) | (value & portscWakeOnEvents)

	if value&portscPP == 0 {
		cur &^= portscPP | portscCCS | portscPED
	} else {
		cur |= portscPP
	}

	if value&portscPR != 0 && cur&portscCCS != 0 {
		cur |= portscPED | portscPRC
		cur = (cur &^ uint32(portscPLSMask)) | plsU0
	}

	return cur
}

func (c *XhciController) readRuntime(addr uint64) (uint64, error) {
	if addr == offMFINDEX {
		return 0, nil
	}
	if addr < irBase {
		return 0, nil
	}
	rel := addr - irBase
	if rel/irStride >= MaxIntrs {
		return 0, nil
	}
	switch rel % irStride {
	case offIMAN:
		return uint64(c.iman.Load()), nil
	case offIMOD:
		return uint64(c.imod), nil
	case offERSTSZ:
		return uint64(c.eventRing.ERSTSize()), nil
	case offERSTBA:
		return c.eventRing.ReadBaseAddress(), nil
	case offERDP:
		return c.eventRing.ReadDequeuePointer(), nil
	default:
		return 0, nil
	}
}

func (c *XhciController) writeRuntime(addr uint64, value uint64) error {
	if addr == offMFINDEX {
		return nil
	}
	if addr < irBase {
		return nil
	}
	rel := addr - irBase
	if rel/irStride >= MaxIntrs {
		return nil
	}
	switch rel % irStride {
	case offIMAN:
		c.writeIMAN(uint32(value))
	case offIMOD:
		c.imod = uint32(value)
	case offERSTSZ:
		c.eventRing.SetERSTSZ(uint32(value))
	case offERSTBA:
		if err := c.eventRing.SetERSTBA(value); err != nil {
			panic(fmt.Sprintf("xhci: ERSTBA write: %v", err))
		}
	case offERSTBAHI:
		if value != 0 {
			panic("xhci: ERSTBA_HI must be zero: no support for guest memory above 4 GiB")
		}
	case offERDP:
		c.eventRing.UpdateDequeuePointer(value)
	case offERDPHI:
		if value != 0 {
			panic("xhci: ERDP_HI must be zero: no support for guest memory above 4 GiB")
		}
	}
	return nil
}

// writeDoorbell dispatches DB[0] to the command ring and DB[slot_id]
// to either the control-transfer path (endpoint id 1) or a non-control
// endpoint's worker wakeup, per spec §4.9.
func (c *XhciController) writeDoorbell(addr uint64, value uint64) error {
	idx := (addr - dboffValue) / 4
	target := uint8(value & 0xff)
	switch {
	case idx == 0:
		c.drainCommandRing()
	case idx <= uint64(MaxSlots):
		slotID := uint8(idx)
		if target == 1 {
			c.handleControlDoorbell(slotID)
		} else {
			c.handleEndpointDoorbell(slotID, target)
		}
	}
	return nil
}

// drainCommandRing runs the command execution state machine: dispatch
// every available command, then post its completion event and raise
// the interrupt, per spec §4.9. Called with the controller mutex held.
func (c *XhciController) drainCommandRing() {
	for {
		result, ok, err := c.cmdRing.NextCommandTRB()
		if err != nil {
			panic(fmt.Sprintf("xhci: command ring: %v", err))
		}
		if !ok {
			return
		}

		code, slotID := c.dispatchCommand(result.TRB)

		event := trb.CommandCompletionEventTRB{Pointer: result.Address, Code: code, SlotID: slotID}
		if err := c.evt.Enqueue(event); err != nil {
			panic(fmt.Sprintf("xhci: enqueue command completion: %v", err))
		}
		if err := c.Interrupt(); err != nil {
			panic(fmt.Sprintf("xhci: raise interrupt: %v", err))
		}
	}
}

func (c *XhciController) dispatchCommand(cmd trb.CommandTRB) (trb.CompletionCode, uint8) {
	switch t := cmd.(type) {
	case trb.EnableSlotTRB:
		id, ok := c.slots.ReserveSlot()
		if !ok {
			return trb.CompletionNoSlotsAvailableError, 0
		}
		return trb.CompletionSuccess, id

	case trb.DisableSlotTRB:
		c.slots.ReleaseSlot(t.SlotID)
		c.devices[t.SlotID] = nil
		if port := c.slotPort[t.SlotID]; port >= 1 && int(port) <= NumPorts {
			c.portsc[port-1] &^= portscCSC | portscPED
		}
		c.slotPort[t.SlotID] = 0
		return trb.CompletionSuccess, 0

	case trb.AddressDeviceTRB:
		dc, err := c.slots.GetDeviceContext(t.SlotID)
		if err != nil {
			panic(fmt.Sprintf("xhci: AddressDevice: %v", err))
		}
		if err := dc.Initialize(t.InputContextPtr); err != nil {
			panic(fmt.Sprintf("xhci: AddressDevice: %v", err))
		}
		port, err := readRootHubPortNumber(c.dma, t.InputContextPtr)
		if err != nil {
			panic(fmt.Sprintf("xhci: AddressDevice: read root hub port number: %v", err))
		}
		if port >= 1 && int(port) <= NumPorts {
			c.devices[t.SlotID] = c.portDevices[port-1]
			c.slotPort[t.SlotID] = port
		}
		return trb.CompletionSuccess, t.SlotID

	case trb.ConfigureEndpointTRB:
		dc, err := c.slots.GetDeviceContext(t.SlotID)
		if err != nil {
			panic(fmt.Sprintf("xhci: ConfigureEndpoint: %v", err))
		}
		enabled, err := dc.ConfigureEndpoints(t.InputContextPtr)
		if err != nil {
			panic(fmt.Sprintf("xhci: ConfigureEndpoint: %v", err))
		}
		dev := c.devices[t.SlotID]
		for _, ep := range enabled {
			if ep.Type == EndpointTypeControl {
				continue // EP0 is serviced by the control-endpoint doorbell path, not a worker
			}
			ring, err := dc.TransferRingFor(ep.Index)
			if err != nil {
				panic(fmt.Sprintf("xhci: ConfigureEndpoint: %v", err))
			}
			if dev == nil {
				continue // no device bound to this slot yet; nothing to drive the endpoint
			}
			info := EndpointWorkerInfo{
				SlotID:        t.SlotID,
				EndpointID:    ep.Index,
				MaxPacketSize: ep.MaxPacketSize,
				TransferRing:  ring,
				DMABus:        c.dma,
				EventRing:     c.evt,
				Interrupter:   c,
				Supervisor:    c,
				Tracer:        c.tracer,
			}
			if err := dev.EnableEndpoint(info, ep.Type); err != nil {
				panic(fmt.Sprintf("xhci: ConfigureEndpoint: enable endpoint %d: %v", ep.Index, err))
			}
		}
		return trb.CompletionSuccess, t.SlotID

	case trb.StopEndpointTRB:
		dc, err := c.slots.GetDeviceContext(t.SlotID)
		if err != nil {
			panic(fmt.Sprintf("xhci: StopEndpoint: %v", err))
		}
		if err := dc.SetEndpointState(t.EndpointID, EndpointStateStopped); err != nil {
			panic(fmt.Sprintf("xhci: StopEndpoint: %v", err))
		}
		return trb.CompletionSuccess, t.SlotID

	case trb.ResetDeviceTRB:
		c.log.Warn("xhci: reset device acknowledged, no hardware reset performed", "slot", t.SlotID)
		return trb.CompletionSuccess, t.SlotID

	case trb.NoOpCommandTRB:
		return trb.CompletionSuccess, 0

	case trb.UnrecognizedCommandTRB:
		panic(fmt.Sprintf("xhci: unrecognized command TRB: %v", t.Err))

	default:
		panic(fmt.Sprintf("xhci: command TRB variant %T has no handler", cmd))
	}
}

// handleControlDoorbell services doorbell ring to (slot, endpoint 1):
// pull one assembled request off the control transfer ring and hand it
// to the attached real device.
func (c *XhciController) handleControlDoorbell(slotID uint8) {
	dc, err := c.slots.GetDeviceContext(slotID)
	if err != nil {
		panic(fmt.Sprintf("xhci: control doorbell: %v", err))
	}
	req, ok, err := dc.ControlTransferRing().NextRequest()
	if err != nil {
		panic(fmt.Sprintf("xhci: control doorbell: %v", err))
	}
	if !ok {
		return
	}

	dev := c.devices[slotID]
	if dev == nil {
		panic(fmt.Sprintf("xhci: control doorbell for slot %d with no attached device", slotID))
	}
	err = dev.ControlTransfer(req, c.dma)
	if c.tracer != nil {
		c.tracer.Trace(TraceEvent{
			SlotID:      slotID,
			EndpointID:  1,
			DirectionIn: req.RequestType&0x80 != 0,
			Control:     true,
			Status:      controlTransferStatus(err),
		})
	}
	if err != nil {
		panic(fmt.Sprintf("xhci: control transfer on slot %d failed: %v", slotID, err))
	}

	event := trb.TransferEventTRB{Pointer: req.Address, Residual: 0, Code: trb.CompletionSuccess, EndpointID: 1, SlotID: slotID}
	if err := c.evt.Enqueue(event); err != nil {
		panic(fmt.Sprintf("xhci: control doorbell: enqueue transfer event: %v", err))
	}
	if err := c.Interrupt(); err != nil {
		panic(fmt.Sprintf("xhci: control doorbell: raise interrupt: %v", err))
	}
}

// handleEndpointDoorbell wakes the worker already enabled for a
// non-control endpoint; the controller itself never drains its ring.
func (c *XhciController) handleEndpointDoorbell(slotID, endpointID uint8) {
	dev := c.devices[slotID]
	if dev == nil {
		panic(fmt.Sprintf("xhci: doorbell for slot %d with no attached device", slotID))
	}
	dev.Transfer(endpointID)
}

// controlTransferStatus maps a control-transfer error to the
// TraceEvent.Status convention: 0 on success, nonzero on failure.
func controlTransferStatus(err error) int32 {
	if err != nil {
		return -1
	}
	return 0
}

// readRootHubPortNumber extracts the Root Hub Port Number field (XHCI
// spec §6.2.2 table 59, slot context dword0 bits 31:27) from an Input
// Context's slot context, to resolve which attached RealDevice a newly
// addressed slot refers to.
func readRootHubPortNumber(dma DMABus, inputContextAddr uint64) (uint8, error) {
	b, err := dmaRead8(dma, inputContextAddr+32+3)
	if err != nil {
		return 0, fmt.Errorf("read root hub port number: %w", err)
	}
	return b >> 3, nil
}

var _ bus.Device = (*XhciController)(nil)
var _ InterruptLine = (*XhciController)(nil)
var _ WorkerSupervisor = (*XhciController)(nil)
