package xhci

import "fmt"

const (
	deviceContextEntrySize = 32
	deviceContextSize      = 32 * deviceContextEntrySize // 1024
	inputContextSize       = 32 + deviceContextSize      // 1056: input control context + device context
)

// DeviceSlotManager allocates slot ids and resolves them to DeviceContext
// handles via the Device Context Base Address Array (DCBAA), mirroring
// device_slots.rs's DeviceSlotManager.
type DeviceSlotManager struct {
	bus      DMABus
	numSlots uint8
	used     map[uint8]bool
	dcbaap   uint64
}

func NewDeviceSlotManager(bus DMABus, numSlots uint8) *DeviceSlotManager {
	if numSlots == 0 {
		panic("xhci: DeviceSlotManager requires at least one slot")
	}
	return &DeviceSlotManager{bus: bus, numSlots: numSlots, used: make(map[uint8]bool)}
}

// SetDCBAAP handles a write to the DCBAAP register.
func (m *DeviceSlotManager) SetDCBAAP(addr uint64) { m.dcbaap = addr }

// DCBAAP handles a read of the DCBAAP register.
func (m *DeviceSlotManager) DCBAAP() uint64 { return m.dcbaap }

// ReserveSlot returns the first unused slot id in 1..=num_slots, or
// ok=false if every slot is in use.
func (m *DeviceSlotManager) ReserveSlot() (slotID uint8, ok bool) {
	for id := uint8(1); id <= m.numSlots; id++ {
		if !m.used[id] {
			m.used[id] = true
			return id, true
		}
	}
	return 0, false
}

// ReleaseSlot frees a slot id previously returned by ReserveSlot, for
// DisableSlot handling.
func (m *DeviceSlotManager) ReleaseSlot(slotID uint8) {
	delete(m.used, slotID)
}

// GetDeviceContext resolves a slot id to a DeviceContext by DMA-reading
// the corresponding DCBAA entry. Panics if the slot id was never
// reserved: this is a protocol violation (a doorbell or command
// referencing a slot the driver never enabled), not a recoverable error.
func (m *DeviceSlotManager) GetDeviceContext(slotID uint8) (*DeviceContext, error) {
	if !m.used[slotID] {
		panic(fmt.Sprintf("xhci: requested DeviceContext for unassigned slot %d", slotID))
	}
	addr, err := dmaRead64(m.bus, m.dcbaap+uint64(slotID)*8)
	if err != nil {
		return nil, fmt.Errorf("xhci: read DCBAA entry for slot %d: %w", slotID, err)
	}
	return &DeviceContext{address: addr, bus: m.bus}, nil
}

// DeviceContext is a DMA-backed view over a guest Device Context: 32
// entries of 32 bytes each. Entry 0 is the slot context, entry 1 is EP0,
// entries 2..=31 are EP1-OUT, EP1-IN, EP2-OUT, EP2-IN, ….
type DeviceContext struct {
	address uint64
	bus     DMABus
}

func entryForEndpoint(endpointIndex uint8) uint64 {
	return uint64(endpointIndex) * deviceContextEntrySize
}

// Initialize copies the slot and EP0 contexts out of an Input Context on
// AddressDevice, and overlays the post-initialization slot/EP0 state.
// Hard-asserts (panics) that exactly the A0|A1 flags are set: the
// caller (AddressDevice handler) is required to validate this before
// invoking a real controller, and we have no recovery policy if it
// didn't.
func (d *DeviceContext) Initialize(inputContextAddr uint64) error {
	addDropFlags, err := dmaRead64(d.bus, inputContextAddr)
	if err != nil {
		return fmt.Errorf("xhci: read input control context flags: %w", err)
	}
	if addDropFlags != 0x300000000 {
		panic(fmt.Sprintf("xhci: AddressDevice expected only A0|A1 flags set, got 0x%x", addDropFlags))
	}

	inputContext, err := readBytes(d.bus, inputContextAddr, inputContextSize)
	if err != nil {
		return fmt.Errorf("xhci: read input context: %w", err)
	}

	inputContext[32+15] = SlotStateAddressed << 3
	inputContext[64] = EndpointStateRunning

	if err := writeBytes(d.bus, d.address, inputContext[32:96]); err != nil {
		return fmt.Errorf("xhci: write slot+EP0 context: %w", err)
	}
	return nil
}

// EnabledEndpoint describes one endpoint enabled by ConfigureEndpoints,
// with its type and max packet size inferred from the copied endpoint
// context.
type EnabledEndpoint struct {
	Index         uint8
	Type          EndpointType
	MaxPacketSize uint16
}

// endpointContextTypeField extracts the 3-bit Endpoint Type field
// (XHCI spec §6.2.3) from byte 1 of a 32-byte endpoint context.
func endpointContextTypeField(epContext []byte) uint8 {
	return (epContext[1] >> 3) & 0x7
}

// endpointContextMaxPacketSize extracts the Max Packet Size field
// (XHCI spec §6.2.3, dword 1 bits 31:16) from a 32-byte endpoint
// context.
func endpointContextMaxPacketSize(epContext []byte) uint16 {
	return uint16(epContext[6]) | uint16(epContext[7])<<8
}

func endpointTypeFromContext(epContext []byte) (EndpointType, error) {
	switch endpointContextTypeField(epContext) {
	case 4:
		return EndpointTypeControl, nil
	case 2:
		return EndpointTypeBulkOut, nil
	case 6:
		return EndpointTypeBulkIn, nil
	case 7:
		return EndpointTypeInterruptIn, nil
	default:
		return 0, fmt.Errorf("xhci: endpoint context has unsupported type field %d", endpointContextTypeField(epContext))
	}
}

// ConfigureEndpoints updates the device context from an Input Context on
// ConfigureEndpoint: drops endpoints named in the drop-flags word, copies
// and enables endpoints named in the add-flags word, and forces the slot
// state to Configured. A0 must always be set; this is hard-asserted
// because it is a driver protocol invariant, not a runtime condition we
// can recover from.
func (d *DeviceContext) ConfigureEndpoints(inputContextAddr uint64) ([]EnabledEndpoint, error) {
	dropFlags, err := dmaRead32(d.bus, inputContextAddr)
	if err != nil {
		return nil, fmt.Errorf("xhci: read drop flags: %w", err)
	}
	addFlags, err := dmaRead32(d.bus, inputContextAddr+4)
	if err != nil {
		return nil, fmt.Errorf("xhci: read add flags: %w", err)
	}

	inputContext, err := readBytes(d.bus, inputContextAddr+32, deviceContextSize)
	if err != nil {
		return nil, fmt.Errorf("xhci: read input device context: %w", err)
	}

	for i := uint8(2); i <= 31; i++ {
		if dropFlags&(1<<i) == 0 {
			continue
		}
		if err := dmaWrite8(d.bus, d.address+entryForEndpoint(i), 0); err != nil {
			return nil, fmt.Errorf("xhci: disable endpoint entry %d: %w", i, err)
		}
	}

	var enabled []EnabledEndpoint
	for i := uint8(1); i <= 31; i++ {
		if addFlags&(1<<i) == 0 {
			continue
		}
		off := entryForEndpoint(i)
		epContext := inputContext[off : off+deviceContextEntrySize]
		epContext[0] = EndpointStateRunning

		epType, err := endpointTypeFromContext(epContext)
		if err != nil {
			return nil, fmt.Errorf("xhci: endpoint entry %d: %w", i, err)
		}
		enabled = append(enabled, EnabledEndpoint{
			Index:         i,
			Type:          epType,
			MaxPacketSize: endpointContextMaxPacketSize(epContext),
		})

		if err := writeBytes(d.bus, d.address+off, epContext); err != nil {
			return nil, fmt.Errorf("xhci: write endpoint entry %d: %w", i, err)
		}
	}

	if addFlags&0x1 != 1 {
		panic("xhci: ConfigureEndpoint requires flag A0 to be set")
	}
	inputContext[15] = SlotStateConfigured << 3
	if err := writeBytes(d.bus, d.address, inputContext[0:32]); err != nil {
		return nil, fmt.Errorf("xhci: write slot context: %w", err)
	}

	return enabled, nil
}

// SetEndpointState writes the one-byte state field of an endpoint
// context directly (used by StopEndpoint).
func (d *DeviceContext) SetEndpointState(endpointIndex uint8, state uint8) error {
	return dmaWrite8(d.bus, d.address+entryForEndpoint(endpointIndex), state)
}

// endpointContext returns a handle to one endpoint context entry.
// index must be in 1..=31 (1 = EP0; 2..=31 = EP1-OUT..EP15-IN).
func (d *DeviceContext) endpointContext(index uint8) *EndpointContext {
	if index < 1 || index > 31 {
		panic(fmt.Sprintf("xhci: endpoint context index %d out of range", index))
	}
	return &EndpointContext{address: d.address + entryForEndpoint(index), bus: d.bus}
}

// ControlTransferRing returns a TransferRing over the default control
// endpoint (EP0, device-context entry 1).
func (d *DeviceContext) ControlTransferRing() *TransferRing {
	return NewTransferRing(d.bus, d.endpointContext(1))
}

// TransferRingFor returns a TransferRing over the given endpoint index,
// setting its state to Running if it is Halted, Stopped or in Error.
// Panics if the endpoint is Disabled, per spec §4.8/device_slots.rs.
func (d *DeviceContext) TransferRingFor(endpointIndex uint8) (*TransferRing, error) {
	ctx := d.endpointContext(endpointIndex)
	state, err := ctx.GetState()
	if err != nil {
		return nil, err
	}
	switch state {
	case EndpointStateDisabled:
		panic(fmt.Sprintf("xhci: requested transfer ring for disabled EP%d", endpointIndex))
	case EndpointStateRunning:
	default:
		if err := ctx.SetState(EndpointStateRunning); err != nil {
			return nil, err
		}
	}
	return NewTransferRing(d.bus, ctx), nil
}

// EndpointContext is a DMA-backed view over one 32-byte endpoint context
// entry, used for the dequeue-pointer/cycle-state field the transfer
// ring needs and the one-byte state field.
type EndpointContext struct {
	address uint64
	bus     DMABus
}

// GetDequeuePointerAndCycleState reads the 8-byte field at offset 8
// that anchors the endpoint's transfer ring.
func (e *EndpointContext) GetDequeuePointerAndCycleState() (ptr uint64, cycle bool) {
	v, err := dmaRead64(e.bus, e.address+8)
	if err != nil {
		panic(fmt.Sprintf("xhci: read endpoint context dequeue pointer: %v", err))
	}
	return v &^ 0xf, v&0x1 != 0
}

// SetDequeuePointerAndCycleState writes back the dequeue pointer and
// cycle bit. Panics if the pointer is not 16-byte aligned: this is a
// driver-supplied or controller-computed address and must already be
// TRB-aligned by construction.
func (e *EndpointContext) SetDequeuePointerAndCycleState(ptr uint64, cycle bool) {
	if ptr&0xf != 0 {
		panic(fmt.Sprintf("xhci: endpoint dequeue pointer 0x%x is not 16-byte aligned", ptr))
	}
	v := ptr
	if cycle {
		v |= 0x1
	}
	if err := dmaWrite64(e.bus, e.address+8, v); err != nil {
		panic(fmt.Sprintf("xhci: write endpoint context dequeue pointer: %v", err))
	}
}

// GetState reads the one-byte endpoint state field at offset 0.
func (e *EndpointContext) GetState() (uint8, error) {
	v, err := dmaRead8(e.bus, e.address)
	if err != nil {
		return 0, fmt.Errorf("xhci: read endpoint state: %w", err)
	}
	return v & 0x7, nil
}

// SetState writes the one-byte endpoint state field at offset 0.
func (e *EndpointContext) SetState(state uint8) error {
	if err := dmaWrite8(e.bus, e.address, state); err != nil {
		return fmt.Errorf("xhci: write endpoint state: %w", err)
	}
	return nil
}
