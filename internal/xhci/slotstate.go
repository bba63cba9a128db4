package xhci

// Slot Context state, XHCI spec §6.2.2 table 60, packed into byte 15
// bits 7:3 of the slot context. Only Addressed and Configured are
// produced by this model (Disabled/Default are never written back by
// AddressDevice/ConfigureEndpoint); Disabled/Default are included for
// completeness of the enum.
const (
	SlotStateDisabledOrEnabled uint8 = 0
	SlotStateDefault           uint8 = 1
	SlotStateAddressed         uint8 = 2
	SlotStateConfigured        uint8 = 3
)

// Endpoint Context state, XHCI spec §6.2.3 table 62, packed into byte 0
// bits 2:0 of the endpoint context.
const (
	EndpointStateDisabled uint8 = 0
	EndpointStateRunning  uint8 = 1
	EndpointStateHalted   uint8 = 2
	EndpointStateStopped  uint8 = 3
	EndpointStateError    uint8 = 4
)
