package xhci

// Port and slot counts. The original single-port/single-slot source
// (MAX_PORTS=1, MAX_SLOTS=1) is generalized here: spec §4.9 requires
// NUM_USB3_PORTS + NUM_USB2_PORTS port groups and its E1 scenario
// exercises MAX_SLOTS=8.
const (
	NumUSB3Ports = 4
	NumUSB2Ports = 4
	NumPorts     = NumUSB3Ports + NumUSB2Ports
	MaxSlots     = 8
	MaxIntrs     = 1 // spec Non-goal: more than one interrupter register set
)

// MMIO layout, relative to BAR0. Unchanged from the original's
// xhci::{OP_BASE, RUN_BASE} and capability/operational/runtime offset
// modules; spec §6 pins the same values.
const (
	opBase  = 0x40
	runBase = 0x3000

	offCAPLENGTH  = 0x00
	offHCIVERSION = 0x02
	offHCSPARAMS1 = 0x04
	offHCSPARAMS2 = 0x08
	offHCSPARAMS3 = 0x0c
	offHCCPARAMS1 = 0x10
	offDBOFF      = 0x14
	offRTSOFF     = 0x18
	offHCCPARAMS2 = 0x1c

	offSupportedProtocolsUSB3       = 0x20
	offSupportedProtocolsUSB3Config = 0x28
	offSupportedProtocolsUSB2       = 0x30
	offSupportedProtocolsUSB2Config = 0x38

	offUSBCMD   = opBase + 0x00
	offUSBSTS   = opBase + 0x04
	offPAGESIZE = opBase + 0x08
	offDNCTL    = opBase + 0x14
	offCRCR     = opBase + 0x18
	offCRCRHI   = opBase + 0x1c
	offDCBAAP   = opBase + 0x30
	offDCBAAPHI = opBase + 0x34
	offCONFIG   = opBase + 0x38

	offPORTSCBase = opBase + 0x400
	portStride    = 0x10
	offPORTSC     = 0x0
	offPORTPMSC   = 0x4
	offPORTLI     = 0x8

	irBase       = runBase + 0x20
	irStride     = 0x20
	offMFINDEX   = runBase
	offIMAN      = 0x0
	offIMOD      = 0x4
	offERSTSZ    = 0x8
	offERSTBA    = 0x10
	offERSTBAHI  = 0x14
	offERDP      = 0x18
	offERDPHI    = 0x1c

	dboffValue = 0x2000 // DBOFF register value: doorbell array offset from BAR0

	hciVersion = 0x0100

	// PORTSC bit layout (spec §3, §4.9; portsc module of the original).
	portscCCS        = 1 << 0 // Current Connect Status (ro)
	portscPED        = 1 << 1 // Port Enabled/Disabled (set by port reset, cleared by power-off; writes to it are ignored)
	portscPR         = 1 << 4 // Port Reset (rw)
	portscPLSShift   = 5
	portscPLSMask    = 0xf << portscPLSShift
	portscPP         = 1 << 9 // Port Power (rw)
	portscSpeedShift = 10
	portscSpeedMask  = 0xf << portscSpeedShift
	portscPIC        = 1 << 14
	portscCSC        = 1 << 17 // Connect Status Change (w1c)
	portscPEC        = 1 << 18 // Port Enabled/Disabled Change (w1c)
	portscPRC        = 1 << 21 // Port Reset Change (w1c)
	portscWCE        = 1 << 25
	portscWDE        = 1 << 26
	portscWOE        = 1 << 27

	plsRxDetect = 0x5 << portscPLSShift
	plsPolling  = 0x7 << portscPLSShift
	plsU0       = 0x0 << portscPLSShift

	portscWakeOnEvents = portscWCE | portscWDE | portscWOE
	portscDefault      = portscPP | plsRxDetect

	imodDefault = 4000

	crcrDequeueMask = ^uint64(0x3f)
	crcrRCSBit      = 0x1
	crcrCSBit       = 0x2
	crcrCABit       = 0x4
)
