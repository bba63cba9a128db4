// Package pciregs builds the 256-byte PCI type-0 configuration space
// register set for the XHCI function, and models its MSI-X capability
// and table.
package pciregs

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/tinyrange/xhcid/internal/bus"
)

// Standard PCI type-0 header offsets.
const (
	OffsetVendorID      = 0x00
	OffsetDeviceID      = 0x02
	OffsetCommand       = 0x04
	OffsetStatus        = 0x06
	OffsetRevisionID    = 0x08
	OffsetProgIF        = 0x09
	OffsetSubclass      = 0x0a
	OffsetClass         = 0x0b
	OffsetHeaderType    = 0x0e
	OffsetBAR0          = 0x10
	offsetBARStride     = 0x04
	barCount            = 6
	OffsetSubsysVendor  = 0x2c
	OffsetSubsysID      = 0x2e
	OffsetCapPointer    = 0x34
	OffsetInterruptLine = 0x3c
	OffsetInterruptPin  = 0x3d

	headerType0     = 0x00
	headerMultiFunc = 0x80
	statusCapList   = 1 << 4
	ConfigSpaceSize = 256

	// capabilityAreaStart is where this builder starts placing
	// capabilities; the standard header occupies [0,0x40).
	capabilityAreaStart = 0x40
)

// BARInfo describes one memory BAR's fixed size and region index, as
// required by the vfio-user glue to publish region metadata.
type BARInfo struct {
	Index uint8
	Size  uint32
}

// Identity carries the fixed identity fields written into the header.
type Identity struct {
	VendorID, DeviceID           uint16
	SubsystemVendor, SubsystemID uint16
	ClassCode, Subclass, ProgIF  uint8
	RevisionID                   uint8
	MultiFunction                bool
}

// pendingCapability is a capability queued for placement at Build
// time, once every capability's final offset (and hence every "next"
// pointer) is known.
type pendingCapability struct {
	id      uint8
	payload []byte // payload[0], payload[1] (id, next) are reserved and overwritten by Build
}

// Builder assembles a PCI type-0 configuration space register set.
// Capabilities are queued with AddCapability and placed into the
// singly-linked offset chain by Build, once the full set is known.
type Builder struct {
	rs           *bus.Builder
	bars         []BARInfo
	capabilities []pendingCapability
	msixCapIndex *int
	msixConfig   MSIXCapabilityConfig
}

// NewBuilder starts a configuration space build for the given
// identity.
func NewBuilder(id Identity) *Builder {
	b := bus.NewBuilder(ConfigSpaceSize)
	b.Word16(OffsetVendorID, id.VendorID, 0, 0)
	b.Word16(OffsetDeviceID, id.DeviceID, 0, 0)
	// Command register: bus master (bit2), memory space (bit1), I/O
	// space (bit0) are all guest-writable; everything else read-only.
	b.Word16(OffsetCommand, 0, 0x0007, 0)
	b.Word16(OffsetStatus, 0, 0, statusCapList)
	b.Byte(OffsetRevisionID, id.RevisionID, 0, 0)
	b.Byte(OffsetProgIF, id.ProgIF, 0, 0)
	b.Byte(OffsetSubclass, id.Subclass, 0, 0)
	b.Byte(OffsetClass, id.ClassCode, 0, 0)
	headerType := uint8(headerType0)
	if id.MultiFunction {
		headerType |= headerMultiFunc
	}
	b.Byte(OffsetHeaderType, headerType, 0, 0)
	b.Word16(OffsetSubsysVendor, id.SubsystemVendor, 0, 0)
	b.Word16(OffsetSubsysID, id.SubsystemID, 0, 0)
	// OffsetCapPointer is deliberately not reserved here: its value
	// depends on the full set of capabilities queued by Build time, and
	// Builder panics on re-placing a field. It is left at its
	// zero-initialized value (0, read-only) until Build sets it with
	// WriteDirect.
	b.Byte(OffsetInterruptLine, 0, 0xff, 0) // guest-assigned legacy IRQ line, unused under MSI-X
	b.Byte(OffsetInterruptPin, 0, 0, 0)     // 0 = no legacy INTx; this function is MSI-X only
	return &Builder{rs: b}
}

// AddMemoryBAR32 places a 32-bit non-prefetchable memory BAR of the
// given power-of-two size (must be >= 16) at the given index. The
// low bits of the BAR are hardwired to the size mask so the guest can
// size the window with the standard write-all-ones-then-read probe.
func (b *Builder) AddMemoryBAR32(index uint8, size uint32) error {
	if index >= barCount {
		return fmt.Errorf("pciregs: BAR index %d out of range", index)
	}
	if size < 16 || bits.OnesCount32(size) != 1 {
		return fmt.Errorf("pciregs: BAR size 0x%x must be a power of two >= 16", size)
	}
	offset := uint64(OffsetBAR0) + uint64(index)*offsetBARStride
	sizeMask := ^(size - 1)
	// Bits above the size mask are guest-writable (the base address);
	// bits within the mask always read back as zero (decode type +
	// prefetchable are both 0 for a 32-bit non-prefetchable BAR).
	b.rs.Word32(offset, 0, sizeMask, 0)
	b.bars = append(b.bars, BARInfo{Index: index, Size: size})
	return nil
}

// BARs returns the BAR metadata recorded by AddMemoryBAR32 calls, for
// the vfio-user glue to derive region sizes from.
func (b *Builder) BARs() []BARInfo {
	out := make([]BARInfo, len(b.bars))
	copy(out, b.bars)
	return out
}

// addCapability queues a capability of the given PCI capability ID
// with a caller-built payload (not including the 2-byte ID/next
// header, which Build supplies). Returns the capability's index in
// the eventual chain, not its offset (offsets are not known until
// Build, since each capability's placement depends on the length of
// the ones before it).
func (b *Builder) addCapability(id uint8, payload []byte) int {
	b.capabilities = append(b.capabilities, pendingCapability{id: id, payload: payload})
	return len(b.capabilities) - 1
}

// capabilityOffset returns the byte offset Build will place
// capability index i at; valid only after all AddCapability calls
// have been made (offsets are assigned densely in order, 4-byte
// aligned).
func (b *Builder) capabilityOffset(i int) uint16 {
	offset := uint16(capabilityAreaStart)
	for j := 0; j < i; j++ {
		capLen := 2 + len(b.capabilities[j].payload)
		offset += uint16(alignUp4(capLen))
	}
	return offset
}

func alignUp4(n int) int { return (n + 3) &^ 3 }

// Build finalizes the register set: lays every queued capability into
// the chain (patching ID/next bytes), sets the Capabilities-List
// status bit iff at least one capability was added, and returns the
// finished register set.
func (b *Builder) Build() (*bus.RegisterSet, error) {
	rs := b.rs.Build()
	if len(b.capabilities) > 0 {
		if err := rs.WriteDirect(OffsetCapPointer, []byte{uint8(b.capabilityOffset(0))}); err != nil {
			return nil, err
		}
		if err := rs.WriteDirect(OffsetStatus, leWord16(statusCapList)); err != nil {
			return nil, err
		}
	}
	for i, pc := range b.capabilities {
		offset := uint64(b.capabilityOffset(i))
		next := uint8(0)
		if i+1 < len(b.capabilities) {
			next = uint8(b.capabilityOffset(i + 1))
		}
		if err := rs.WriteDirect(offset, []byte{pc.id, next}); err != nil {
			return nil, fmt.Errorf("pciregs: place capability %d: %w", i, err)
		}
		if len(pc.payload) > 0 {
			if err := rs.WriteDirect(offset+2, pc.payload); err != nil {
				return nil, fmt.Errorf("pciregs: place capability %d payload: %w", i, err)
			}
		}
	}
	if err := b.applyMSIXMasks(rs); err != nil {
		return nil, fmt.Errorf("pciregs: apply MSI-X masks: %w", err)
	}
	return rs, nil
}

func leWord16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}
