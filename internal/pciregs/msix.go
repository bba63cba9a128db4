package pciregs

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhcid/internal/bus"
)

const (
	pciCapIDMSIX = 0x11

	msixControlEnable  = 1 << 15
	msixControlFuncMsk = 1 << 14
	msixControlSizeMsk = 0x07ff // table size field is N-1, 11 bits

	msixEntrySize       = 16
	msixEntryAddrOff    = 0
	msixEntryDataOff    = 8
	msixEntryControlOff = 12
	msixVectorMasked    = 1 << 0
)

// MSIXCapabilityConfig describes where the table and PBA live, for the
// capability's BAR-indirect/offset fields (spec §4.4, §6).
type MSIXCapabilityConfig struct {
	NumVectors  uint16
	TableBAR    uint8
	TableOffset uint32
	PBABAR      uint8
	PBAOffset   uint32
}

// AddMSIXCapability queues an MSI-X capability. Control register bits
// ENABLE (15) and FUNCTION_MASK (14) are guest-writable; the table
// size field holds N-1 and is read-only, per spec.
func (b *Builder) AddMSIXCapability(cfg MSIXCapabilityConfig) error {
	if cfg.NumVectors == 0 {
		return fmt.Errorf("pciregs: MSI-X requires at least one vector")
	}
	payload := make([]byte, 10)
	control := uint16(cfg.NumVectors-1) & msixControlSizeMsk
	binary.LittleEndian.PutUint16(payload[0:2], control)
	binary.LittleEndian.PutUint32(payload[2:6], uint32(cfg.TableBAR)&0x7|(cfg.TableOffset&^0x7))
	binary.LittleEndian.PutUint32(payload[6:10], uint32(cfg.PBABAR)&0x7|(cfg.PBAOffset&^0x7))
	idx := b.addCapability(pciCapIDMSIX, payload)
	b.msixCapIndex = &idx
	b.msixConfig = cfg
	return nil
}

// MSIXControlOffset returns the config-space offset of the 2-byte
// MSI-X control register, valid after Build.
func (b *Builder) MSIXControlOffset() (uint64, error) {
	if b.msixCapIndex == nil {
		return 0, fmt.Errorf("pciregs: no MSI-X capability was added")
	}
	return uint64(b.capabilityOffset(*b.msixCapIndex)) + 2, nil
}

// applyMSIXMasks marks the ENABLE/FUNCTION_MASK bits of the control
// register writable; called from Build after capabilities are placed.
func (b *Builder) applyMSIXMasks(rs *bus.RegisterSet) error {
	if b.msixCapIndex == nil {
		return nil
	}
	off, err := b.MSIXControlOffset()
	if err != nil {
		return err
	}
	rwMask := uint16(msixControlEnable | msixControlFuncMsk)
	return rs.SetMask(off, leWord16(rwMask), leWord16(0))
}

// MSIMessage is an {address, data} pair identifying one MSI-X
// interrupt message.
type MSIMessage struct {
	Address uint64
	Data    uint16
}

// Table is the MSI-X vector table: an array of 16-byte entries
// {address u64 RW, data u32 RW, control u32 RW} built over a
// bus.RegisterSet so it can be routed on the DMA/MMIO bus directly.
type Table struct {
	rs *bus.RegisterSet
}

// NewTable builds an n-vector MSI-X table, every field guest-writable.
// Every vector starts masked, as PCI requires at reset.
func NewTable(numVectors uint16) *Table {
	b := bus.NewBuilder(uint64(numVectors) * msixEntrySize)
	for i := uint16(0); i < numVectors; i++ {
		base := uint64(i) * msixEntrySize
		b.Word64(base+msixEntryAddrOff, 0, ^uint64(0), 0)
		b.Word32(base+msixEntryDataOff, 0, ^uint32(0), 0)
		b.Word32(base+msixEntryControlOff, msixVectorMasked, msixVectorMasked, 0)
	}
	return &Table{rs: b.Build()}
}

func (t *Table) Size() uint64                         { return t.rs.Size() }
func (t *Table) Read(req bus.Request) (uint64, error) { return t.rs.Read(req) }
func (t *Table) Write(req bus.Request, v uint64) error { return t.rs.Write(req, v) }

// Vector resolves vector index i to its message, or reports it masked.
// Per spec, the masked->unmasked transition does not itself queue a
// message; callers must re-check Vector after unmask if they have a
// message pending.
func (t *Table) Vector(i uint16) (MSIMessage, bool, error) {
	base := uint64(i) * msixEntrySize
	control, err := t.rs.Read(bus.Request{Address: base + msixEntryControlOff, Size: bus.Size4})
	if err != nil {
		return MSIMessage{}, false, err
	}
	if control&msixVectorMasked != 0 {
		return MSIMessage{}, false, nil
	}
	addr, err := t.rs.Read(bus.Request{Address: base + msixEntryAddrOff, Size: bus.Size8})
	if err != nil {
		return MSIMessage{}, false, err
	}
	data, err := t.rs.Read(bus.Request{Address: base + msixEntryDataOff, Size: bus.Size4})
	if err != nil {
		return MSIMessage{}, false, err
	}
	return MSIMessage{Address: addr, Data: uint16(data)}, true, nil
}

var _ bus.Device = (*Table)(nil)
