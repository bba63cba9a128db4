package vfiouser

import (
	"encoding/binary"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/xhcid/internal/bus"
)

// memRegion is a flat byte-slice bus.Device standing in for a real PCI
// region during backend tests.
type memRegion struct {
	mem []byte
}

func (r *memRegion) Size() uint64 { return uint64(len(r.mem)) }

func (r *memRegion) Read(req bus.Request) (uint64, error) {
	rng, err := req.Range()
	if err != nil {
		return 0, err
	}
	if rng.End > r.Size() {
		return 0, fmt.Errorf("memRegion: read out of range")
	}
	return getLE(r.mem[rng.Start:rng.End]), nil
}

func (r *memRegion) Write(req bus.Request, value uint64) error {
	rng, err := req.Range()
	if err != nil {
		return err
	}
	if rng.End > r.Size() {
		return fmt.Errorf("memRegion: write out of range")
	}
	putLE(r.mem[rng.Start:rng.End], value)
	return nil
}

type fakeRegions struct {
	regions map[uint32]bus.Device
}

func (f *fakeRegions) Region(index uint32) (bus.Device, bool) {
	d, ok := f.regions[index]
	return d, ok
}

type fakeResetter struct {
	calls int
}

func (f *fakeResetter) Reset() error {
	f.calls++
	return nil
}

// sendMessage writes a framed request, optionally with SCM_RIGHTS fds
// attached, mirroring what a vfio-user client transport hands off to
// this backend.
func sendMessage(t *testing.T, fd int, cmd Command, payload []byte, rights []int) {
	t.Helper()
	msg := append(encodeHeader(cmd, uint32(len(payload))), payload...)
	var oob []byte
	if len(rights) > 0 {
		oob = unix.UnixRights(rights...)
	}
	if err := unix.Sendmsg(fd, msg, oob, nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}
}

func recvReply(t *testing.T, fd int) (uint32, []byte) {
	t.Helper()
	buf := make([]byte, maxFrameSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	status, payloadLen, err := decodeReplyHeader(buf[:n])
	if err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	return status, buf[replyHeaderSize : replyHeaderSize+int(payloadLen)]
}

func newTestBackend(t *testing.T, regions *fakeRegions, reset *fakeResetter, dma DMAMapper) (*Backend, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	serverFD, clientFD := fds[0], fds[1]

	b := NewBackend(regions, reset, dma, nil)
	done := make(chan error, 1)
	go func() { done <- b.Serve(serverFD) }()
	t.Cleanup(func() {
		unix.Close(clientFD)
		<-done
	})
	return b, clientFD
}

func TestBackendRegionReadWrite(t *testing.T) {
	region := &memRegion{mem: make([]byte, 16)}
	regions := &fakeRegions{regions: map[uint32]bus.Device{0: region}}
	_, clientFD := newTestBackend(t, regions, &fakeResetter{}, &fakeDMAMapper{})

	writeReq := encodeRegionAccessRequest(regionAccessRequest{Index: 0, Size: 4, Offset: 4})
	writeReq = append(writeReq, 0x11, 0x22, 0x33, 0x44)
	sendMessage(t, clientFD, CommandRegionWrite, writeReq, nil)
	if status, _ := recvReply(t, clientFD); status != statusOK {
		t.Fatalf("region_write: status %d", status)
	}

	readReq := encodeRegionAccessRequest(regionAccessRequest{Index: 0, Size: 4, Offset: 4})
	sendMessage(t, clientFD, CommandRegionRead, readReq, nil)
	status, payload := recvReply(t, clientFD)
	if status != statusOK {
		t.Fatalf("region_read: status %d", status)
	}
	want := []byte{0x11, 0x22, 0x33, 0x44}
	if string(payload) != string(want) {
		t.Fatalf("region_read: got %x, want %x", payload, want)
	}
}

func TestBackendRegionReadUnknownIndex(t *testing.T) {
	regions := &fakeRegions{regions: map[uint32]bus.Device{}}
	_, clientFD := newTestBackend(t, regions, &fakeResetter{}, &fakeDMAMapper{})

	req := encodeRegionAccessRequest(regionAccessRequest{Index: 9, Size: 4, Offset: 0})
	sendMessage(t, clientFD, CommandRegionRead, req, nil)
	if status, _ := recvReply(t, clientFD); status != statusErr {
		t.Fatalf("expected statusErr for unknown region, got %d", status)
	}
}

func TestBackendReset(t *testing.T) {
	reset := &fakeResetter{}
	regions := &fakeRegions{regions: map[uint32]bus.Device{}}
	_, clientFD := newTestBackend(t, regions, reset, &fakeDMAMapper{})

	sendMessage(t, clientFD, CommandReset, nil, nil)
	if status, _ := recvReply(t, clientFD); status != statusOK {
		t.Fatalf("reset: status %d", status)
	}
	if reset.calls != 1 {
		t.Fatalf("expected Reset to be called once, got %d", reset.calls)
	}
}

// fakeDMAMapper records Add/Remove without touching real guest memory,
// for tests that exercise the message path without needing a real
// mmap-backed segment.
type fakeDMAMapper struct {
	added   []uint64
	removed []uint64
}

func (f *fakeDMAMapper) Add(startAddr uint64, dev bus.Device) error {
	f.added = append(f.added, startAddr)
	return nil
}

func (f *fakeDMAMapper) Remove(startAddr uint64) error {
	f.removed = append(f.removed, startAddr)
	return nil
}

func TestBackendDMAMapUnmapWithRealMemfd(t *testing.T) {
	const length = 4096
	const guestAddr = 0x1000_0000

	memFD, err := unix.MemfdCreate("vfiouser-test", 0)
	if err != nil {
		t.Skipf("memfd_create unavailable: %v", err)
	}
	defer unix.Close(memFD)
	if err := unix.Ftruncate(memFD, length); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if _, err := unix.Pwrite(memFD, want, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	guestBus := bus.NewDynamicBus(0x2000_0000, nil)
	regions := &fakeRegions{regions: map[uint32]bus.Device{}}
	_, clientFD := newTestBackend(t, regions, &fakeResetter{}, guestBus)

	mapReq := encodeDMAMapRequest(dmaMapRequest{GuestPhysAddr: guestAddr, FileOffset: 0, Length: length})
	sendMessage(t, clientFD, CommandDMAMap, mapReq, []int{memFD})
	if status, _ := recvReply(t, clientFD); status != statusOK {
		t.Fatalf("dma_map: status %d", status)
	}

	got, err := guestBus.Read(bus.Request{Address: guestAddr, Size: bus.Size4})
	if err != nil {
		t.Fatalf("read mapped region: %v", err)
	}
	if got != uint64(binary.LittleEndian.Uint32(want)) {
		t.Fatalf("mapped region: got 0x%x, want 0x%x", got, binary.LittleEndian.Uint32(want))
	}

	unmapReq := encodeDMAUnmapRequest(dmaUnmapRequest{GuestPhysAddr: guestAddr})
	sendMessage(t, clientFD, CommandDMAUnmap, unmapReq, nil)
	if status, _ := recvReply(t, clientFD); status != statusOK {
		t.Fatalf("dma_unmap: status %d", status)
	}

	// The range is unmapped; reads fall through to the bus's default
	// fill device (all-ones), since nothing is registered there anymore.
	got, err = guestBus.Read(bus.Request{Address: guestAddr, Size: bus.Size4})
	if err != nil {
		t.Fatalf("read after unmap: %v", err)
	}
	if got != 0xffffffff {
		t.Fatalf("expected all-ones after unmap, got 0x%x", got)
	}
}

func TestBackendSetIRQSignalsEventFD(t *testing.T) {
	regions := &fakeRegions{regions: map[uint32]bus.Device{}}
	b, clientFD := newTestBackend(t, regions, &fakeResetter{}, &fakeDMAMapper{})

	irqFD, err := unix.Eventfd(0, 0)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	defer unix.Close(irqFD)

	req := encodeSetIRQRequest(setIRQRequest{Vector: 0})
	sendMessage(t, clientFD, CommandSetIRQ, req, []int{irqFD})
	if status, _ := recvReply(t, clientFD); status != statusOK {
		t.Fatalf("set_irqs: status %d", status)
	}

	if err := b.SignalMSIX(0); err != nil {
		t.Fatalf("SignalMSIX: %v", err)
	}

	var buf [8]byte
	if _, err := unix.Read(irqFD, buf[:]); err != nil {
		t.Fatalf("read eventfd: %v", err)
	}
	if binary.LittleEndian.Uint64(buf[:]) != 1 {
		t.Fatalf("expected eventfd counter 1, got %d", binary.LittleEndian.Uint64(buf[:]))
	}
}
