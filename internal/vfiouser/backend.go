package vfiouser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/xhcid/internal/bus"
	"github.com/tinyrange/xhcid/internal/dmamem"
	"github.com/tinyrange/xhcid/internal/xhci"
)

// The controller satisfies every callback surface this backend
// dispatches to without either package needing to import the other's
// interface types: region access, device reset, and IRQ delivery are
// all duck-typed against *xhci.XhciController's existing methods.
var (
	_ RegionProvider = (*xhci.XhciController)(nil)
	_ Resetter       = (*xhci.XhciController)(nil)
	_ xhci.IRQSender = (*Backend)(nil)
	_ DMAMapper      = (*bus.DynamicBus)(nil)
)

// maxFrameSize bounds a single recvmsg call: every message this
// backend understands (region accesses topping out at 8 data bytes,
// map/unmap/irq requests) comfortably fits well inside a 4 KiB page,
// and bounding it keeps a single malicious or confused peer from
// forcing an unbounded allocation.
const maxFrameSize = 4096

// RegionProvider resolves a vfio-user region index to the bus.Device
// backing it. Region indices follow the VFIO convention this model
// actually uses: 0 is BAR0 (the XHCI MMIO register surface), 3 is BAR3
// (MSI-X table + PBA), 7 is PCI configuration space.
type RegionProvider interface {
	Region(index uint32) (bus.Device, bool)
}

// Resetter receives the vfio-user reset callback.
type Resetter interface {
	Reset() error
}

// DMAMapper is the subset of *bus.DynamicBus the backend needs to
// service dma_map/dma_unmap: register and unregister a host mapping
// at a guest physical address.
type DMAMapper interface {
	Add(startAddr uint64, dev bus.Device) error
	Remove(startAddr uint64) error
}

// Backend dispatches vfio-user callbacks from a connected client onto
// an XHCI controller's region set, DMA bus, and interrupt line. One
// Backend serves one client connection at a time: vfio-user has no
// concept of concurrent clients sharing a device.
type Backend struct {
	log     *slog.Logger
	regions RegionProvider
	reset   Resetter
	dma     DMAMapper

	irqFD  int
	mapped map[uint64]*dmamem.Segment
}

// NewBackend constructs a Backend. irqFD is -1 until a set_irqs
// message registers one.
func NewBackend(regions RegionProvider, reset Resetter, dma DMAMapper, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		log:     log,
		regions: regions,
		reset:   reset,
		dma:     dma,
		irqFD:   -1,
		mapped:  make(map[uint64]*dmamem.Segment),
	}
}

// SignalMSIX writes the eventfd trigger value for the registered
// IRQ-fd, implementing xhci.IRQSender. A vector other than 0 is
// rejected: this controller only ever exposes one MSI-X message.
func (b *Backend) SignalMSIX(vector uint16) error {
	if vector != 0 {
		return fmt.Errorf("vfiouser: no IRQ-fd registered for vector %d", vector)
	}
	if b.irqFD < 0 {
		return nil // no client has registered an IRQ-fd yet; drop silently
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(b.irqFD, buf[:])
	return err
}

// Listen opens a Unix domain socket at socketPath and serves client
// connections one at a time until Accept fails or the listener is
// closed from another goroutine.
func (b *Backend) Listen(socketPath string) error {
	if err := unix.Unlink(socketPath); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("vfiouser: unlink stale socket %s: %w", socketPath, err)
	}

	listenFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("vfiouser: socket: %w", err)
	}
	defer unix.Close(listenFD)

	if err := unix.Bind(listenFD, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		return fmt.Errorf("vfiouser: bind %s: %w", socketPath, err)
	}
	if err := unix.Listen(listenFD, 1); err != nil {
		return fmt.Errorf("vfiouser: listen: %w", err)
	}

	for {
		clientFD, _, err := unix.Accept(listenFD)
		if err != nil {
			return fmt.Errorf("vfiouser: accept: %w", err)
		}
		b.log.Info("vfiouser: client connected")
		if err := b.Serve(clientFD); err != nil {
			b.log.Warn("vfiouser: connection ended", "error", err)
		}
	}
}

// Serve reads and dispatches messages off fd until the peer closes the
// connection or a protocol error occurs. fd is closed before returning.
// Used directly by cmd/xhcid's --fd flag, bypassing Listen/Accept for
// an already-open socket handed down by the VMM.
func (b *Backend) Serve(fd int) error {
	defer unix.Close(fd)
	for {
		if err := b.handleOne(fd); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (b *Backend) handleOne(fd int) error {
	buf := make([]byte, maxFrameSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return fmt.Errorf("vfiouser: recvmsg: %w", err)
	}
	if n == 0 {
		return io.EOF
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return fmt.Errorf("vfiouser: parse ancillary data: %w", err)
	}

	cmd, payloadLen, err := decodeHeader(buf[:n])
	if err != nil {
		return err
	}
	if int(requestHeaderSize+payloadLen) > n {
		return fmt.Errorf("vfiouser: message declares %d byte payload, only %d bytes received", payloadLen, n-requestHeaderSize)
	}
	payload := buf[requestHeaderSize : requestHeaderSize+int(payloadLen)]

	status, reply := b.dispatch(cmd, payload, fds)
	_, err = unix.Write(fd, encodeReply(status, reply))
	return err
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, c := range cmsgs {
		rights, err := unix.ParseUnixRights(&c)
		if err != nil {
			continue // not an SCM_RIGHTS message; ignore
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// dispatch runs one decoded message against the wired device state and
// returns a reply status plus payload.
func (b *Backend) dispatch(cmd Command, payload []byte, fds []int) (status uint32, reply []byte) {
	switch cmd {
	case CommandRegionRead:
		return b.handleRegionRead(payload)
	case CommandRegionWrite:
		return b.handleRegionWrite(payload)
	case CommandDMAMap:
		return b.handleDMAMap(payload, fds)
	case CommandDMAUnmap:
		return b.handleDMAUnmap(payload)
	case CommandSetIRQ:
		return b.handleSetIRQ(payload, fds)
	case CommandReset:
		return b.handleReset()
	default:
		b.log.Warn("vfiouser: unrecognized command", "command", uint32(cmd))
		return statusErr, nil
	}
}

func (b *Backend) handleRegionRead(payload []byte) (uint32, []byte) {
	req, err := decodeRegionAccessRequest(payload)
	if err != nil {
		b.log.Warn("vfiouser: region_read", "error", err)
		return statusErr, nil
	}
	dev, ok := b.regions.Region(req.Index)
	if !ok {
		b.log.Warn("vfiouser: region_read to unknown region", "index", req.Index)
		return statusErr, nil
	}
	size := bus.Size(req.Size)
	if !size.Valid() {
		b.log.Warn("vfiouser: region_read with invalid size", "size", req.Size)
		return statusErr, nil
	}
	value, err := dev.Read(bus.Request{Address: req.Offset, Size: size})
	if err != nil {
		b.log.Warn("vfiouser: region_read failed", "index", req.Index, "offset", req.Offset, "error", err)
		return statusErr, nil
	}
	data := make([]byte, req.Size)
	putLE(data, value)
	return statusOK, data
}

func (b *Backend) handleRegionWrite(payload []byte) (uint32, []byte) {
	req, err := decodeRegionAccessRequest(payload)
	if err != nil {
		b.log.Warn("vfiouser: region_write", "error", err)
		return statusErr, nil
	}
	if int(regionAccessRequestSize)+int(req.Size) > len(payload) {
		b.log.Warn("vfiouser: region_write payload shorter than declared size", "size", req.Size)
		return statusErr, nil
	}
	data := payload[regionAccessRequestSize : regionAccessRequestSize+int(req.Size)]

	dev, ok := b.regions.Region(req.Index)
	if !ok {
		b.log.Warn("vfiouser: region_write to unknown region", "index", req.Index)
		return statusErr, nil
	}
	size := bus.Size(req.Size)
	if !size.Valid() {
		b.log.Warn("vfiouser: region_write with invalid size", "size", req.Size)
		return statusErr, nil
	}
	if err := dev.Write(bus.Request{Address: req.Offset, Size: size}, getLE(data)); err != nil {
		b.log.Warn("vfiouser: region_write failed", "index", req.Index, "offset", req.Offset, "error", err)
		return statusErr, nil
	}
	return statusOK, nil
}

func (b *Backend) handleDMAMap(payload []byte, fds []int) (uint32, []byte) {
	req, err := decodeDMAMapRequest(payload)
	if err != nil {
		b.log.Warn("vfiouser: dma_map", "error", err)
		return statusErr, nil
	}
	if len(fds) == 0 {
		b.log.Warn("vfiouser: dma_map with no fd attached")
		return statusErr, nil
	}
	memFD := fds[0]
	defer unix.Close(memFD) // mmap keeps its own reference; the fd is not needed afterwards

	seg, err := dmamem.Map(memFD, int64(req.FileOffset), int(req.Length), dmamem.ReadWrite)
	if err != nil {
		b.log.Warn("vfiouser: dma_map mmap failed", "error", err)
		return statusErr, nil
	}
	if err := b.dma.Add(req.GuestPhysAddr, seg); err != nil {
		seg.Unmap()
		b.log.Warn("vfiouser: dma_map bus.Add failed", "error", err)
		return statusErr, nil
	}
	b.mapped[req.GuestPhysAddr] = seg
	return statusOK, nil
}

func (b *Backend) handleDMAUnmap(payload []byte) (uint32, []byte) {
	req, err := decodeDMAUnmapRequest(payload)
	if err != nil {
		b.log.Warn("vfiouser: dma_unmap", "error", err)
		return statusErr, nil
	}
	seg, ok := b.mapped[req.GuestPhysAddr]
	if !ok {
		b.log.Warn("vfiouser: dma_unmap for an address with no mapping", "addr", req.GuestPhysAddr)
		return statusErr, nil
	}
	if err := b.dma.Remove(req.GuestPhysAddr); err != nil {
		b.log.Warn("vfiouser: dma_unmap bus.Remove failed", "error", err)
		return statusErr, nil
	}
	delete(b.mapped, req.GuestPhysAddr)
	if err := seg.Unmap(); err != nil {
		b.log.Warn("vfiouser: dma_unmap munmap failed", "error", err)
	}
	return statusOK, nil
}

func (b *Backend) handleSetIRQ(payload []byte, fds []int) (uint32, []byte) {
	req, err := decodeSetIRQRequest(payload)
	if err != nil {
		b.log.Warn("vfiouser: set_irqs", "error", err)
		return statusErr, nil
	}
	if req.Vector != 0 {
		b.log.Warn("vfiouser: set_irqs for unsupported vector", "vector", req.Vector)
		return statusErr, nil
	}
	if len(fds) == 0 {
		b.log.Warn("vfiouser: set_irqs with no eventfd attached")
		return statusErr, nil
	}
	if b.irqFD >= 0 {
		unix.Close(b.irqFD)
	}
	b.irqFD = fds[0]
	return statusOK, nil
}

func (b *Backend) handleReset() (uint32, []byte) {
	if b.reset == nil {
		return statusOK, nil
	}
	if err := b.reset.Reset(); err != nil {
		b.log.Warn("vfiouser: reset failed", "error", err)
		return statusErr, nil
	}
	return statusOK, nil
}

func putLE(data []byte, value uint64) {
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
}

func getLE(data []byte) uint64 {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	return v
}
