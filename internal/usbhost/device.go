package usbhost

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/tinyrange/xhcid/internal/xhci"
)

// A zero usbfs timeout waits for completion without limit, so a hung
// device blocks its transfer instead of failing it.
const controlTransferTimeoutMS = 0
const bulkTransferTimeoutMS = 0

// Device implements xhci.RealDevice against one physical USB device
// opened through its usbfs node, with interface 0 claimed.
type Device struct {
	mu      sync.Mutex
	log     *slog.Logger
	fd      int
	workers map[uint8]*xhci.EndpointWorker
	claimed map[uint8]bool
}

// Open finds the first attached device matching vendor/product under
// /sys/bus/usb/devices, opens its usbfs node and claims interface 0,
// mirroring the single-configuration, single-interface devices this
// controller's spec targets.
func Open(vendor, product uint16, log *slog.Logger) (*Device, error) {
	path, err := findByVidPid(vendor, product)
	if err != nil {
		return nil, err
	}
	return OpenPath(path, log)
}

// OpenPath opens the usbfs device node at path (e.g.
// /dev/bus/usb/001/004) directly and claims interface 0. This is how a
// device attached by bus path rather than by vendor/product id is
// opened: the caller already knows which physical device it wants and
// only USBDEVFS_CONTROL/USBDEVFS_BULK are needed, not enumeration.
func OpenPath(path string, log *slog.Logger) (*Device, error) {
	fd, err := unixOpen(path)
	if err != nil {
		return nil, fmt.Errorf("usbhost: open %s: %w", path, err)
	}

	if err := claimInterface(fd, 0); err != nil {
		closeFD(fd)
		return nil, fmt.Errorf("usbhost: claim interface 0 on %s: %w", path, err)
	}

	return &Device{
		log:     log,
		fd:      fd,
		workers: make(map[uint8]*xhci.EndpointWorker),
		claimed: map[uint8]bool{0: true},
	}, nil
}

// findByVidPid walks /sys/bus/usb/devices, the same sysfs tree real
// usbfs host tooling reads idVendor/idProduct from, and resolves the
// matching device's usbfs node path from its busnum/devnum.
func findByVidPid(vendor, product uint16) (string, error) {
	const sysfsRoot = "/sys/bus/usb/devices"

	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return "", fmt.Errorf("usbhost: read %s: %w", sysfsRoot, err)
	}

	for _, e := range entries {
		dir := filepath.Join(sysfsRoot, e.Name())

		vid, err := readSysfsHex16(filepath.Join(dir, "idVendor"))
		if err != nil {
			continue
		}
		pid, err := readSysfsHex16(filepath.Join(dir, "idProduct"))
		if err != nil || vid != vendor || pid != product {
			continue
		}

		bus, err := readSysfsDec(filepath.Join(dir, "busnum"))
		if err != nil {
			continue
		}
		dev, err := readSysfsDec(filepath.Join(dir, "devnum"))
		if err != nil {
			continue
		}

		return fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, dev), nil
	}

	return "", fmt.Errorf("usbhost: no device %04x:%04x attached", vendor, product)
}

func readSysfsHex16(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	return uint16(v), err
}

func readSysfsDec(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Close releases the claimed interfaces and closes the usbfs node.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for iface := range d.claimed {
		_ = releaseInterface(d.fd, iface)
	}
	closeFD(d.fd)
}

func (d *Device) Speed() (xhci.Speed, bool) {
	speed, err := getSpeed(d.fd)
	if err != nil {
		return 0, false
	}
	switch speed {
	case usbdevfsSpeedLow:
		return xhci.SpeedLow, true
	case usbdevfsSpeedFull:
		return xhci.SpeedFull, true
	case usbdevfsSpeedHigh:
		return xhci.SpeedHigh, true
	case usbdevfsSpeedSuper:
		return xhci.SpeedSuper, true
	case usbdevfsSpeedSuperPlus:
		return xhci.SpeedSuperPlus, true
	default:
		return 0, false
	}
}

// ControlTransfer forwards a reassembled control transfer straight to
// USBDEVFS_CONTROL, staging the DMA-resident data buffer (if any)
// through a host-side scratch buffer since the ioctl needs a pointer it
// can write into or read from directly.
func (d *Device) ControlTransfer(req xhci.UsbRequest, dma xhci.DMABus) error {
	hostToDevice := req.RequestType&0x80 == 0

	var buf []byte
	if req.Length > 0 {
		buf = make([]byte, req.Length)
		if hostToDevice && req.Data != nil {
			if err := dma.ReadBulk(*req.Data, buf); err != nil {
				return fmt.Errorf("usbhost: stage OUT data: %w", err)
			}
		}
	}

	var dataPtr uintptr
	if len(buf) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&buf[0]))
	}

	n, err := submitControl(d.fd, ctrlTransfer{
		RequestType: req.RequestType,
		Request:     req.Request,
		Value:       req.Value,
		Index:       req.Index,
		Length:      req.Length,
		Timeout:     controlTransferTimeoutMS,
		Data:        dataPtr,
	})
	if err != nil {
		return fmt.Errorf("usbhost: control transfer failed: %w", err)
	}

	if !hostToDevice && req.Data != nil && len(buf) > 0 {
		if n > len(buf) {
			n = len(buf)
		}
		if err := dma.WriteBulk(*req.Data, buf[:n]); err != nil {
			return fmt.Errorf("usbhost: stage IN data: %w", err)
		}
	}
	return nil
}

// EnableEndpoint spawns a worker driving this endpoint's transfer ring
// through USBDEVFS_BULK.
func (d *Device) EnableEndpoint(info xhci.EndpointWorkerInfo, kind xhci.EndpointType) error {
	address := endpointAddress(info.EndpointID, kind)
	w := xhci.NewEndpointWorker(info, kind, &endpointIO{dev: d, address: address})

	d.mu.Lock()
	d.workers[info.EndpointID] = w
	d.mu.Unlock()

	if info.Supervisor != nil {
		info.Supervisor.Supervise(w)
	} else {
		go w.Run() //nolint:errcheck // no supervisor wired
	}
	return nil
}

func (d *Device) Transfer(endpointID uint8) {
	d.mu.Lock()
	w := d.workers[endpointID]
	d.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}

// endpointAddress derives the USB endpoint address (7-bit number plus
// direction bit 7) from the xHCI Endpoint ID, which packs direction
// into its own low bit (spec §6.2.3: DCI = (endpoint number * 2) +
// direction, where IN = 1).
func endpointAddress(endpointID uint8, kind xhci.EndpointType) uint8 {
	number := endpointID >> 1
	switch kind {
	case xhci.EndpointTypeBulkIn, xhci.EndpointTypeInterruptIn:
		return number | 0x80
	default:
		return number
	}
}

// endpointIO drives one endpoint's bulk or interrupt pipe, implementing
// xhci.EndpointIO against USBDEVFS_BULK.
type endpointIO struct {
	dev     *Device
	address uint8
}

func (io *endpointIO) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, err := submitBulk(io.dev.fd, bulkTransfer{
		Endpoint: uint32(io.address),
		Length:   uint32(len(data)),
		Timeout:  bulkTransferTimeoutMS,
		Data:     uintptr(unsafe.Pointer(&data[0])),
	})
	if err != nil {
		return fmt.Errorf("usbhost: bulk OUT failed: %w", err)
	}
	return nil
}

func (io *endpointIO) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := submitBulk(io.dev.fd, bulkTransfer{
		Endpoint: uint32(io.address),
		Length:   uint32(len(buf)),
		Timeout:  bulkTransferTimeoutMS,
		Data:     uintptr(unsafe.Pointer(&buf[0])),
	})
	if err != nil {
		return 0, fmt.Errorf("usbhost: bulk IN failed: %w", err)
	}
	return n, nil
}

var _ xhci.RealDevice = (*Device)(nil)
