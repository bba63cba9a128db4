// Package usbhost implements xhci.RealDevice against a physical USB
// device reachable through the host's usbfs device nodes
// (/dev/bus/usb/BBB/DDD), driven directly with USBDEVFS_* ioctls. No
// cgo and no host USB library: the kernel's usbfs is itself the only
// dependency, the same way Linux USB tooling talks to a device node
// without going through libusb.
package usbhost

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// USBDEVFS_* ioctl request codes (linux/usbdevice_fs.h), fixed values
// on every architecture that supports usbfs.
const (
	usbdevfsControl          = 0xc0185500
	usbdevfsBulk             = 0xc0185502
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsGetSpeed         = 0x8004551f
)

// usbdevfsSpeed mirrors the kernel's enum usb_device_speed, as
// returned by USBDEVFS_GET_SPEED.
const (
	usbdevfsSpeedUnknown = iota
	usbdevfsSpeedLow
	usbdevfsSpeedFull
	usbdevfsSpeedHigh
	usbdevfsSpeedWireless
	usbdevfsSpeedSuper
	usbdevfsSpeedSuperPlus
)

// ctrlTransfer mirrors struct usbdevfs_ctrltransfer. Data points at a
// host buffer the kernel reads from (OUT) or writes into (IN); Go's
// compiler aligns the trailing uintptr field to 8 bytes on its own, the
// same layout the kernel struct has.
type ctrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        uintptr
}

// bulkTransfer mirrors struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     uintptr
}

func unixOpen(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR, 0)
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func claimInterface(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	_, err := ioctl(fd, usbdevfsClaimInterface, unsafe.Pointer(&ifaceNum))
	return err
}

func releaseInterface(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	_, err := ioctl(fd, usbdevfsReleaseInterface, unsafe.Pointer(&ifaceNum))
	return err
}

func getSpeed(fd int) (uint32, error) {
	var speed uint32
	_, err := ioctl(fd, usbdevfsGetSpeed, unsafe.Pointer(&speed))
	return speed, err
}

func submitControl(fd int, req ctrlTransfer) (int, error) {
	n, err := ioctl(fd, usbdevfsControl, unsafe.Pointer(&req))
	return int(n), err
}

func submitBulk(fd int, req bulkTransfer) (int, error) {
	n, err := ioctl(fd, usbdevfsBulk, unsafe.Pointer(&req))
	return int(n), err
}
