package usbhost

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"
)

// TestCtrlTransferLayoutMatchesKernelStruct guards against an
// accidental field reorder breaking the binary layout
// USBDEVFS_CONTROL expects (struct usbdevfs_ctrltransfer is 24 bytes
// on a 64-bit kernel: 8 header bytes, a 4-byte timeout, 4 bytes of
// alignment padding, then an 8-byte data pointer).
func TestCtrlTransferLayoutMatchesKernelStruct(t *testing.T) {
	if unsafe.Sizeof(ctrlTransfer{}) != 24 {
		t.Fatalf("ctrlTransfer size = %d, want 24", unsafe.Sizeof(ctrlTransfer{}))
	}
	if off := unsafe.Offsetof(ctrlTransfer{}.Data); off != 16 {
		t.Fatalf("ctrlTransfer.Data offset = %d, want 16", off)
	}
}

func TestBulkTransferLayoutMatchesKernelStruct(t *testing.T) {
	if unsafe.Sizeof(bulkTransfer{}) != 24 {
		t.Fatalf("bulkTransfer size = %d, want 24", unsafe.Sizeof(bulkTransfer{}))
	}
	if off := unsafe.Offsetof(bulkTransfer{}.Data); off != 16 {
		t.Fatalf("bulkTransfer.Data offset = %d, want 16", off)
	}
}

func TestReadSysfsHex16(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idVendor")
	if err := os.WriteFile(path, []byte("1d6b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := readSysfsHex16(path)
	if err != nil {
		t.Fatalf("readSysfsHex16: %v", err)
	}
	if v != 0x1d6b {
		t.Fatalf("got %#x, want 0x1d6b", v)
	}
}

func TestReadSysfsDec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busnum")
	if err := os.WriteFile(path, []byte("003\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := readSysfsDec(path)
	if err != nil {
		t.Fatalf("readSysfsDec: %v", err)
	}
	if v != 3 {
		t.Fatalf("got %d, want 3", v)
	}
}

func TestFindByVidPidNoMatch(t *testing.T) {
	// findByVidPid reads a fixed sysfs path; with no device matching
	// an implausible vendor/product pair it must return an error
	// rather than a zero-value path.
	if _, err := findByVidPid(0xffff, 0xffff); err == nil {
		t.Fatal("expected an error when no device matches")
	}
}
