package dmamem

import (
	"os"
	"testing"

	"github.com/tinyrange/xhcid/internal/bus"
)

func newTestSegment(t *testing.T, size int, mode AccessMode) *Segment {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "seg")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}
	seg, err := Map(int(f.Fd()), 0, size, mode)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { seg.Unmap() })
	return seg
}

func TestSegmentReadWriteRoundTrip(t *testing.T) {
	seg := newTestSegment(t, 0x1000, ReadWrite)

	if err := seg.Write(bus.Request{Address: 0x10, Size: bus.Size4}, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	v, err := seg.Read(bus.Request{Address: 0x10, Size: bus.Size4})
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("got 0x%x", v)
	}
}

func TestSegmentReadOnlyDropsWrites(t *testing.T) {
	seg := newTestSegment(t, 0x1000, ReadOnly)

	if err := seg.Write(bus.Request{Address: 0, Size: bus.Size8}, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	v, err := seg.Read(bus.Request{Address: 0, Size: bus.Size8})
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected write to be dropped, got 0x%x", v)
	}
}

func TestSegmentBulkRoundTrip(t *testing.T) {
	seg := newTestSegment(t, 0x1000, ReadWrite)
	in := make([]byte, 37)
	for i := range in {
		in[i] = byte(i)
	}
	if err := seg.WriteBulk(0x20, in); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, len(in))
	if err := seg.ReadBulk(0x20, out); err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("byte %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestSegmentOutOfBounds(t *testing.T) {
	seg := newTestSegment(t, 0x10, ReadWrite)
	if _, err := seg.Read(bus.Request{Address: 0x10, Size: bus.Size1}); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}
