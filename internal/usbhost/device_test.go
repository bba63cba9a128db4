package usbhost

import (
	"testing"

	"github.com/tinyrange/xhcid/internal/xhci"
)

func TestEndpointAddressEncodesDirection(t *testing.T) {
	cases := []struct {
		endpointID uint8
		kind       xhci.EndpointType
		want       uint8
	}{
		{endpointID: 2, kind: xhci.EndpointTypeBulkOut, want: 1},
		{endpointID: 3, kind: xhci.EndpointTypeBulkIn, want: 1 | 0x80},
		{endpointID: 5, kind: xhci.EndpointTypeInterruptIn, want: 2 | 0x80},
		{endpointID: 4, kind: xhci.EndpointTypeBulkOut, want: 2},
	}

	for _, c := range cases {
		got := endpointAddress(c.endpointID, c.kind)
		if got != c.want {
			t.Errorf("endpointAddress(%d, %v) = %#x, want %#x", c.endpointID, c.kind, got, c.want)
		}
	}
}

func TestEndpointIOWriteNoopOnEmptyBuffer(t *testing.T) {
	io := &endpointIO{}
	if err := io.Write(nil); err != nil {
		t.Fatalf("expected nil error on empty write, got %v", err)
	}
}

func TestEndpointIOReadNoopOnEmptyBuffer(t *testing.T) {
	io := &endpointIO{}
	n, err := io.Read(nil)
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil) on empty read, got (%d, %v)", n, err)
	}
}
