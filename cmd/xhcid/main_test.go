package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/xhcid/internal/xhci"
)

func TestDeviceFlagAccumulatesPaths(t *testing.T) {
	var d deviceFlag

	if err := d.Set("/dev/bus/usb/001/004"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := d.Set("/dev/bus/usb/001/005"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if len(d) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(d))
	}
	if d[0].Path != "/dev/bus/usb/001/004" || d[0].Speed != "" {
		t.Fatalf("unexpected first entry: %+v", d[0])
	}

	want := "/dev/bus/usb/001/004,/dev/bus/usb/001/005"
	if got := d.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseExpectedSpeed(t *testing.T) {
	cases := []struct {
		label string
		want  xhci.Speed
		ok    bool
	}{
		{"low", xhci.SpeedLow, true},
		{"Full", xhci.SpeedFull, true},
		{"HIGH", xhci.SpeedHigh, true},
		{"super", xhci.SpeedSuper, true},
		{"super-plus", xhci.SpeedSuperPlus, true},
		{"superplus", xhci.SpeedSuperPlus, true},
		{"warp-speed", 0, false},
		{"", 0, false},
	}

	for _, c := range cases {
		got, ok := parseExpectedSpeed(c.label)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("parseExpectedSpeed(%q) = (%v, %v), want (%v, %v)", c.label, got, ok, c.want, c.ok)
		}
	}
}

func TestNewLoggerVerbosityMapping(t *testing.T) {
	cases := []struct {
		verbosity int
		want      int
	}{
		{0, 0},
		{1, -4},
		{2, -8},
		{5, -8},
	}

	for _, c := range cases {
		log := newLogger(c.verbosity)
		if log == nil {
			t.Fatalf("newLogger(%d) returned nil", c.verbosity)
		}
		if !log.Enabled(nil, levelTrace) && c.verbosity >= 2 {
			t.Errorf("newLogger(%d): expected trace level enabled", c.verbosity)
		}
		if !log.Enabled(nil, slog.Level(c.want)) || log.Enabled(nil, slog.Level(c.want-1)) {
			t.Errorf("newLogger(%d): expected minimum enabled level %d", c.verbosity, c.want)
		}
	}
}

func TestLoadAttachConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attach.yaml")
	contents := "- path: /dev/bus/usb/001/002\n  speed: high\n- path: /dev/bus/usb/001/003\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	specs, err := loadAttachConfig(path)
	if err != nil {
		t.Fatalf("loadAttachConfig: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Path != "/dev/bus/usb/001/002" || specs[0].Speed != "high" {
		t.Fatalf("unexpected first spec: %+v", specs[0])
	}
	if specs[1].Path != "/dev/bus/usb/001/003" || specs[1].Speed != "" {
		t.Fatalf("unexpected second spec: %+v", specs[1])
	}
}

func TestLoadAttachConfigMissingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attach.yaml")
	if err := os.WriteFile(path, []byte("- speed: high\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadAttachConfig(path); err == nil {
		t.Fatal("expected an error for a missing path field")
	}
}

func TestLoadAttachConfigUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadAttachConfig(filepath.Join(dir, "does-not-exist.yaml")); err == nil {
		t.Fatal("expected an error for a nonexistent attach-config file")
	}
}
