// Command xhcid is the vfio-user backend-program entrypoint: it builds
// one XHCI controller, attaches the USB devices named on the command
// line, and serves vfio-user callbacks for it: with --fd until that
// client connection ends, with --socket-path one client after another
// until accepting a connection fails.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/xhcid/internal/bus"
	"github.com/tinyrange/xhcid/internal/usbhost"
	"github.com/tinyrange/xhcid/internal/usbpcap"
	"github.com/tinyrange/xhcid/internal/vfiouser"
	"github.com/tinyrange/xhcid/internal/xhci"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deviceSpec names one USB device to attach at boot, optionally with
// the speed the operator expects it to negotiate at (attach-config
// entries only; a bare --device flag has no expected speed to check).
type deviceSpec struct {
	Path  string
	Speed string
}

// deviceFlag accumulates repeated --device PATH flags into deviceSpecs
// with no expected speed.
type deviceFlag []deviceSpec

func (d *deviceFlag) String() string {
	paths := make([]string, len(*d))
	for i, s := range *d {
		paths[i] = s.Path
	}
	return strings.Join(paths, ",")
}

func (d *deviceFlag) Set(v string) error {
	*d = append(*d, deviceSpec{Path: v})
	return nil
}

func run() error {
	var (
		socketPath   string
		fdFlag       int
		devices      deviceFlag
		pcapDir      string
		verbosity    int
		attachConfig string
	)

	flag.StringVar(&socketPath, "socket-path", "", "Unix domain socket path to create and listen on")
	flag.IntVar(&fdFlag, "fd", -1, "a pre-opened file descriptor to serve on")
	flag.Var(&devices, "device", "path under /dev/bus/usb to attach at boot (repeatable)")
	flag.StringVar(&pcapDir, "pcap-dir", "", "directory for the USB capture file (directory and file are created at startup)")
	flag.StringVar(&attachConfig, "attach-config", "", "YAML file listing additional {path, speed} devices to attach")
	flag.BoolFunc("v", "increase log verbosity, repeatable up to 2 (INFO -> DEBUG -> TRACE)", func(string) error {
		verbosity++
		return nil
	})
	flag.Parse()

	haveSocket := socketPath != ""
	haveFD := fdFlag >= 0
	if haveSocket == haveFD {
		if haveSocket {
			return fmt.Errorf("xhcid: --socket-path and --fd are mutually exclusive")
		}
		return fmt.Errorf("xhcid: one of --socket-path or --fd is required")
	}

	log := newLogger(verbosity)

	if attachConfig != "" {
		extra, err := loadAttachConfig(attachConfig)
		if err != nil {
			return fmt.Errorf("xhcid: %w", err)
		}
		devices = append(devices, extra...)
	}

	// The guest's entire physical address space, mapped piecewise as
	// dma_map callbacks arrive; nothing is backed until a region is
	// mapped, so sizing this at the full 64-bit range costs nothing.
	guestMem := bus.NewDynamicBus(^uint64(0), log)

	forwarder := &irqForwarder{}
	controller, err := xhci.NewXhciController(guestMem, forwarder, log)
	if err != nil {
		return fmt.Errorf("xhcid: %w", err)
	}

	if pcapDir != "" {
		tracer, closeSink, err := openPcapSink(pcapDir, log)
		if err != nil {
			return fmt.Errorf("xhcid: %w", err)
		}
		defer closeSink()
		controller.SetTracer(tracer)
	}

	for _, spec := range devices {
		if err := attachDevice(controller, spec, log); err != nil {
			return fmt.Errorf("xhcid: %w", err)
		}
	}

	backend := vfiouser.NewBackend(controller, controller, guestMem, log)
	forwarder.backend = backend

	if haveFD {
		return backend.Serve(fdFlag)
	}
	return backend.Listen(socketPath)
}

// levelTrace sits one tier below slog's Debug level, reached by the
// second repetition of -v.
const levelTrace = slog.Level(-8)

func newLogger(verbosity int) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case verbosity >= 2:
		level = levelTrace
	case verbosity == 1:
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// irqForwarder breaks the construction cycle between XhciController
// (which needs an IRQSender at NewXhciController time) and
// vfiouser.Backend (which needs the controller as its RegionProvider/
// Resetter): the controller is built against this forwarder first, and
// backend is assigned into it once the real Backend exists.
type irqForwarder struct {
	backend *vfiouser.Backend
}

func (f *irqForwarder) SignalMSIX(vector uint16) error {
	if f.backend == nil {
		return nil
	}
	return f.backend.SignalMSIX(vector)
}

// attachConfigEntry is one element of an --attach-config YAML file: a
// list of {path, speed} device descriptors.
type attachConfigEntry struct {
	Path  string `yaml:"path"`
	Speed string `yaml:"speed"`
}

func loadAttachConfig(path string) ([]deviceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attach-config %s: %w", path, err)
	}
	var entries []attachConfigEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse attach-config %s: %w", path, err)
	}
	specs := make([]deviceSpec, 0, len(entries))
	for i, e := range entries {
		if e.Path == "" {
			return nil, fmt.Errorf("attach-config %s: entry %d missing path", path, i)
		}
		specs = append(specs, deviceSpec{Path: e.Path, Speed: e.Speed})
	}
	return specs, nil
}

// parseExpectedSpeed maps an attach-config speed label to the xhci
// speed it names, for the attach-time sanity check against what the
// device actually negotiates.
func parseExpectedSpeed(s string) (xhci.Speed, bool) {
	switch strings.ToLower(s) {
	case "low":
		return xhci.SpeedLow, true
	case "full":
		return xhci.SpeedFull, true
	case "high":
		return xhci.SpeedHigh, true
	case "super":
		return xhci.SpeedSuper, true
	case "super-plus", "superplus":
		return xhci.SpeedSuperPlus, true
	default:
		return 0, false
	}
}

func attachDevice(c *xhci.XhciController, spec deviceSpec, log *slog.Logger) error {
	dev, err := usbhost.OpenPath(spec.Path, log)
	if err != nil {
		return fmt.Errorf("open %s: %w", spec.Path, err)
	}

	if spec.Speed != "" {
		if want, ok := parseExpectedSpeed(spec.Speed); ok {
			if got, ok := dev.Speed(); ok && got != want {
				log.Warn("xhcid: device negotiated a different speed than attach-config expected",
					"path", spec.Path, "expected", want, "actual", got)
			}
		} else {
			log.Warn("xhcid: attach-config speed not recognized", "path", spec.Path, "speed", spec.Speed)
		}
	}

	port, err := c.SetDevice(dev)
	if err != nil {
		dev.Close()
		return fmt.Errorf("attach %s: %w", spec.Path, err)
	}
	log.Info("xhcid: attached device", "path", spec.Path, "port", port)
	return nil
}

// defaultSnapLen bounds how much of each transfer's payload is
// captured; long bulk transfers are truncated in the trace the same
// way tcpdump's -s flag truncates packets.
const defaultSnapLen = 65536

func openPcapSink(dir string, log *slog.Logger) (*pcapTracer, func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create pcap-dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("xhcid-%d.pcap", os.Getpid()))
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create capture file %s: %w", path, err)
	}

	w := usbpcap.NewWriter(f)
	if err := w.WriteFileHeader(defaultSnapLen); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("write capture header %s: %w", path, err)
	}
	log.Info("xhcid: writing USB capture", "path", path)

	tracer := &pcapTracer{w: w, log: log}
	closeFn := func() {
		if err := f.Close(); err != nil {
			log.Warn("xhcid: close capture file", "error", err)
		}
	}
	return tracer, closeFn, nil
}

// pcapTracer adapts xhci.TraceEvent to usbpcap.Record, bridging the
// controller's capture hook to the pcap sink without either package
// depending on the other.
type pcapTracer struct {
	mu     sync.Mutex
	w      *usbpcap.Writer
	log    *slog.Logger
	nextID uint64
}

func (p *pcapTracer) Trace(e xhci.TraceEvent) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	transferType := usbpcap.TransferBulk
	if e.Control {
		transferType = usbpcap.TransferControl
	}

	record := usbpcap.Record{
		ID:             id,
		Event:          usbpcap.EventComplete,
		Transfer:       transferType,
		EndpointNumber: e.EndpointID >> 1, // Endpoint ID is endpoint number * 2 + direction
		DirectionIn:    e.DirectionIn,
		DeviceAddress:  e.SlotID,
		Timestamp:      time.Now(),
		Status:         e.Status,
		RequestLength:  uint32(len(e.Data)),
		DataPresent:    len(e.Data) > 0,
		Data:           e.Data,
	}
	if err := p.w.WriteRecord(record); err != nil {
		p.log.Warn("xhcid: write capture record failed", "error", err)
	}
}
