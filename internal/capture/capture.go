// Package capture drives the live pcap loop: it opens an interface, installs
// a BPF filter for the configured TCP ports, and feeds raw frame bytes to a
// decode callback. Decoding itself is not this package's job -- see
// internal/decoder -- this package only gets bytes off the wire.
package capture

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Logger is the small leveled interface every component logs through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// Config describes what to capture.
type Config struct {
	// Interface is the device name to open in live mode (e.g. "eth0").
	Interface string
	// Ports restricts capture to TCP traffic on these ports via BPF.
	Ports []int
	// SnapLen bounds how many bytes of each frame are captured.
	SnapLen int32
}

// Stats mirrors the kernel capture buffer counters exposed by pcap_stats.
type Stats struct {
	PacketsReceived  int
	PacketsDropped   int
	PacketsIfDropped int
}

// handleSource abstracts over *pcap.Handle so tests can substitute a
// synthetic packet source built from a pcap fixture.
type handleSource interface {
	gopacket.PacketDataSource
	SetBPFFilter(expr string) error
	Stats() (*pcap.Stats, error)
	Close()
	LinkType() int
}

// Driver owns the live capture goroutine and exposes frame bytes through
// OnFrame.
type Driver struct {
	cfg Config
	log Logger

	// OnFrame is invoked for every captured frame's raw bytes, on the
	// capture goroutine. It must not block.
	OnFrame func(data []byte, ts time.Time)

	// OnFatalError is invoked on the capture goroutine when the receive
	// loop exits because of an unrecoverable read error, distinct from a
	// clean Stop(). It must not block. After this fires, IsRunning
	// reports false and the caller's next Stop() is a no-op -- the loop
	// has already released its handle.
	OnFatalError func(err error)

	openLive func(device string, snaplen int32) (handleSource, error)

	mu       sync.Mutex
	handle   handleSource
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	fatalErr error
}

// New builds a Driver against a live interface via libpcap.
func New(cfg Config, log Logger) *Driver {
	if log == nil {
		log = noopLogger{}
	}
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = 65535
	}
	d := &Driver{cfg: cfg, log: log}
	d.openLive = func(device string, snaplen int32) (handleSource, error) {
		// A bounded read timeout, not BlockForever, is what lets loop's
		// ReadPacketData return periodically on an idle interface so it can
		// observe ctx.Done() and exit promptly on Stop -- BlockForever would
		// leave the goroutine parked in the read until a packet arrives,
		// which on an idle interface can be never.
		h, err := pcap.OpenLive(device, snaplen, true, readTimeout)
		if err != nil {
			return nil, err
		}
		return pcapHandle{h}, nil
	}
	return d
}

// readTimeout bounds how long a single ReadPacketData call can block, so the
// capture loop returns within one link-layer receive timeout of Stop being
// called, per the capture contract.
const readTimeout = 1 * time.Second

// pcapHandle adapts *pcap.Handle to handleSource (LinkType returns the
// handle's layers.LinkType value converted to an int).
type pcapHandle struct{ h *pcap.Handle }

func (p pcapHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) { return p.h.ReadPacketData() }
func (p pcapHandle) SetBPFFilter(expr string) error                       { return p.h.SetBPFFilter(expr) }
func (p pcapHandle) Stats() (*pcap.Stats, error)                          { return p.h.Stats() }
func (p pcapHandle) Close()                                               { p.h.Close() }
func (p pcapHandle) LinkType() int                                        { return int(p.h.LinkType()) }

// BuildBPFFilter joins configured ports into the "tcp port P1 or tcp port
// P2 ..." expression libpcap expects. An empty port list captures all TCP.
func BuildBPFFilter(ports []int) string {
	if len(ports) == 0 {
		return "tcp"
	}
	clauses := make([]string, 0, len(ports))
	for _, p := range ports {
		clauses = append(clauses, "tcp port "+strconv.Itoa(p))
	}
	return strings.Join(clauses, " or ")
}

// Start opens the interface, installs the BPF filter, and begins reading
// frames on a background goroutine. Returns an error satisfying the
// CAPTURE_OPEN_FAILED taxonomy if the device can't be opened or the filter
// is rejected.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("capture: already started")
	}

	device := d.cfg.Interface
	if device == "" {
		// Empty means "all interfaces"; libpcap's sentinel device for that
		// is the literal name "any".
		device = "any"
	}

	handle, err := d.openLive(device, d.cfg.SnapLen)
	if err != nil {
		return fmt.Errorf("capture: open interface %q: %w", device, err)
	}

	filter := BuildBPFFilter(d.cfg.Ports)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return fmt.Errorf("capture: bpf filter %q: %w", filter, err)
	}

	d.log.Infof("startup interface=%s filter=%q snaplen=%d", device, filter, d.cfg.SnapLen)

	ctx, cancel := context.WithCancel(context.Background())
	d.handle = handle
	d.cancel = cancel
	d.started = true

	d.wg.Add(1)
	go d.loop(ctx, handle)
	return nil
}

func (d *Driver) loop(ctx context.Context, handle handleSource) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		data, ci, err := handle.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			d.fail(handle, err)
			return
		}
		if d.OnFrame != nil {
			d.OnFrame(data, ci.Timestamp)
		}
	}
}

// fail records a mid-run receive error as unrecoverable: the handle this
// loop owns is released immediately (Stop, if called afterward, has nothing
// left to close) and the caller is notified via OnFatalError.
func (d *Driver) fail(handle handleSource, err error) {
	d.mu.Lock()
	d.started = false
	d.fatalErr = err
	d.handle = nil
	d.mu.Unlock()

	handle.Close()
	d.log.Errorf("capture loop failed: %v", err)
	if d.OnFatalError != nil {
		d.OnFatalError(err)
	}
}

// Stop halts the capture goroutine, closes the handle, and returns the final
// kernel capture counters. Calling Stop when nothing was started, or after
// the loop has already exited via a fatal error, is a no-op that returns
// zero counters.
func (d *Driver) Stop() Stats {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return Stats{}
	}
	handle := d.handle
	cancel := d.cancel
	d.started = false
	d.handle = nil
	d.mu.Unlock()

	var stats Stats
	if handle != nil {
		if s, err := handle.Stats(); err == nil && s != nil {
			stats = Stats{
				PacketsReceived:  s.PacketsReceived,
				PacketsDropped:   s.PacketsDropped,
				PacketsIfDropped: s.PacketsIfDropped,
			}
		}
	}

	cancel()
	d.wg.Wait()
	if handle != nil {
		handle.Close()
	}
	return stats
}

// LastError returns the error recorded by a fatal loop failure, or nil.
func (d *Driver) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatalErr
}

// IsRunning reports whether the capture goroutine is active.
func (d *Driver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}
