// Package sniffer is the embedding adapter: it wires the capture driver,
// packet decoder, TCP reassembler, and HTTP stream parser into one pipeline
// and exposes the lifecycle surface an embedding host uses --
// Start/Stop/IsRunning/GetLastError -- bridging pipeline-goroutine emissions
// to a host-supplied callback across a bounded, non-blocking channel.
package sniffer

import (
	"context"
	"sync"
	"time"

	"github.com/stethoscope-sidecar/httpwatch/internal/capture"
	"github.com/stethoscope-sidecar/httpwatch/internal/decoder"
	"github.com/stethoscope-sidecar/httpwatch/internal/httpstream"
	"github.com/stethoscope-sidecar/httpwatch/internal/logging"
	"github.com/stethoscope-sidecar/httpwatch/internal/reassembly"
)

// timestampLayout is the wall-clock format every emitted Message is stamped
// with: "YYYY-MM-DDTHH:MM:SS.mmmZ".
const timestampLayout = "2006-01-02T15:04:05.000Z"

const defaultCallbackBufferSize = 1024

// Adapter owns one running pipeline instance. Starting an Adapter twice is
// an error, not a no-op -- this mirrors the native addon's global-singleton
// contract (only one capture session per process).
type Adapter struct {
	mu      sync.Mutex
	running bool
	lastErr error

	cfg Config
	log logging.Logger

	driver *capture.Driver
	reasm  *reassembly.Reassembler

	parsersMu sync.Mutex
	parsers   map[string]*directionParsers

	onMessage  func(Message)
	callbackCh chan Message
	callbackWG sync.WaitGroup

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

type directionParsers struct {
	c2s *httpstream.Parser
	s2c *httpstream.Parser
}

// New builds an unstarted Adapter. Most embedders use the package-level
// Start/Stop/IsRunning/GetLastError instead, which operate on a shared
// default instance; New is for hosts that want more than one independent
// pipeline in the same process (e.g. tests).
func New() *Adapter {
	return &Adapter{}
}

// Start opens the capture interface and begins the pipeline. onMessage is
// invoked from a single dedicated goroutine (never concurrently, never
// overlapping with itself) for every parsed HTTP message; it must not
// block for long, since the callback bridge channel is bounded and newer
// messages are dropped (and logged) once it's full.
func (a *Adapter) Start(cfg Config, onMessage func(Message)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		err := newError(CodeUnrecoverable, "capture already running")
		a.lastErr = err
		return err
	}

	a.cfg = cfg
	a.onMessage = onMessage
	a.log = logging.New(cfg.LogLevel, nil)
	a.parsers = make(map[string]*directionParsers)

	bufSize := cfg.CallbackBufferSize
	if bufSize <= 0 {
		bufSize = defaultCallbackBufferSize
	}
	a.callbackCh = make(chan Message, bufSize)

	a.reasm = reassembly.New(reassembly.Config{
		Ports:          cfg.Ports,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout,
	}, reassemblyLoggerAdapter{a.log}, a.onReassembled)

	a.driver = capture.New(capture.Config{
		Interface: cfg.Interface,
		Ports:     cfg.Ports,
	}, captureLoggerAdapter{a.log})
	a.driver.OnFrame = a.onFrame
	a.driver.OnFatalError = a.onCaptureFatal

	if err := a.driver.Start(); err != nil {
		wrapped := newError(CodeCaptureOpenFailed, err.Error())
		a.lastErr = wrapped
		return wrapped
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	a.sweepWG.Add(1)
	go a.sweepLoop(sweepCtx)

	a.callbackWG.Add(1)
	go a.drainCallbacks()

	a.running = true
	a.lastErr = nil
	return nil
}

// Stop halts capture, drains in-flight work, and returns end-of-run capture
// counters. Calling Stop on a pipeline that was never started is a no-op
// that returns zero counters, matching the native reference's tolerance for
// a stop-before-start call.
func (a *Adapter) Stop() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return Stats{}
	}

	capStats := a.driver.Stop()

	a.sweepCancel()
	a.sweepWG.Wait()

	close(a.callbackCh)
	a.callbackWG.Wait()

	a.running = false
	return Stats{
		PacketsReceived:  capStats.PacketsReceived,
		PacketsDropped:   capStats.PacketsDropped,
		PacketsIfDropped: capStats.PacketsIfDropped,
	}
}

// IsRunning reports whether the pipeline is currently active.
func (a *Adapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// GetLastError returns the most recent error recorded by Start or by a
// mid-run capture loop failure, or nil.
func (a *Adapter) GetLastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastErr == nil {
		return nil
	}
	return a.lastErr
}

// onCaptureFatal is invoked on the capture goroutine when its receive loop
// exits from a non-timeout read error. It flips the pipeline to stopped and
// records an UNRECOVERABLE error, per the capture loop's failure model; no
// partial messages are flushed. The capture driver has already released
// its own handle, so this only tears down the sweep and callback-drain
// goroutines that still belong to this Adapter.
func (a *Adapter) onCaptureFatal(err error) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.lastErr = newError(CodeUnrecoverable, err.Error())
	a.mu.Unlock()

	a.log.Errorf("capture loop failed, pipeline stopped: %v", err)
	a.sweepCancel()
	a.sweepWG.Wait()
	close(a.callbackCh)
	a.callbackWG.Wait()
}

func (a *Adapter) sweepLoop(ctx context.Context) {
	defer a.sweepWG.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reasm.Sweep(time.Now())
		}
	}
}

// onFrame is called on the capture goroutine for every raw frame.
func (a *Adapter) onFrame(data []byte, ts time.Time) {
	seg, ok := decoder.Decode(data)
	if !ok {
		return
	}
	a.reasm.Push(seg, ts)
}

// onReassembled is called synchronously from within Reassembler.Push for
// every ordered, contiguous chunk ready for HTTP parsing.
func (a *Adapter) onReassembled(chunk reassembly.Chunk, now time.Time) {
	parser := a.parserFor(chunk.Key, chunk.Direction)
	msgs := parser.Feed(chunk.Payload)
	for _, m := range msgs {
		a.emit(chunk, m, now)
	}
}

func (a *Adapter) parserFor(key string, dir reassembly.Direction) *httpstream.Parser {
	a.parsersMu.Lock()
	defer a.parsersMu.Unlock()

	dp, ok := a.parsers[key]
	if !ok {
		dp = &directionParsers{
			c2s: httpstream.New(a.cfg.MaxBodySize),
			s2c: httpstream.New(a.cfg.MaxBodySize),
		}
		a.parsers[key] = dp
	}
	if dir == reassembly.ClientToServer {
		return dp.c2s
	}
	return dp.s2c
}

func (a *Adapter) emit(chunk reassembly.Chunk, m httpstream.Message, now time.Time) {
	direction := "request"
	if m.IsResponse {
		direction = "response"
	}

	msg := Message{
		ConnectionKey: chunk.Key,
		Receiver:      Endpoint{IP: chunk.ReceiverIP, Port: chunk.ReceiverPort},
		Destination:   Endpoint{IP: chunk.DestIP, Port: chunk.DestPort},
		Direction:     direction,
		Method:        m.Method,
		Path:          m.Path,
		StatusCode:    m.StatusCode,
		Headers:       m.Headers,
		BodyTruncated: m.Truncated,
		Timestamp:     time.Now().UTC().Format(timestampLayout),
	}
	if m.BodyEncoding == httpstream.EncodingBinary {
		msg.BodyEncoding = string(httpstream.EncodingBinary)
	} else if m.BodyEncoding == httpstream.EncodingUTF8 {
		msg.Body = string(m.Body)
	}

	select {
	case a.callbackCh <- msg:
	default:
		a.log.Warnf("dropping message; callback buffer full key=%s direction=%s", chunk.Key, direction)
	}
}

// drainCallbacks is the single goroutine that ever calls onMessage, so the
// host never sees concurrent or reentrant callback invocations.
func (a *Adapter) drainCallbacks() {
	defer a.callbackWG.Done()
	for msg := range a.callbackCh {
		if a.onMessage != nil {
			a.onMessage(msg)
		}
	}
}

type captureLoggerAdapter struct{ l logging.Logger }

func (c captureLoggerAdapter) Debugf(f string, a ...interface{}) { c.l.Debugf(f, a...) }
func (c captureLoggerAdapter) Infof(f string, a ...interface{})  { c.l.Infof(f, a...) }
func (c captureLoggerAdapter) Warnf(f string, a ...interface{})  { c.l.Warnf(f, a...) }
func (c captureLoggerAdapter) Errorf(f string, a ...interface{}) { c.l.Errorf(f, a...) }

type reassemblyLoggerAdapter struct{ l logging.Logger }

func (r reassemblyLoggerAdapter) Debugf(f string, a ...interface{}) { r.l.Debugf(f, a...) }
func (r reassemblyLoggerAdapter) Infof(f string, a ...interface{})  { r.l.Infof(f, a...) }
func (r reassemblyLoggerAdapter) Warnf(f string, a ...interface{})  { r.l.Warnf(f, a...) }
func (r reassemblyLoggerAdapter) Errorf(f string, a ...interface{}) { r.l.Errorf(f, a...) }

var (
	defaultMu      sync.Mutex
	defaultAdapter *Adapter
)

// Start runs the shared default pipeline instance. Calling it while already
// running returns an UNRECOVERABLE error without disturbing the running
// pipeline.
func Start(cfg Config, onMessage func(Message)) error {
	defaultMu.Lock()
	if defaultAdapter == nil {
		defaultAdapter = New()
	}
	a := defaultAdapter
	defaultMu.Unlock()
	return a.Start(cfg, onMessage)
}

// Stop halts the shared default pipeline instance.
func Stop() Stats {
	defaultMu.Lock()
	a := defaultAdapter
	defaultMu.Unlock()
	if a == nil {
		return Stats{}
	}
	return a.Stop()
}

// IsRunning reports whether the shared default pipeline instance is active.
func IsRunning() bool {
	defaultMu.Lock()
	a := defaultAdapter
	defaultMu.Unlock()
	if a == nil {
		return false
	}
	return a.IsRunning()
}

// GetLastError returns the shared default pipeline instance's last error.
func GetLastError() error {
	defaultMu.Lock()
	a := defaultAdapter
	defaultMu.Unlock()
	if a == nil {
		return nil
	}
	return a.GetLastError()
}
