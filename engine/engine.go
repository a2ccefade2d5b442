// Package engine hosts the Fsm's dedicated thread and exposes the
// caller-facing surface spec.md §4.5 describes: construction from a
// device spec and options, start/stop, open/close, enqueueing sends, and
// the small amount of state (recently observed telegrams) a CLI or other
// embedding application needs that the core otherwise has no reason to
// keep.
package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ebus-go/ebusgo/device"
	"github.com/ebus-go/ebusgo/dump"
	"github.com/ebus-go/ebusgo/ebuserr"
	"github.com/ebus-go/ebusgo/fsm"
	"github.com/ebus-go/ebusgo/telegram"
)

// DefaultActiveCap is the number of most-recently-observed telegrams
// Active() retains, per SPEC_FULL.md §7 ("Engine.Active()").
const DefaultActiveCap = 10

// Engine owns exactly one Fsm goroutine (spec.md §5: "exactly one
// dedicated OS thread per Engine"). All exported methods are safe to call
// from any goroutine; the Fsm's own thread is the only one that ever
// touches the Device.
type Engine struct {
	address    byte
	deviceSpec string

	log     logrus.FieldLogger
	metrics *Metrics

	identify fsm.IdentifyFunc
	userPub  fsm.PublishFunc

	mu        sync.Mutex
	cfg       Config
	activeCap int

	dev  device.Device
	f    *fsm.Fsm
	done chan struct{}

	checkStop chan struct{}
	checkDone chan struct{}

	activeMu sync.Mutex
	active   []*telegram.Telegram
}

// New builds an Engine. deviceSpec is a serial tty path (e.g.
// "/dev/ttyUSB0") or a "host:port" TCP proxy address (spec.md §6). The
// Engine is constructed stopped; call Start to spin up its Fsm thread.
func New(address byte, deviceSpec string, cfg Config, log logrus.FieldLogger, identify fsm.IdentifyFunc, publish fsm.PublishFunc) (*Engine, error) {
	if !telegram.IsMaster(address) {
		return nil, fmt.Errorf("engine: %02X is not a valid master address", address)
	}
	if identify == nil {
		return nil, fmt.Errorf("engine: identify callback is required")
	}
	if publish == nil {
		publish = func(*telegram.Telegram) {}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		address:    address,
		deviceSpec: deviceSpec,
		cfg:        cfg,
		log:        log,
		identify:   identify,
		userPub:    publish,
		activeCap:  DefaultActiveCap,
	}, nil
}

// UseMetrics attaches a Prometheus collector; register it with your own
// registry (the Engine does not register itself globally). Must be called
// before Start.
func (e *Engine) UseMetrics(m *Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

func (e *Engine) newDevice() device.Device {
	if strings.Contains(e.deviceSpec, ":") {
		return device.NewTCP(e.deviceSpec)
	}
	return device.NewSerial(e.deviceSpec)
}

// Start builds the Device and Fsm from the current configuration and
// spins up the Fsm's dedicated goroutine. Calling Start while already
// running is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f != nil {
		return nil
	}

	var dumpFile *dump.RawDump
	if e.cfg.Dump {
		if e.cfg.DumpFile == "" {
			return fmt.Errorf("engine: dump enabled without a DumpFile path")
		}
		dumpFile = dump.New(e.cfg.DumpFile, e.cfg.DumpFileMaxSizeKB)
	}

	e.dev = e.newDevice()
	fcfg := fsm.DefaultConfig(e.address)
	if e.cfg.ReopenTime > 0 {
		fcfg.ReopenTime = e.cfg.ReopenTime
	}
	if e.cfg.ArbitrationTime > 0 {
		fcfg.ArbitrationTime = e.cfg.ArbitrationTime
	}
	if e.cfg.ReceiveTimeout > 0 {
		fcfg.ReceiveTimeout = e.cfg.ReceiveTimeout
	}
	if e.cfg.LockCounter > 0 {
		fcfg.LockCounter = e.cfg.LockCounter
	}
	if e.cfg.LockRetries > 0 {
		fcfg.LockRetries = e.cfg.LockRetries
	}
	fcfg.DeviceCheck = e.cfg.DeviceCheck

	publish := e.wrapPublish()
	f := fsm.New(e.dev, fcfg, e.log, e.identify, publish, dumpFile)
	if e.metrics != nil {
		m := e.metrics
		f.OnEvent(func(kind ebuserr.Kind, _ error) { m.observeEvent(kind) })
	}

	e.f = f
	e.done = make(chan struct{})
	go func(f *fsm.Fsm, done chan struct{}) {
		f.Run()
		close(done)
	}(f, e.done)

	if e.cfg.DeviceCheck {
		if checkable, ok := e.dev.(device.Checkable); ok {
			e.checkStop = make(chan struct{})
			e.checkDone = make(chan struct{})
			go e.deviceCheckLoop(checkable, f, e.checkStop, e.checkDone)
		}
	}
	return nil
}

// deviceCheckLoop polls Present on its own ticker, independent of the
// Fsm's own read-timeout-driven reopen path (spec.md §4.3's "device-check
// mode"): a pulled USB-serial adapter otherwise isn't noticed until the
// next read times out, which can be much longer than this tick.
func (e *Engine) deviceCheckLoop(d device.Checkable, f *fsm.Fsm, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(fsm.DefaultDeviceCheckTick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if !d.Present() {
				f.RequestClose()
			}
		}
	}
}

// wrapPublish records into the Active() ring and forwards to the caller's
// publish callback, both still on the Fsm's own goroutine.
func (e *Engine) wrapPublish() fsm.PublishFunc {
	return func(t *telegram.Telegram) {
		e.recordActive(t)
		if e.metrics != nil {
			e.metrics.observeTelegram(t)
		}
		e.userPub(t)
	}
}

func (e *Engine) recordActive(t *telegram.Telegram) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	e.active = append(e.active, t)
	if over := len(e.active) - e.activeCap; over > 0 {
		e.active = e.active[over:]
	}
}

// Active returns a snapshot of the most recently observed telegrams,
// oldest first (SPEC_FULL.md §7).
func (e *Engine) Active() []*telegram.Telegram {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	out := make([]*telegram.Telegram, len(e.active))
	copy(out, e.active)
	return out
}

// Stop requests the Fsm thread to exit and blocks until it does
// (spec.md §4.5: "stop is idempotent; blocks until the FSM thread exits").
func (e *Engine) Stop() {
	e.mu.Lock()
	f, done := e.f, e.done
	checkStop, checkDone := e.checkStop, e.checkDone
	e.mu.Unlock()
	if f == nil {
		return
	}
	f.Stop()
	<-done
	if checkStop != nil {
		close(checkStop)
		<-checkDone
	}

	e.mu.Lock()
	e.f = nil
	e.done = nil
	e.checkStop = nil
	e.checkDone = nil
	e.mu.Unlock()
}

// Open requests the Fsm reconnect the Device immediately rather than
// waiting out any reopen backoff currently in progress. Non-blocking
// (spec.md §4.5).
func (e *Engine) Open() {
	e.mu.Lock()
	f := e.f
	e.mu.Unlock()
	if f != nil {
		f.RequestOpen()
	}
}

// Close requests the Fsm close the Device at the next state boundary and
// fall back to Connect. Non-blocking (spec.md §4.5).
func (e *Engine) Close() {
	e.mu.Lock()
	f := e.f
	e.mu.Unlock()
	if f != nil {
		f.RequestClose()
	}
}

// Send enqueues masterBody (raw "ZZ PB SB NN D…", no QQ) for transmission
// and returns a handle the caller may Wait on (spec.md §4.5).
func (e *Engine) Send(masterBody []byte) (fsm.Handle, error) {
	e.mu.Lock()
	f := e.f
	e.mu.Unlock()
	if f == nil {
		return fsm.Handle{}, fmt.Errorf("engine: not started")
	}
	return f.Enqueue(masterBody), nil
}

// --- Option setters (spec.md §6) -------------------------------------------
//
// Each setter updates the Engine's Config; the change takes effect on the
// next Start (the Fsm reads its own Config by value at construction and
// is never mutated concurrently while running, per spec.md §5's "no other
// thread touches the FSM counters").

func (e *Engine) SetDeviceCheck(on bool) {
	e.mu.Lock()
	e.cfg.DeviceCheck = on
	e.mu.Unlock()
}

func (e *Engine) SetReopenTime(d time.Duration) {
	e.mu.Lock()
	e.cfg.ReopenTime = d
	e.mu.Unlock()
}

func (e *Engine) SetArbitrationTime(d time.Duration) {
	e.mu.Lock()
	e.cfg.ArbitrationTime = d
	e.mu.Unlock()
}

func (e *Engine) SetReceiveTimeout(d time.Duration) {
	e.mu.Lock()
	e.cfg.ReceiveTimeout = d
	e.mu.Unlock()
}

func (e *Engine) SetLockCounter(n int) {
	if n < 1 {
		n = 1
	}
	if n > 25 {
		n = 25
	}
	e.mu.Lock()
	e.cfg.LockCounter = n
	e.mu.Unlock()
}

func (e *Engine) SetLockRetries(n int) {
	e.mu.Lock()
	e.cfg.LockRetries = n
	e.mu.Unlock()
}

func (e *Engine) SetDump(on bool) {
	e.mu.Lock()
	e.cfg.Dump = on
	e.mu.Unlock()
}

func (e *Engine) SetDumpFile(path string) {
	e.mu.Lock()
	e.cfg.DumpFile = path
	e.mu.Unlock()
}

func (e *Engine) SetDumpFileMaxSize(kb int) {
	e.mu.Lock()
	e.cfg.DumpFileMaxSizeKB = kb
	e.mu.Unlock()
}

// SetActiveCap changes how many recent telegrams Active() retains.
func (e *Engine) SetActiveCap(n int) {
	if n < 1 {
		n = 1
	}
	e.activeMu.Lock()
	e.activeCap = n
	if over := len(e.active) - n; over > 0 {
		e.active = e.active[over:]
	}
	e.activeMu.Unlock()
}
