// Package fsm implements the eBUS bus state machine: the concurrent
// byte-stream processor that locks the bus, drives arbitration, frames
// telegrams, sends acknowledgements, issues responses, and re-synchronises
// after errors, all under the hard inter-byte timing constraints of
// spec.md §4.4.
//
// Following spec.md §9's design note, the shared mutable state that the
// original source kept as static fields on a State base class (lock
// counter, current sequence, active message) is lifted into the Fsm
// struct; states are free functions taking *Fsm, never back-pointers.
package fsm

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ebus-go/ebusgo/device"
	"github.com/ebus-go/ebusgo/dump"
	"github.com/ebus-go/ebusgo/ebuserr"
	"github.com/ebus-go/ebusgo/sequence"
	"github.com/ebus-go/ebusgo/telegram"
)

// Defaults mirror spec.md §4.4/§6.
const (
	DefaultArbitrationTime = 4400 * time.Microsecond
	DefaultReceiveTimeout  = 4700 * time.Microsecond
	DefaultReopenTime      = 60 * time.Second
	DefaultLockCounter     = 5
	MaxLockCounter         = 25
	DefaultLockRetries     = 2
	DefaultDeviceCheckTick = 10 * time.Second
)

// Config bundles the Fsm's tunables, matching the Engine option table in
// spec.md §6. It follows the teacher's Config/DefaultConfig pairing
// (amken3d-gopper host/serial.Config).
type Config struct {
	Address         byte // our master address (QQ)
	ReopenTime      time.Duration
	ArbitrationTime time.Duration
	ReceiveTimeout  time.Duration
	LockCounter     int
	LockRetries     int
	DeviceCheck     bool
}

// DefaultConfig returns a Config with spec.md's documented defaults for
// every field except Address, which the caller must set.
func DefaultConfig(address byte) Config {
	return Config{
		Address:         address,
		ReopenTime:      DefaultReopenTime,
		ArbitrationTime: DefaultArbitrationTime,
		ReceiveTimeout:  DefaultReceiveTimeout,
		LockCounter:     DefaultLockCounter,
		LockRetries:     DefaultLockRetries,
	}
}

func (c *Config) applyDefaults() {
	if c.ReopenTime <= 0 {
		c.ReopenTime = DefaultReopenTime
	}
	if c.ArbitrationTime <= 0 {
		c.ArbitrationTime = DefaultArbitrationTime
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.LockCounter <= 0 {
		c.LockCounter = DefaultLockCounter
	}
	if c.LockCounter > MaxLockCounter {
		c.LockCounter = MaxLockCounter
	}
	if c.LockRetries <= 0 {
		c.LockRetries = DefaultLockRetries
	}
}

// Fsm is the bus state machine's context: the device, current state,
// partial incoming sequence, active pending send, counters, timing, the
// reopen clock, and the user callbacks (spec.md §3, "FSM context").
type Fsm struct {
	dev          device.Device
	address      byte
	slaveAddress byte

	cfg Config
	log logrus.FieldLogger

	identify IdentifyFunc
	publish  PublishFunc

	queue sendQueue
	wake  chan struct{}

	dumpFile *dump.RawDump

	running atomic.Bool
	state   State

	// Per-cycle bookkeeping, lifted out of the original State base
	// class's static fields (spec.md §9).
	active        *PendingSend // the send currently being attempted, if any
	lockCountdown int          // SYN cycles left before we may attempt a send
	lockRetries   int          // arbitration retries left for `active`
	idleSince     time.Time    // start of the current unbroken bus-silence run

	lastSent *telegram.Telegram // our own just-transmitted telegram, awaiting response

	rxTelegram  *telegram.Telegram // inbound telegram addressed to us, awaiting EvalMessage/SendResponse
	pendingResp PendingResponse

	havePendingQQ bool // Listen already consumed a master-address byte
	pendingQQ     byte

	closeRequested atomic.Bool // set by RequestClose, consumed at the next state boundary

	onEvent func(kind ebuserr.Kind, err error) // test/metrics hook, optional
}

// New builds an Fsm. identify and publish must be non-nil; dumpFile may be
// nil to disable raw capture.
func New(dev device.Device, cfg Config, log logrus.FieldLogger, identify IdentifyFunc, publish PublishFunc, dumpFile *dump.RawDump) *Fsm {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	f := &Fsm{
		dev:          dev,
		address:      cfg.Address,
		slaveAddress: telegram.SlaveOf(cfg.Address),
		cfg:          cfg,
		log:          log,
		identify:     identify,
		publish:      publish,
		wake:         make(chan struct{}, 1),
		dumpFile:     dumpFile,
		state:        StateConnect,
	}
	f.running.Store(true)
	return f
}

// Enqueue inserts a PendingSend at the back of the FIFO and signals the
// wake primitive, per spec.md §5. Safe to call from any goroutine.
func (f *Fsm) Enqueue(masterBody []byte) Handle {
	p := newPendingSend(masterBody)
	f.queue.Enqueue(p)
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return Handle{p: p}
}

// PendingCount reports how many sends are queued (not counting one
// currently being attempted).
func (f *Fsm) PendingCount() int {
	return f.queue.Len()
}

// OnEvent installs a hook invoked alongside every logged transition/error
// (for Engine's Prometheus collector or tests). Must be called before Run.
func (f *Fsm) OnEvent(fn func(kind ebuserr.Kind, err error)) {
	f.onEvent = fn
}

// RequestOpen nudges the run loop awake, so a Connect backoff sleep
// currently in progress is cut short rather than waited out. A no-op if
// the device is already open (spec.md §4.5's non-blocking `open()`).
func (f *Fsm) RequestOpen() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// RequestClose asks the run loop to close the device at the next state
// boundary and fall back to Connect (spec.md §4.5's non-blocking
// `close()`). The Device is only ever touched by the Fsm's own goroutine,
// so this is a flag-and-wake rather than a direct Close call.
func (f *Fsm) RequestClose() {
	f.closeRequested.Store(true)
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Stop requests the run loop to exit at the next state boundary and drains
// any still-pending sends with Cancelled, per spec.md §5.
func (f *Fsm) Stop() {
	f.running.Store(false)
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run drives the state machine until Stop is called. It is meant to be
// the body of the Engine's single dedicated goroutine (spec.md §5: "exactly
// one dedicated OS thread per Engine").
func (f *Fsm) Run() {
	f.state = StateConnect
	for f.running.Load() {
		next := f.step(f.state)
		if next == stateStopped {
			break
		}
		f.state = next
	}
	if f.active != nil {
		f.active.complete(Result{Err: ebuserr.New(ebuserr.KindCancelled, "fsm stopped")})
		f.active = nil
	}
	f.queue.Drain()
}

// State returns the Fsm's current state, for Engine introspection/tests.
func (f *Fsm) State() State {
	return f.state
}

func (f *Fsm) step(s State) State {
	if !f.running.Load() {
		return stateStopped
	}
	if f.closeRequested.Swap(false) && s != StateConnect {
		f.dev.Close()
		f.emit(ebuserr.KindEbusOff, "device closed by request")
		return StateConnect
	}
	switch s {
	case StateConnect:
		return f.stateConnect()
	case StateIdle:
		return f.stateIdle()
	case StateListen:
		return f.stateListen()
	case StateLockBus:
		return f.stateLockBus()
	case StateSendMessage:
		return f.stateSendMessage()
	case StateRecvResponse:
		return f.stateRecvResponse()
	case StateRecvMessage:
		return f.stateRecvMessage()
	case StateEvalMessage:
		return f.stateEvalMessage()
	case StateSendResponse:
		return f.stateSendResponse()
	case StateFreeBus:
		return f.stateFreeBus()
	default:
		return stateStopped
	}
}

// emit reports a non-nil error/kind through logging and the test/metrics
// hook. Informational/warning kinds are logged without affecting control
// flow (the caller decides the next state); this only centralises the
// side effects spec.md §7 describes ("warnings are reported via the
// publish-callback tagged on the relevant telegram" — here via structured
// log fields, since Telegram isn't always available at the warning site).
func (f *Fsm) emit(kind ebuserr.Kind, msg string) {
	err := ebuserr.New(kind, msg)
	fields := logrus.Fields{"state": f.state.String(), "kind": kind.String()}
	switch kind.Severity() {
	case ebuserr.SeverityInfo:
		f.log.WithFields(fields).Debug(msg)
	case ebuserr.SeverityWarning:
		f.log.WithFields(fields).Warn(msg)
	default:
		f.log.WithFields(fields).Error(msg)
	}
	if f.onEvent != nil {
		f.onEvent(kind, err)
	}
}

// readByte reads one byte honouring timeout, appending it to the raw dump
// (if enabled) on success. Every state reads through this, never
// f.dev.ReadByte directly, so the dump sees every successfully-read byte
// in arrival order (spec.md §4.4/§6).
func (f *Fsm) readByte(timeout time.Duration) (byte, error) {
	b, err := f.dev.ReadByte(timeout)
	if err != nil {
		return 0, err
	}
	if f.dumpFile != nil {
		if werr := f.dumpFile.Write([]byte{b}); werr != nil {
			f.log.WithError(werr).Warn("raw dump write failed")
		}
	}
	return b, nil
}

// writeReadEcho writes b and reads back one byte with timeout, returning
// the byte read for the caller to compare (used throughout
// SendMessage/LockBus/FreeBus, spec.md §4.4).
func (f *Fsm) writeReadEcho(b byte, timeout time.Duration) (echoed byte, err error) {
	if err := f.dev.WriteByte(b); err != nil {
		return 0, err
	}
	return f.readByte(timeout)
}

// readLogical reads `want` unescaped bytes from the wire. Any raw byte
// equal to SYN or EXT extends the raw-read bound by one, since it is the
// prefix half of an escape pair rather than a standalone logical byte
// (spec.md §4.4 RecvMessage/RecvResponse; mechanism confirmed against
// _examples/original_source/src/lib/ebus/RecvMessage.cpp's CRC-read loop,
// generalised here to the full data+CRC read per spec.md's literal
// wording — see SPEC_FULL.md Open Question Decisions #1).
func (f *Fsm) readLogical(want int, timeout time.Duration) ([]byte, error) {
	raw := make([]byte, 0, want)
	bound := want
	for i := 0; i < bound; i++ {
		b, err := f.readByte(timeout)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
		if b == sequence.SYN || b == sequence.EXT {
			bound++
		}
	}
	seq, err := sequence.New(raw...).Unescape()
	if err != nil {
		return nil, err
	}
	return seq.Bytes(), nil
}

// writeEscaped writes data to the wire, escaping SYN/EXT bytes at the
// Device boundary (spec.md §3). The eBUS wire is half-duplex over a shared
// line: every byte a participant writes is also read back on its own
// receiver, so each written byte is immediately verified against its echo
// (KindByteDifference on mismatch), the same way stateLockBus verifies the
// arbitration byte.
func (f *Fsm) writeEscaped(data []byte) error {
	esc := sequence.New(data...).Escape()
	for i := 0; i < esc.Len(); i++ {
		b := esc.At(i)
		echo, err := f.writeReadEcho(b, f.cfg.ReceiveTimeout)
		if err != nil {
			return err
		}
		if echo != b {
			f.emit(ebuserr.KindByteDifference, fmt.Sprintf("echo mismatch: wrote %02X, read %02X", b, echo))
			return fmt.Errorf("byte echo mismatch")
		}
	}
	return nil
}
