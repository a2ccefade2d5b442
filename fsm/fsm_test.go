package fsm

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ebus-go/ebusgo/device"
	"github.com/ebus-go/ebusgo/ebuserr"
	"github.com/ebus-go/ebusgo/telegram"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func noopPublish(*telegram.Telegram) {}

func newTestFsm(dev device.Device, address byte, identify IdentifyFunc) *Fsm {
	cfg := DefaultConfig(address)
	if identify == nil {
		identify = func(*telegram.Telegram, *PendingResponse) Disposition { return Ignore }
	}
	return New(dev, cfg, testLogger(), identify, noopPublish, nil)
}

func TestStateConnectReopens(t *testing.T) {
	dev := device.NewMock()
	dev.Close()
	f := newTestFsm(dev, 0x10, nil)

	next := f.stateConnect()
	if next != StateIdle {
		t.Fatalf("stateConnect() = %v, want StateIdle", next)
	}
	if !dev.IsOpen() {
		t.Fatal("expected device to be reopened")
	}
}

func TestStateIdleOnSYN(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0xAA)
	f := newTestFsm(dev, 0x10, nil)

	next := f.stateIdle()
	if next != StateListen {
		t.Fatalf("stateIdle() = %v, want StateListen", next)
	}
}

func TestStateIdleDiscardsUntilSYN(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0x01) // non-SYN noise
	f := newTestFsm(dev, 0x10, nil)

	next := f.stateIdle()
	if next != StateIdle {
		t.Fatalf("stateIdle() = %v, want StateIdle (still resyncing)", next)
	}
}

// TestStateListenSYNNoPendingSendStaysListen checks that a SYN with
// nothing queued and no backoff in effect just keeps observing.
func TestStateListenSYNNoPendingSendStaysListen(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0xAA)
	f := newTestFsm(dev, 0x10, nil)

	next := f.stateListen()
	if next != StateListen {
		t.Fatalf("stateListen() = %v, want StateListen", next)
	}
}

func TestStateListenSYNClaimsPendingSend(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0xAA)
	f := newTestFsm(dev, 0x10, nil)
	f.Enqueue([]byte{0xFE, 0x07, 0x04, 0x00})

	next := f.stateListen()
	if next != StateLockBus {
		t.Fatalf("stateListen() = %v, want StateLockBus", next)
	}
	if f.active == nil {
		t.Fatal("expected a claimed active send")
	}
}

// TestStateListenSYNRespectsBackoff checks that a nonzero lockCountdown
// defers claiming a pending send and is decremented once per SYN.
func TestStateListenSYNRespectsBackoff(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0xAA)
	f := newTestFsm(dev, 0x10, nil)
	f.lockCountdown = 2
	f.Enqueue([]byte{0xFE, 0x07, 0x04, 0x00})

	next := f.stateListen()
	if next != StateListen {
		t.Fatalf("stateListen() = %v, want StateListen (still backing off)", next)
	}
	if f.lockCountdown != 1 {
		t.Errorf("lockCountdown = %d, want 1", f.lockCountdown)
	}
	if f.active != nil {
		t.Fatal("expected the send to remain unclaimed during backoff")
	}
}

// TestStateListenMasterByteGoesToRecvMessage checks that an address byte
// is remembered as the pending QQ for RecvMessage to consume.
func TestStateListenMasterByteGoesToRecvMessage(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0x10) // a master address, not SYN
	f := newTestFsm(dev, 0x03, nil)

	next := f.stateListen()
	if next != StateRecvMessage {
		t.Fatalf("stateListen() = %v, want StateRecvMessage", next)
	}
	if !f.havePendingQQ || f.pendingQQ != 0x10 {
		t.Fatalf("pendingQQ = (%02X, %v), want (0x10, true)", f.pendingQQ, f.havePendingQQ)
	}
}

// TestBroadcastSendSucceeds drives LockBus -> SendMessage for a BC telegram
// and checks it completes without expecting any response.
func TestBroadcastSendSucceeds(t *testing.T) {
	dev := device.NewMock()
	// Arbitration echo (our own address), then the self-echo of every
	// subsequent written byte (ZZ PB SB NN CRC): the bus is half-duplex,
	// so each write comes back on our own receiver.
	dev.Feed(0x10, 0xFE, 0x07, 0x04, 0x00, 0xD2)

	f := newTestFsm(dev, 0x10, nil)
	f.active = newPendingSend([]byte{0xFE, 0x07, 0x04, 0x00})
	f.lockRetries = f.cfg.LockRetries
	handle := Handle{p: f.active}

	next := f.stateLockBus()
	if next != StateSendMessage {
		t.Fatalf("stateLockBus() = %v, want StateSendMessage", next)
	}

	next = f.stateSendMessage()
	if next != StateFreeBus {
		t.Fatalf("stateSendMessage() = %v, want StateFreeBus", next)
	}
	if f.active != nil {
		t.Fatal("expected active send to be cleared on success")
	}

	select {
	case <-handle.Done():
	default:
		t.Fatal("expected handle to be completed")
	}
	res := handle.Wait()
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	wantWritten := []byte{0x10, 0xFE, 0x07, 0x04, 0x00, 0xD2}
	if string(dev.Written) != string(wantWritten) {
		t.Errorf("Written = % X, want % X", dev.Written, wantWritten)
	}
}

// TestMSSendSucceeds drives a full MS exchange: we win arbitration, send
// the master telegram, get ACKed, then receive and ACK a slave response.
func TestMSSendSucceeds(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(
		0x10,                   // arbitration echo
		0x08, 0xB5, 0x09, 0x03, // self-echo of ZZ PB SB NN
		0x0D, 0x07, 0x00, 0x7A, // self-echo of data + master CRC
		0x00,                   // master ACK from the slave
		0x02, 0x11, 0x22, 0xA7, // slave NN, data, CRC
		0x00, // self-echo of our closing ACK to the slave
	)

	f := newTestFsm(dev, 0x10, nil)
	f.active = newPendingSend([]byte{0x08, 0xB5, 0x09, 0x03, 0x0D, 0x07, 0x00})
	f.lockRetries = f.cfg.LockRetries
	handle := Handle{p: f.active}

	next := f.stateLockBus()
	if next != StateSendMessage {
		t.Fatalf("stateLockBus() = %v, want StateSendMessage", next)
	}
	next = f.stateSendMessage()
	if next != StateRecvResponse {
		t.Fatalf("stateSendMessage() = %v, want StateRecvResponse", next)
	}
	next = f.stateRecvResponse()
	if next != StateFreeBus {
		t.Fatalf("stateRecvResponse() = %v, want StateFreeBus", next)
	}

	res := handle.Wait()
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	want := []byte{0x11, 0x22}
	if string(res.Slave) != string(want) {
		t.Errorf("Slave = % X, want % X", res.Slave, want)
	}
}

// TestMSSendNAKRetriesOnce checks that a NAKed master ACK causes one
// immediate in-place retransmission of the master body, not an
// arbitration-level retry.
func TestMSSendNAKRetriesOnce(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(
		0x08, 0xB5, 0x09, 0x03, // self-echo of ZZ PB SB NN, attempt 1
		0x0D, 0x07, 0x00, 0x7A, // self-echo of data + master CRC, attempt 1
		0xFF,                   // NAK
		0x08, 0xB5, 0x09, 0x03, // retransmit, attempt 2
		0x0D, 0x07, 0x00, 0x7A,
		0x00, // ACK this time
	)

	f := newTestFsm(dev, 0x10, nil)
	f.active = newPendingSend([]byte{0x08, 0xB5, 0x09, 0x03, 0x0D, 0x07, 0x00})

	next := f.stateSendMessage()
	if next != StateRecvResponse {
		t.Fatalf("stateSendMessage() = %v, want StateRecvResponse", next)
	}
	wantWritten := []byte{
		0x08, 0xB5, 0x09, 0x03, 0x0D, 0x07, 0x00, 0x7A,
		0x08, 0xB5, 0x09, 0x03, 0x0D, 0x07, 0x00, 0x7A,
	}
	if string(dev.Written) != string(wantWritten) {
		t.Errorf("Written = % X, want % X", dev.Written, wantWritten)
	}
}

// TestArbitrationLostRetriesAndSnoops checks that losing arbitration keeps
// the send active for an immediate retry on the next SYN, while still
// correctly parsing the winning master's telegram off the wire.
func TestArbitrationLostRetriesAndSnoops(t *testing.T) {
	dev := device.NewMock()
	// Echo is 0x10: someone else's address, since our own is 0x11; the
	// high nibbles match (both class 1), so this is a same-class loss.
	// That master's full broadcast telegram follows.
	dev.Feed(0x10, 0xFE, 0x07, 0x04, 0x00, 0xD2)

	var published []*telegram.Telegram
	f := New(dev, DefaultConfig(0x11), testLogger(), func(*telegram.Telegram, *PendingResponse) Disposition {
		return Ignore
	}, func(t *telegram.Telegram) { published = append(published, t) }, nil)

	f.active = newPendingSend([]byte{0x07, 0x04, 0x04, 0x00})
	f.lockRetries = 2

	next := f.stateLockBus()
	if next != StateFreeBus {
		t.Fatalf("stateLockBus() = %v, want StateFreeBus", next)
	}
	if f.active == nil {
		t.Fatal("expected the active send to survive a non-exhausted arbitration loss")
	}
	if f.lockRetries != 1 {
		t.Errorf("lockRetries = %d, want 1", f.lockRetries)
	}
	if len(published) != 1 || published[0].Type() != telegram.TypeBC {
		t.Fatalf("expected one published BC telegram, got %+v", published)
	}
}

// TestArbitrationLostExhaustsRetries checks the final-failure path.
func TestArbitrationLostExhaustsRetries(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0x10, 0xFE, 0x07, 0x04, 0x00, 0xD2)

	f := newTestFsm(dev, 0x11, nil)
	f.active = newPendingSend([]byte{0x07, 0x04, 0x04, 0x00})
	f.lockRetries = 1
	handle := Handle{p: f.active}

	f.stateLockBus()

	select {
	case <-handle.Done():
	default:
		t.Fatal("expected the send to be completed once retries are exhausted")
	}
	res := handle.Wait()
	var eerr *ebuserr.Error
	if !errors.As(res.Err, &eerr) || eerr.Kind != ebuserr.KindLockFailed {
		t.Fatalf("err = %v, want KindLockFailed", res.Err)
	}
}

// TestInboundMSRespond exercises RecvMessage -> EvalMessage -> SendResponse
// for a telegram addressed to our slave address.
func TestInboundMSRespond(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(
		0x08, 0xB5, 0x09, 0x03, // header ZZ PB SB NN (ZZ == our slave address)
		0x0D, 0x07, 0x00, 0x7A, // data + master CRC
		0x00,                   // self-echo of our ACK to the requester
		0x02, 0x11, 0x22, 0xA7, // self-echo of our slave NN, data, CRC
		0x00, // closing ACK from the requester
	)

	var published []*telegram.Telegram
	identify := func(tg *telegram.Telegram, resp *PendingResponse) Disposition {
		if tg.Type() != telegram.TypeMS {
			t.Fatalf("identify saw Type() = %v, want MS", tg.Type())
		}
		resp.SetSlaveBody([]byte{0x02, 0x11, 0x22})
		return Respond
	}
	f := New(dev, DefaultConfig(0x03), testLogger(), identify, func(t *telegram.Telegram) { published = append(published, t) }, nil)

	next := f.continueRecvMessage(0x10)
	if next != StateEvalMessage {
		t.Fatalf("continueRecvMessage() = %v, want StateEvalMessage", next)
	}

	next = f.stateEvalMessage()
	if next != StateSendResponse {
		t.Fatalf("stateEvalMessage() = %v, want StateSendResponse", next)
	}

	next = f.stateSendResponse()
	if next != StateFreeBus {
		t.Fatalf("stateSendResponse() = %v, want StateFreeBus", next)
	}

	if len(published) != 1 {
		t.Fatalf("expected one published telegram, got %d", len(published))
	}
	ack, ok := published[0].SlaveAck()
	if !ok || ack != 0x00 {
		t.Errorf("SlaveAck() = (0x%02X, %v), want (0x00, true)", ack, ok)
	}
}

// TestInboundMSUndefined checks that an unhandled inbound MS request still
// publishes and returns to Listen without attempting a response. We are
// the responding slave here, not the cycle's initiating master, so we
// never arbitrated for the bus and must not release it ourselves.
func TestInboundMSUndefined(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0x08, 0xB5, 0x09, 0x03, 0x0D, 0x07, 0x00, 0x7A, 0x00)

	var published []*telegram.Telegram
	identify := func(*telegram.Telegram, *PendingResponse) Disposition { return Undefined }
	f := New(dev, DefaultConfig(0x03), testLogger(), identify, func(t *telegram.Telegram) { published = append(published, t) }, nil)

	next := f.continueRecvMessage(0x10)
	if next != StateEvalMessage {
		t.Fatalf("continueRecvMessage() = %v, want StateEvalMessage", next)
	}
	next = f.stateEvalMessage()
	if next != StateListen {
		t.Fatalf("stateEvalMessage() = %v, want StateListen", next)
	}
	if len(published) != 1 {
		t.Fatalf("expected one published telegram, got %d", len(published))
	}
}

// TestSnoopedMM checks the not-addressed-to-us path for an MM exchange.
func TestSnoopedMM(t *testing.T) {
	dev := device.NewMock()
	// qq=0x03 zz=0x71 pb=0x05 sb=0x03 nn=0x02 data=[0x0A,0x0B] crc=0xED ACK
	dev.Feed(0x71, 0x05, 0x03, 0x02, 0x0A, 0x0B, 0xED, 0x00)

	var published []*telegram.Telegram
	f := newTestFsm(dev, 0x10, nil)
	f.publish = func(t *telegram.Telegram) { published = append(published, t) }

	next := f.continueRecvMessage(0x03)
	if next != StateFreeBus {
		t.Fatalf("continueRecvMessage() = %v, want StateFreeBus", next)
	}
	if len(published) != 1 || published[0].Type() != telegram.TypeMM {
		t.Fatalf("expected one published MM telegram, got %+v", published)
	}
	if !published[0].IsValid() {
		t.Error("expected snooped MM telegram to be valid")
	}
}

// TestFreeBusReleasesToListen checks the normal SYN hand-off.
func TestFreeBusReleasesToListen(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0xAA) // echo of our own released SYN
	f := newTestFsm(dev, 0x10, nil)

	next := f.stateFreeBus()
	if next != StateListen {
		t.Fatalf("stateFreeBus() = %v, want StateListen", next)
	}
}

// TestFreeBusCollisionResyncs checks that an unexpected echo on the
// released SYN routes back through Idle.
func TestFreeBusCollisionResyncs(t *testing.T) {
	dev := device.NewMock()
	dev.Feed(0x10) // someone else already driving the bus
	f := newTestFsm(dev, 0x10, nil)

	next := f.stateFreeBus()
	if next != StateIdle {
		t.Fatalf("stateFreeBus() = %v, want StateIdle", next)
	}
}

// failingOpenDevice never opens successfully, to exercise Connect's retry
// loop and Stop's drain path without a real transport.
type failingOpenDevice struct{}

func (failingOpenDevice) Open() error                         { return errors.New("boom") }
func (failingOpenDevice) Close() error                         { return nil }
func (failingOpenDevice) IsOpen() bool                         { return false }
func (failingOpenDevice) ReadByte(time.Duration) (byte, error) { return 0, device.ErrTimeout }
func (failingOpenDevice) WriteByte(byte) error                 { return nil }
func (failingOpenDevice) FlushInput()                          {}

func TestRunStopDrainsPendingSends(t *testing.T) {
	cfg := DefaultConfig(0x10)
	cfg.ReopenTime = 5 * time.Millisecond
	f := New(failingOpenDevice{}, cfg, testLogger(), func(*telegram.Telegram, *PendingResponse) Disposition {
		return Ignore
	}, noopPublish, nil)

	done := make(chan struct{})
	go func() {
		f.Run()
		close(done)
	}()

	handle := f.Enqueue([]byte{0xFE, 0x07, 0x04, 0x00})
	time.Sleep(10 * time.Millisecond)
	f.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	res := handle.Wait()
	var eerr *ebuserr.Error
	if !errors.As(res.Err, &eerr) || eerr.Kind != ebuserr.KindCancelled {
		t.Fatalf("err = %v, want KindCancelled", res.Err)
	}
}
