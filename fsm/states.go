package fsm

import (
	"errors"
	"fmt"
	"time"

	"github.com/ebus-go/ebusgo/device"
	"github.com/ebus-go/ebusgo/ebuserr"
	"github.com/ebus-go/ebusgo/sequence"
	"github.com/ebus-go/ebusgo/telegram"
)

// sleepOrWake blocks for d or until Stop/Enqueue signals the wake channel,
// whichever comes first. Used anywhere a state would otherwise sleep
// uninterruptibly (spec.md §5's wake primitive).
func (f *Fsm) sleepOrWake(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-f.wake:
	}
}

// deviceGone reports whether err (or, in device-check mode, a failed
// presence probe) indicates the underlying transport is gone and a
// reconnect is needed, rather than a plain read timeout (spec.md §4.3's
// device-check mode).
func (f *Fsm) deviceGone(err error) bool {
	if errors.Is(err, device.ErrClosed) {
		return true
	}
	if f.cfg.DeviceCheck {
		if chk, ok := f.dev.(device.Checkable); ok && !chk.Present() {
			return true
		}
	}
	return false
}

// reopen closes the device and routes back through Connect.
func (f *Fsm) reopen() State {
	f.dev.Close()
	f.emit(ebuserr.KindEbusOff, "device closed, reopening")
	return StateConnect
}

// flushInput discards buffered input after a desync (stray byte, bad
// address, lost arbitration to a non-master echo) and reports it, so the
// discard is visible in logs/metrics rather than silent.
func (f *Fsm) flushInput(reason string) {
	f.dev.FlushInput()
	f.emit(ebuserr.KindDeviceFlushed, reason)
}

// readRawN reads n bytes with no escape handling, for the address/header
// bytes that can never legally collide with SYN/EXT.
func (f *Fsm) readRawN(n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := f.readByte(timeout)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
	}
	return buf, nil
}

// failActive completes the active send with err, resets the lock
// countdown (a failed attempt still pays the collision-avoidance
// backoff) and returns next.
func (f *Fsm) failActive(err error, next State) State {
	if f.active != nil {
		f.active.complete(Result{Err: err})
		f.active = nil
	}
	f.lockCountdown = f.cfg.LockCounter
	return next
}

// succeedActive completes the active send successfully and returns to
// FreeBus.
func (f *Fsm) succeedActive(slave []byte) State {
	if f.active != nil {
		f.active.complete(Result{Slave: slave})
		f.active = nil
	}
	f.lockCountdown = f.cfg.LockCounter
	return StateFreeBus
}

// --- Connect -----------------------------------------------------------

func (f *Fsm) stateConnect() State {
	if f.dev.IsOpen() {
		return StateIdle
	}
	if err := f.dev.Open(); err != nil {
		f.emit(ebuserr.KindOpenFailed, "device open failed: "+err.Error())
		f.sleepOrWake(f.cfg.ReopenTime)
		return StateConnect
	}
	f.emit(ebuserr.KindEbusOn, "device opened")
	f.idleSince = time.Time{}
	return StateIdle
}

// --- Idle ----------------------------------------------------------------

// stateIdle discards bytes until the next SYN, resynchronising after a
// reconnect or a FreeBus collision (spec.md §4.4: "bus is opened but we
// are not yet synchronised"). A single read per call, like every other
// state; the run loop supplies the repetition.
func (f *Fsm) stateIdle() State {
	b, err := f.readByte(f.cfg.ReceiveTimeout)
	if err != nil {
		if f.deviceGone(err) {
			return f.reopen()
		}
		return StateIdle
	}
	if b == sequence.SYN {
		return StateListen
	}
	return StateIdle
}

// --- Listen --------------------------------------------------------------

// stateListen is the steady-state observer: read one byte with the
// per-byte timeout and classify it (spec.md §4.4).
func (f *Fsm) stateListen() State {
	b, err := f.readByte(f.cfg.ReceiveTimeout)
	if err != nil {
		if f.deviceGone(err) {
			return f.reopen()
		}
		if f.idleSince.IsZero() {
			f.idleSince = time.Now()
		}
		if time.Since(f.idleSince) >= f.cfg.ReopenTime {
			f.emit(ebuserr.KindDeviceClosed, "bus silent past reopen threshold")
			return f.reopen()
		}
		return StateListen
	}
	f.idleSince = time.Time{}

	if b == sequence.SYN {
		if f.lockCountdown > 0 {
			f.lockCountdown--
			return StateListen
		}
		if f.active == nil {
			if p := f.queue.Front(); p != nil {
				f.active = f.queue.Pop()
				f.lockRetries = f.cfg.LockRetries
			}
		}
		if f.active != nil {
			return StateLockBus
		}
		return StateListen
	}

	if telegram.IsMaster(b) {
		f.pendingQQ = b
		f.havePendingQQ = true
		return StateRecvMessage
	}
	// Noise outside of any frame we recognise; keep listening.
	return StateListen
}

// --- LockBus (arbitration) ------------------------------------------------

// stateLockBus writes our address immediately after the SYN and reads back
// the echo (spec.md §4.4).
func (f *Fsm) stateLockBus() State {
	echo, err := f.writeReadEcho(f.address, f.cfg.ArbitrationTime)
	if err != nil {
		if f.deviceGone(err) {
			return f.failActive(ebuserr.Wrap(ebuserr.KindLockFailed, "device gone during arbitration", err), f.reopen())
		}
		f.emit(ebuserr.KindPriorityLost, "arbitration echo failed: "+err.Error())
		return StateListen
	}

	if echo == f.address {
		f.emit(ebuserr.KindBusLocked, "bus locked")
		return StateSendMessage
	}

	sameClass := echo>>4 == f.address>>4
	if sameClass {
		f.emit(ebuserr.KindPriorityFit, fmt.Sprintf("priority fit, retrying against %02X", echo))
		f.lockRetries--
		if f.lockRetries <= 0 {
			f.emit(ebuserr.KindArbitrationLost, "arbitration retries exhausted")
			f.failActive(ebuserr.New(ebuserr.KindLockFailed, "arbitration retries exhausted"), StateListen)
		}
		// Either way the bus now belongs to whoever we lost to; keep
		// reading its telegram so we stay in sync for the next SYN.
	} else {
		f.emit(ebuserr.KindPriorityLost, fmt.Sprintf("priority lost to %02X", echo))
		f.lockCountdown = 1
	}

	if telegram.IsMaster(echo) {
		return f.continueRecvMessage(echo)
	}
	f.flushInput(fmt.Sprintf("arbitration echo %02X is not a master address", echo))
	return StateListen
}

// --- SendMessage -----------------------------------------------------------

// stateSendMessage transmits the remainder of the active send (our address
// byte was already written during arbitration), retrying a NAKed master ACK
// once by retransmitting the whole body (spec.md §4.4).
func (f *Fsm) stateSendMessage() State {
	t, err := telegram.FromMasterBytes(f.address, f.active.Master)
	if err != nil {
		f.emit(ebuserr.KindBadType, "invalid master body: "+err.Error())
		return f.failActive(ebuserr.Wrap(ebuserr.KindBadType, "invalid master body", err), StateFreeBus)
	}
	f.lastSent = t

	const maxAttempts = 2
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rest := append([]byte{}, t.GetMaster().Bytes()[1:]...) // drop QQ, already arbitrated
		rest = append(rest, t.MasterCRC())
		if err := f.writeEscaped(rest); err != nil {
			f.emit(ebuserr.KindLockFailed, "send failed: "+err.Error())
			next := StateFreeBus
			if f.deviceGone(err) {
				next = f.reopen()
			}
			return f.failActive(ebuserr.Wrap(ebuserr.KindLockFailed, "send failed", err), next)
		}

		if t.Type() == telegram.TypeBC {
			f.emit(ebuserr.KindMsgIgnored, "broadcast sent, no response expected")
			return f.succeedActive(nil)
		}

		ack, err := f.readByte(f.cfg.ReceiveTimeout)
		if err != nil {
			f.emit(ebuserr.KindAckWrong, "no master ack: "+err.Error())
			next := StateFreeBus
			if f.deviceGone(err) {
				next = f.reopen()
			}
			return f.failActive(ebuserr.Wrap(ebuserr.KindAckWrong, "no master ack", err), next)
		}
		if ack == sequence.ACK {
			if t.Type() == telegram.TypeMM {
				return f.succeedActive(nil)
			}
			return StateRecvResponse
		}
		if ack == sequence.NAK {
			f.emit(ebuserr.KindAckNegative, fmt.Sprintf("master ack NAK, attempt %d", attempt))
			continue
		}
		f.emit(ebuserr.KindAckWrong, fmt.Sprintf("unexpected master ack byte %02X", ack))
		return f.failActive(ebuserr.New(ebuserr.KindAckWrong, fmt.Sprintf("unexpected ack byte %02X", ack)), StateFreeBus)
	}
	return f.failActive(ebuserr.New(ebuserr.KindAckNegativeFinal, "master ack NAKed twice"), StateFreeBus)
}

// --- RecvResponse ----------------------------------------------------------

// stateRecvResponse is reached only once our own MS send has been
// positively ACKed; it reads the slave's reply, retrying a bad CRC once by
// NAKing and re-reading (spec.md §4.4).
func (f *Fsm) stateRecvResponse() State {
	const maxAttempts = 2
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		snn, err := f.readByte(f.cfg.ReceiveTimeout)
		if err != nil {
			f.emit(ebuserr.KindResponseInvalid, "slave NN read failed: "+err.Error())
			next := StateFreeBus
			if f.deviceGone(err) {
				next = f.reopen()
			}
			return f.failActive(ebuserr.Wrap(ebuserr.KindResponseInvalidFinal, "slave response timed out", err), next)
		}
		// Unlike the inbound master-send case (telegram.MinDataLen, Open
		// Question Decision #4), a slave reply's NN has no zero-length
		// exception in spec.md: it must be in [1,16].
		if snn < 1 || int(snn) > telegram.MaxDataLen {
			f.emit(ebuserr.KindNNWrong, fmt.Sprintf("slave NN=%d out of range", snn))
			return f.failActive(ebuserr.New(ebuserr.KindNNWrong, "slave NN out of range"), StateFreeBus)
		}

		dataCRC, err := f.readLogical(int(snn)+1, f.cfg.ReceiveTimeout)
		if err != nil {
			f.emit(ebuserr.KindResponseInvalid, "slave data/CRC read failed: "+err.Error())
			next := StateFreeBus
			if f.deviceGone(err) {
				next = f.reopen()
			}
			return f.failActive(ebuserr.Wrap(ebuserr.KindResponseInvalidFinal, "slave response timed out", err), next)
		}

		slaveBody := append([]byte{snn}, dataCRC...)
		crcGot := slaveBody[len(slaveBody)-1]
		crcWant := sequence.CRC(slaveBody[:len(slaveBody)-1])
		if crcGot == crcWant {
			if err := f.writeEscaped([]byte{sequence.ACK}); err != nil {
				f.emit(ebuserr.KindLockFailed, "closing ack failed: "+err.Error())
				next := StateFreeBus
				if f.deviceGone(err) {
					next = f.reopen()
				}
				return f.failActive(ebuserr.Wrap(ebuserr.KindLockFailed, "closing ack failed", err), next)
			}
			return f.succeedActive(dataCRC[:len(dataCRC)-1])
		}

		f.emit(ebuserr.KindResponseInvalid, fmt.Sprintf("slave CRC mismatch, attempt %d", attempt))
		f.writeEscaped([]byte{sequence.NAK})
	}
	return f.failActive(ebuserr.New(ebuserr.KindResponseInvalidFinal, "slave response invalid twice"), StateFreeBus)
}

// --- RecvMessage / EvalMessage / SendResponse (inbound/snooped) ----------

// stateRecvMessage consumes the address byte Listen already read (the
// normal path), or reads one itself as a defensive fallback.
func (f *Fsm) stateRecvMessage() State {
	qq := f.pendingQQ
	if f.havePendingQQ {
		f.havePendingQQ = false
	} else {
		b, err := f.readByte(f.cfg.ReceiveTimeout)
		if err != nil {
			if f.deviceGone(err) {
				return f.reopen()
			}
			return StateListen
		}
		qq = b
	}
	return f.continueRecvMessage(qq)
}

// continueRecvMessage parses the rest of a telegram whose source address
// byte (qq) has already been read off the wire — either because Listen
// just saw it, or because we lost arbitration and qq is the echoed byte of
// whoever won (spec.md §4.4 RecvMessage, symmetric to SendMessage).
func (f *Fsm) continueRecvMessage(qq byte) State {
	if !telegram.IsMaster(qq) {
		f.emit(ebuserr.KindRecvMsgInvalid, fmt.Sprintf("%02X is not a master address", qq))
		f.flushInput(fmt.Sprintf("discarding after invalid source address %02X", qq))
		return StateListen
	}

	header, err := f.readRawN(4, f.cfg.ReceiveTimeout) // ZZ PB SB NN
	if err != nil {
		f.emit(ebuserr.KindRecvMsgInvalid, "header read failed: "+err.Error())
		if f.deviceGone(err) {
			return f.reopen()
		}
		return StateListen
	}
	zz := header[0]
	if !telegram.IsValidAddress(zz) {
		f.emit(ebuserr.KindRecvMsgInvalid, fmt.Sprintf("%02X is not a valid target address", zz))
		f.flushInput(fmt.Sprintf("discarding after invalid target address %02X", zz))
		return StateListen
	}

	nn := int(header[3])
	if nn < telegram.MinDataLen || nn > telegram.MaxDataLen {
		f.emit(ebuserr.KindNNWrong, fmt.Sprintf("invalid inbound NN=%d", nn))
		f.flushInput(fmt.Sprintf("discarding after invalid inbound NN=%d", nn))
		return StateListen
	}

	dataCRC, err := f.readLogical(nn+1, f.cfg.ReceiveTimeout)
	if err != nil {
		f.emit(ebuserr.KindRecvMsgInvalid, "data/CRC read failed: "+err.Error())
		if f.deviceGone(err) {
			return f.reopen()
		}
		return StateListen
	}

	masterBytes := make([]byte, 0, 1+len(header)+len(dataCRC))
	masterBytes = append(masterBytes, qq)
	masterBytes = append(masterBytes, header...)
	masterBytes = append(masterBytes, dataCRC...)

	crcGot := dataCRC[len(dataCRC)-1]
	crcWant := sequence.CRC(masterBytes[:len(masterBytes)-1])
	crcOK := crcGot == crcWant

	if telegram.IsBroadcast(zz) {
		f.publish(telegram.ParseWire(sequence.New(masterBytes...)))
		return StateFreeBus
	}
	if zz == f.slaveAddress {
		return f.recvAddressedToUs(masterBytes, crcOK)
	}
	return f.recvSnooped(masterBytes, zz, crcOK)
}

// recvAddressedToUs handles a master telegram whose ZZ is our slave
// address: we must answer the master-ACK ourselves before any application
// callback runs (spec.md §4.4's RecvMessage: "send ACK if valid, else NAK").
func (f *Fsm) recvAddressedToUs(masterBytes []byte, crcOK bool) State {
	if !crcOK {
		f.emit(ebuserr.KindRecvMsgInvalid, "bad master CRC, sending NAK")
		f.writeEscaped([]byte{sequence.NAK})
		return StateListen
	}
	if err := f.writeEscaped([]byte{sequence.ACK}); err != nil {
		f.emit(ebuserr.KindLockFailed, "inbound ack failed: "+err.Error())
		if f.deviceGone(err) {
			return f.reopen()
		}
		return StateListen
	}

	seq := sequence.New(masterBytes...)
	seq.Push(sequence.ACK)
	t := telegram.ParseWire(seq)

	if t.Type() != telegram.TypeMS {
		f.publish(t)
		return StateFreeBus
	}
	f.rxTelegram = t
	return StateEvalMessage
}

// recvSnooped handles a telegram addressed to neither us nor broadcast:
// read along for whatever ACK/slave exchange its type requires, purely to
// stay byte-synchronised, then publish a complete record (spec.md's
// publish_cb contract: "observes every byte on the wire ... surfaces
// observed telegrams", beyond the literal RecvMessage prose which only
// spells out the addressed-to-us case).
func (f *Fsm) recvSnooped(masterBytes []byte, zz byte, crcOK bool) State {
	if !crcOK {
		f.emit(ebuserr.KindRecvMsgInvalid, "bad master CRC (snooped)")
		f.flushInput("discarding after bad snooped master CRC")
		return StateListen
	}

	seq := sequence.New(masterBytes...)

	ack, err := f.readByte(f.cfg.ReceiveTimeout)
	if err != nil {
		f.emit(ebuserr.KindRecvMsgInvalid, "snoop ack read failed: "+err.Error())
		if f.deviceGone(err) {
			return f.reopen()
		}
		return StateListen
	}
	seq.Push(ack)
	if ack != sequence.ACK {
		f.publish(telegram.ParseWire(seq))
		return StateFreeBus
	}

	if telegram.IsMaster(zz) {
		f.publish(telegram.ParseWire(seq))
		return StateFreeBus
	}

	// MS: the addressed slave (not us) now answers; snoop its response too.
	snn, err := f.readByte(f.cfg.ReceiveTimeout)
	if err != nil {
		f.emit(ebuserr.KindRecvMsgInvalid, "snoop slave NN read failed: "+err.Error())
		if f.deviceGone(err) {
			return f.reopen()
		}
		return StateListen
	}
	if int(snn) < telegram.MinDataLen || int(snn) > telegram.MaxDataLen {
		f.publish(telegram.ParseWire(seq))
		return StateFreeBus
	}
	dataCRC, err := f.readLogical(int(snn)+1, f.cfg.ReceiveTimeout)
	if err != nil {
		f.emit(ebuserr.KindRecvMsgInvalid, "snoop slave data read failed: "+err.Error())
		if f.deviceGone(err) {
			return f.reopen()
		}
		return StateListen
	}
	seq.Push(snn)
	seq.Extend(dataCRC)

	sAck, err := f.readByte(f.cfg.ReceiveTimeout)
	if err == nil {
		seq.Push(sAck)
	}
	f.publish(telegram.ParseWire(seq))
	return StateFreeBus
}

// stateEvalMessage runs the application identify callback for an inbound
// MS request addressed to us, deciding whether a response body follows
// (spec.md §4.4).
func (f *Fsm) stateEvalMessage() State {
	t := f.rxTelegram
	var resp PendingResponse
	disp := f.identify(t, &resp)
	switch disp {
	case Respond:
		if !resp.set {
			f.emit(ebuserr.KindNoFunc, "Respond declared without a body")
			f.publish(t)
			return StateListen
		}
		f.pendingResp = resp
		return StateSendResponse
	case Undefined:
		f.emit(ebuserr.KindNotDefined, "no handler for inbound request")
		f.publish(t)
		return StateListen
	default:
		f.publish(t)
		return StateListen
	}
}

// stateSendResponse transmits our application-supplied slave body and
// waits for the requester's closing ACK, retrying a NAK once by
// retransmitting the whole body (spec.md §4.4).
func (f *Fsm) stateSendResponse() State {
	t := f.rxTelegram
	if err := t.AttachSlave(f.pendingResp.body); err != nil {
		f.emit(ebuserr.KindRespCreateFailed, err.Error())
		f.publish(t)
		return StateFreeBus
	}

	wire := append([]byte{}, t.GetSlave().Bytes()...)
	wire = append(wire, t.SlaveCRC())

	const maxAttempts = 2
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := f.writeEscaped(wire); err != nil {
			f.emit(ebuserr.KindRespSendFailed, err.Error())
			f.publish(t)
			if f.deviceGone(err) {
				return f.reopen()
			}
			return StateFreeBus
		}

		ack, err := f.readByte(f.cfg.ReceiveTimeout)
		if err != nil {
			f.emit(ebuserr.KindRespSendFailed, "no closing ack: "+err.Error())
			f.publish(t)
			if f.deviceGone(err) {
				return f.reopen()
			}
			return StateListen
		}
		t.SetSlaveAck(ack)
		if ack == sequence.ACK {
			f.publish(t)
			return StateFreeBus
		}
		f.emit(ebuserr.KindAckNegative, fmt.Sprintf("requester NAKed our response, attempt %d", attempt))
	}
	f.emit(ebuserr.KindRespSendFailed, "requester NAKed our response twice")
	f.publish(t)
	return StateListen
}

// --- FreeBus ---------------------------------------------------------------

// stateFreeBus writes SYN to release the bus for the next cycle. If the
// echo is anything other than SYN, another participant collided with our
// release and we must resynchronise from Idle (spec.md §4.4).
func (f *Fsm) stateFreeBus() State {
	f.emit(ebuserr.KindBusFreed, "bus cycle complete")
	echo, err := f.writeReadEcho(sequence.SYN, f.cfg.ReceiveTimeout)
	if err != nil {
		if f.deviceGone(err) {
			return f.reopen()
		}
		f.emit(ebuserr.KindFreeBusCollision, "SYN release read failed: "+err.Error())
		return StateIdle
	}
	if echo != sequence.SYN {
		f.emit(ebuserr.KindFreeBusCollision, fmt.Sprintf("SYN release echoed %02X", echo))
		return StateIdle
	}
	return StateListen
}
