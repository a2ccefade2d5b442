// Package telegram parses and builds eBUS telegrams: addressing, the
// length field, data bytes, CRC and acknowledgement, for both halves of a
// master-slave exchange.
package telegram

import (
	"fmt"

	"github.com/ebus-go/ebusgo/sequence"
)

// Type is the derived telegram category.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeBC           // broadcast: no ACKs, no slave part
	TypeMM           // master-master: one master-ACK, no slave part
	TypeMS           // master-slave: full round trip
)

func (t Type) String() string {
	switch t {
	case TypeBC:
		return "BC"
	case TypeMM:
		return "MM"
	case TypeMS:
		return "MS"
	default:
		return "Unknown"
	}
}

// PartState is the validation outcome of one half (master or slave) of a
// telegram, established independently per spec.md §4.2.
type PartState uint8

const (
	StateEmpty PartState = iota
	StateOK
	StateTooShort
	StateTooLong
	StateBadNN
	StateBadCRC
	StateBadACK
	StateBadQQ
	StateBadZZ
	StateMissingACK
	StateInvalid
)

func (s PartState) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateOK:
		return "OK"
	case StateTooShort:
		return "TooShort"
	case StateTooLong:
		return "TooLong"
	case StateBadNN:
		return "BadNN"
	case StateBadCRC:
		return "BadCRC"
	case StateBadACK:
		return "BadACK"
	case StateBadQQ:
		return "BadQQ"
	case StateBadZZ:
		return "BadZZ"
	case StateMissingACK:
		return "MissingACK"
	default:
		return "Invalid"
	}
}

// ErrorText renders a human-readable description of a PartState, mirrored
// on EbusSequence::errorText in the original ebusd sources.
func (s PartState) ErrorText() string {
	switch s {
	case StateOK:
		return "ok"
	case StateTooShort:
		return "sequence too short"
	case StateTooLong:
		return "sequence too long"
	case StateBadNN:
		return "invalid data length"
	case StateBadCRC:
		return "CRC mismatch"
	case StateBadACK:
		return "invalid acknowledge byte"
	case StateBadQQ:
		return "invalid source address"
	case StateBadZZ:
		return "invalid target address"
	case StateMissingACK:
		return "acknowledge byte missing"
	case StateEmpty:
		return "empty"
	default:
		return "invalid"
	}
}

// MinDataLen and MaxDataLen bound NN, the data-byte count. spec.md §3
// states NN ∈ [1,16], but its own end-to-end scenario 1 (a broadcast with
// NN=00) and the original implementation's RecvMessage.cpp (which only
// rejects m_sequence[4] > 16, never < 1) agree on allowing an empty data
// part; MinDataLen follows that concrete evidence rather than the prose
// invariant. See SPEC_FULL.md's Open Question Decisions.
const (
	MinDataLen = 0
	MaxDataLen = 16
)

// part holds one half (master or slave) of a telegram.
type part struct {
	data  *sequence.Sequence // full half including address byte(s)/NN but not CRC/ACK
	nn    int
	crc   byte
	ack   byte
	hasAck bool
	state PartState
}

// Telegram is a parsed or constructed eBUS message.
type Telegram struct {
	typ Type

	qq byte
	zz byte

	master part
	slave  part
}

// FromMasterBytes constructs a Telegram from an application-supplied
// unescaped master body "ZZ PB SB NN D…", prepending qq as the source
// address. It fails with StateBadQQ/StateBadZZ/StateBadNN recorded in the
// returned Telegram's master state if the address or length is invalid;
// the error return additionally surfaces the same condition for callers
// that don't want to inspect state codes.
func FromMasterBytes(qq byte, body []byte) (*Telegram, error) {
	t := &Telegram{qq: qq}

	if !IsMaster(qq) {
		t.master.state = StateBadQQ
		return t, fmt.Errorf("telegram: %02X is not a master address", qq)
	}
	if len(body) < 4 {
		t.master.state = StateTooShort
		return t, fmt.Errorf("telegram: master body too short")
	}

	zz := body[0]
	if !IsValidAddress(zz) {
		t.master.state = StateBadZZ
		return t, fmt.Errorf("telegram: %02X is not a valid target address", zz)
	}

	nn := int(body[3])
	data := body[4:]
	if nn != len(data) || nn < MinDataLen || nn > MaxDataLen {
		t.master.state = StateBadNN
		return t, fmt.Errorf("telegram: NN=%d does not match %d data bytes in [%d,%d]", nn, len(data), MinDataLen, MaxDataLen)
	}

	t.zz = zz
	t.deriveType()

	seq := sequence.New(qq)
	seq.Extend(body)
	t.master.data = seq
	t.master.nn = nn
	t.master.crc = seq.CRC()
	t.master.state = StateOK

	return t, nil
}

// deriveType sets t.typ from t.zz; called once zz is known, per spec.md
// §4.2 ("Type derivation happens once when ZZ is set").
func (t *Telegram) deriveType() {
	switch {
	case IsBroadcast(t.zz):
		t.typ = TypeBC
	case IsMaster(t.zz):
		t.typ = TypeMM
	default:
		t.typ = TypeMS
	}
}

// ParseWire parses a captured, already-unescaped wire sequence containing
// one full telegram including CRCs and whatever ACK bytes its type
// requires. Validation order follows spec.md §6: length, QQ, ZZ, NN, body
// length vs NN, CRC, then ACK.
func ParseWire(seq *sequence.Sequence) *Telegram {
	t := &Telegram{}
	b := seq.Bytes()

	if len(b) < 5 {
		t.master.state = StateTooShort
		return t
	}

	qq := b[0]
	if !IsMaster(qq) {
		t.master.state = StateBadQQ
		return t
	}
	zz := b[1]
	if !IsValidAddress(zz) {
		t.master.state = StateBadZZ
		return t
	}

	t.qq = qq
	t.zz = zz
	t.deriveType()

	nn := int(b[4])
	if nn < MinDataLen || nn > MaxDataLen {
		t.master.state = StateBadNN
		return t
	}

	masterLen := 5 + nn + 1 // QQ ZZ PB SB NN + data + CRC
	needsMasterAck := t.typ != TypeBC
	totalMin := masterLen
	if needsMasterAck {
		totalMin++
	}
	if len(b) < totalMin {
		t.master.state = StateTooShort
		return t
	}

	masterBody := b[:masterLen]
	gotCRC := masterBody[masterLen-1]
	wantCRC := sequence.CRC(masterBody[:masterLen-1])
	if gotCRC != wantCRC {
		t.master.state = StateBadCRC
		t.master.crc = gotCRC
		t.master.data = sequence.New(masterBody[:masterLen-1]...)
		t.master.nn = nn
		return t
	}

	t.master.data = sequence.New(masterBody[:masterLen-1]...)
	t.master.nn = nn
	t.master.crc = gotCRC
	t.master.state = StateOK

	rest := b[masterLen:]
	if needsMasterAck {
		if len(rest) < 1 {
			t.master.state = StateMissingACK
			return t
		}
		ackByte := rest[0]
		rest = rest[1:]
		t.SetMasterAck(ackByte)
		if t.master.ack != sequence.ACK {
			// NAK or garbage: master half is otherwise OK, ACK is not.
			return t
		}
	}

	if t.typ != TypeMS {
		if len(rest) > 0 {
			t.master.state = StateTooLong
		}
		return t
	}

	// MS: slave part follows, NN' D... CRCs ACKs.
	if len(rest) < 2 {
		t.slave.state = StateTooShort
		return t
	}
	snn := int(rest[0])
	if snn < MinDataLen || snn > MaxDataLen {
		t.slave.state = StateBadNN
		return t
	}
	slaveLen := 1 + snn + 1
	if len(rest) < slaveLen+1 {
		t.slave.state = StateTooShort
		return t
	}
	slaveBody := rest[:slaveLen]
	sGotCRC := slaveBody[slaveLen-1]
	sWantCRC := sequence.CRC(slaveBody[:slaveLen-1])
	if sGotCRC != sWantCRC {
		t.slave.state = StateBadCRC
		t.slave.crc = sGotCRC
		t.slave.data = sequence.New(slaveBody[:slaveLen-1]...)
		t.slave.nn = snn
		return t
	}
	t.slave.data = sequence.New(slaveBody[:slaveLen-1]...)
	t.slave.nn = snn
	t.slave.crc = sGotCRC
	t.slave.state = StateOK

	sAck := rest[slaveLen]
	t.SetSlaveAck(sAck)

	if len(rest) > slaveLen+1 {
		t.slave.state = StateTooLong
	}

	return t
}

// SetMasterAck records an observed master-ACK byte and cross-checks it
// against ACK/NAK.
func (t *Telegram) SetMasterAck(b byte) {
	t.master.ack = b
	t.master.hasAck = true
	if b != sequence.ACK && b != sequence.NAK {
		t.master.state = StateBadACK
	}
}

// SetSlaveAck records an observed slave-ACK byte and cross-checks it
// against ACK/NAK.
func (t *Telegram) SetSlaveAck(b byte) {
	t.slave.ack = b
	t.slave.hasAck = true
	if b != sequence.ACK && b != sequence.NAK {
		t.slave.state = StateBadACK
	}
}

// AttachSlave installs the slave part for an MS telegram from a raw,
// application-supplied body "NN D…" (no CRC — it is computed here).
func (t *Telegram) AttachSlave(body []byte) error {
	if t.typ != TypeMS {
		return fmt.Errorf("telegram: cannot attach a slave part to a %s telegram", t.typ)
	}
	if len(body) < 1 {
		t.slave.state = StateTooShort
		return fmt.Errorf("telegram: slave body too short")
	}
	nn := int(body[0])
	data := body[1:]
	if nn != len(data) || nn < MinDataLen || nn > MaxDataLen {
		t.slave.state = StateBadNN
		return fmt.Errorf("telegram: slave NN=%d does not match %d data bytes", nn, len(data))
	}
	seq := sequence.New(body...)
	t.slave.data = seq
	t.slave.nn = nn
	t.slave.crc = seq.CRC()
	t.slave.state = StateOK
	return nil
}

// GetMaster returns the master half's bytes (QQ ZZ PB SB NN D…), without
// CRC or ACK.
func (t *Telegram) GetMaster() *sequence.Sequence {
	return t.master.data
}

// GetSlave returns the slave half's bytes (NN D…), without CRC or ACK. Nil
// for non-MS telegrams.
func (t *Telegram) GetSlave() *sequence.Sequence {
	return t.slave.data
}

// QQ, ZZ return the source/target address bytes.
func (t *Telegram) QQ() byte { return t.qq }
func (t *Telegram) ZZ() byte { return t.zz }

// MasterCRC, SlaveCRC return the computed/parsed CRC of each half.
func (t *Telegram) MasterCRC() byte { return t.master.crc }
func (t *Telegram) SlaveCRC() byte  { return t.slave.crc }

// MasterState, SlaveState return each half's validation outcome.
func (t *Telegram) MasterState() PartState { return t.master.state }
func (t *Telegram) SlaveState() PartState  { return t.slave.state }

// MasterAck, SlaveAck return the observed ACK bytes, if any.
func (t *Telegram) MasterAck() (b byte, ok bool) { return t.master.ack, t.master.hasAck }
func (t *Telegram) SlaveAck() (b byte, ok bool)  { return t.slave.ack, t.slave.hasAck }

// Type returns the telegram's derived category.
func (t *Telegram) Type() Type { return t.typ }

// IsValid reports whether all relevant halves parsed OK and any required
// ACK is positive (spec.md §4.2).
func (t *Telegram) IsValid() bool {
	if t.master.state != StateOK {
		return false
	}
	switch t.typ {
	case TypeBC:
		return true
	case TypeMM:
		return t.master.hasAck && t.master.ack == sequence.ACK
	case TypeMS:
		if !t.master.hasAck || t.master.ack != sequence.ACK {
			return false
		}
		return t.slave.state == StateOK && t.slave.hasAck && t.slave.ack == sequence.ACK
	default:
		return false
	}
}

// String renders a compact hex view of both halves, for logging.
func (t *Telegram) String() string {
	s := fmt.Sprintf("%s: %s", t.typ, t.master.data)
	if t.master.hasAck {
		s += fmt.Sprintf(" ACKm=%02X", t.master.ack)
	}
	if t.typ == TypeMS && t.slave.data != nil {
		s += fmt.Sprintf(" / %s", t.slave.data)
		if t.slave.hasAck {
			s += fmt.Sprintf(" ACKs=%02X", t.slave.ack)
		}
	}
	return s
}

// ToStringLog mirrors EbusSequence::toStringLog from the original ebusd
// sources: master hex, slave hex (if any), space-separated, no ACK bytes —
// the form used for the publish-callback's informational log line.
func (t *Telegram) ToStringLog() string {
	if t.typ == TypeMS && t.slave.data != nil {
		return fmt.Sprintf("%s %s", t.master.data, t.slave.data)
	}
	if t.master.data != nil {
		return t.master.data.String()
	}
	return ""
}
