// Package ebuserr defines the eBUS error taxonomy shared by the fsm and
// engine packages, grouped by recovery policy exactly as spec.md §7
// describes. It follows the wrap-with-message pattern from
// Daedaluz-goserial's error.go: a Kind carries a stable identity, Error
// wraps an optional underlying cause.
package ebuserr

import "fmt"

// Kind identifies one of the eBUS error categories. Kinds below are grouped
// in the same order as spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota

	// Informational — no wire action taken.
	KindEbusOn
	KindEbusOff
	KindBusLocked
	KindBusFreed
	KindMsgIgnored
	KindDeviceFlushed

	// Warning, retryable locally.
	KindByteDifference
	KindArbitrationLost
	KindPriorityFit
	KindPriorityLost
	KindAckNegative
	KindResponseInvalid
	KindRecvMsgInvalid
	KindNotDefined
	KindNoFunc
	KindFreeBusCollision

	// Fatal for this exchange, surfaced to the caller.
	KindLockFailed
	KindAckNegativeFinal
	KindAckWrong
	KindNNWrong
	KindResponseInvalidFinal
	KindRespCreateFailed
	KindRespSendFailed
	KindBadType

	// Fatal for the bus session.
	KindDeviceClosed
	KindOpenFailed

	// Caller-facing outcome, not part of spec.md's taxonomy proper but
	// needed so Send() handles have a terminal state when Engine.Stop is
	// called with sends still pending (spec.md §5, "Cancellation/stop").
	KindCancelled
)

// Severity classifies a Kind by its recovery policy.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityExchangeFatal
	SeveritySessionFatal
)

var severities = map[Kind]Severity{
	KindEbusOn:        SeverityInfo,
	KindEbusOff:       SeverityInfo,
	KindBusLocked:     SeverityInfo,
	KindBusFreed:      SeverityInfo,
	KindMsgIgnored:    SeverityInfo,
	KindDeviceFlushed: SeverityInfo,

	KindByteDifference:  SeverityWarning,
	KindArbitrationLost: SeverityWarning,
	KindPriorityFit:     SeverityWarning,
	KindPriorityLost:    SeverityWarning,
	KindAckNegative:     SeverityWarning,
	KindResponseInvalid: SeverityWarning,
	KindRecvMsgInvalid:  SeverityWarning,
	KindNotDefined:      SeverityWarning,
	KindNoFunc:          SeverityWarning,
	KindFreeBusCollision: SeverityWarning,

	KindLockFailed:           SeverityExchangeFatal,
	KindAckNegativeFinal:     SeverityExchangeFatal,
	KindAckWrong:             SeverityExchangeFatal,
	KindNNWrong:              SeverityExchangeFatal,
	KindResponseInvalidFinal: SeverityExchangeFatal,
	KindRespCreateFailed:     SeverityExchangeFatal,
	KindRespSendFailed:       SeverityExchangeFatal,
	KindBadType:              SeverityExchangeFatal,
	KindCancelled:            SeverityExchangeFatal,

	KindDeviceClosed: SeveritySessionFatal,
	KindOpenFailed:   SeveritySessionFatal,
}

// Severity reports k's recovery policy.
func (k Kind) Severity() Severity {
	if s, ok := severities[k]; ok {
		return s
	}
	return SeverityInfo
}

var names = map[Kind]string{
	KindEbusOn:        "EbusOn",
	KindEbusOff:       "EbusOff",
	KindBusLocked:     "BusLocked",
	KindBusFreed:      "BusFreed",
	KindMsgIgnored:    "MsgIgnored",
	KindDeviceFlushed: "DeviceFlushed",

	KindByteDifference:  "ByteDifference",
	KindArbitrationLost: "ArbitrationLost",
	KindPriorityFit:     "PriorityFit",
	KindPriorityLost:    "PriorityLost",
	KindAckNegative:     "AckNegative",
	KindResponseInvalid: "ResponseInvalid",
	KindRecvMsgInvalid:  "RecvMsgInvalid",
	KindNotDefined:      "NotDefined",
	KindNoFunc:          "NoFunc",
	KindFreeBusCollision: "FreeBusCollision",

	KindLockFailed:           "LockFailed",
	KindAckNegativeFinal:     "AckNegativeFinal",
	KindAckWrong:             "AckWrong",
	KindNNWrong:              "NNWrong",
	KindResponseInvalidFinal: "ResponseInvalidFinal",
	KindRespCreateFailed:     "RespCreateFailed",
	KindRespSendFailed:       "RespSendFailed",
	KindBadType:              "BadType",
	KindCancelled:            "Cancelled",

	KindDeviceClosed: "DeviceClosed",
	KindOpenFailed:   "OpenFailed",
}

// String renders the Kind's canonical name, e.g. "AckNegativeFinal".
func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return "Unknown"
}

// Error wraps a Kind with an optional message and underlying cause,
// following Daedaluz-goserial's error.Error{msg, err} shape.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

// New builds an Error of the given kind with a message, no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, err: cause}
}

func (e *Error) Error() string {
	if e.msg != "" {
		if e.err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is an *Error with the same Kind, enabling
// errors.Is(err, ebuserr.New(KindAckWrong, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
