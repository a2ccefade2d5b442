// Package device abstracts the byte-level transport the Fsm drives: open,
// close, read-with-timeout, write, and input-flush, with two concrete
// backends (a local serial tty and a remote TCP proxy).
package device

import (
	"errors"
	"time"
)

// Sentinel errors returned by ReadByte/WriteByte/Open, matching spec.md
// §4.3's result set (Timeout, Closed, IoError, OpenFailed).
var (
	ErrTimeout    = errors.New("device: read timeout")
	ErrClosed     = errors.New("device: closed")
	ErrOpenFailed = errors.New("device: open failed")
)

// Device is the narrow byte interface the Fsm drives. Exactly one
// goroutine (the Fsm's) may call these methods at a time; Device
// implementations are free to run their own internal goroutines (e.g. a
// background reader) but must serialize access to the wire themselves.
type Device interface {
	// Open opens the underlying transport. Returns ErrOpenFailed (wrapped)
	// on failure.
	Open() error

	// Close releases the underlying transport. Idempotent.
	Close() error

	// IsOpen reports whether Open has succeeded and Close has not yet
	// been called.
	IsOpen() bool

	// ReadByte reads one byte, waiting at most timeout. Returns
	// ErrTimeout, ErrClosed, or a wrapped I/O error.
	ReadByte(timeout time.Duration) (byte, error)

	// WriteByte writes one byte. Does not flush/wait for a response.
	WriteByte(b byte) error

	// FlushInput discards any buffered, not-yet-read input bytes. Used on
	// error recovery and to detect a pre-existing bus collision.
	FlushInput()
}

// Checkable is implemented by Device backends that can confirm the
// underlying transport is still present without attempting a read
// (spec.md §4.3's "device-check mode", serial-only). TCP devices do not
// implement this: the remote end owns presence detection.
type Checkable interface {
	// Present reports whether the underlying device node still exists.
	Present() bool
}
