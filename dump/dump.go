// Package dump implements the optional append-only raw-byte capture the
// Fsm writes every successfully-read byte to, rotating at a size cap
// (spec.md §4.4/§6).
package dump

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/xid"
)

// RawDump appends raw wire bytes (pre-unescape, arrival order) to a file,
// rotating path -> path.old and starting a fresh file before a write that
// would take the current one past the maxSizeKB cap given to New. Only
// the Fsm thread ever calls Write.
type RawDump struct {
	path      string
	maxBytes  int64
	mu        sync.Mutex
	f         *os.File
	size      int64
	sessionID xid.ID // correlates rotations for a given dump session in logs
}

// New returns a RawDump that will rotate path once it exceeds
// maxSizeKB kilobytes. The file is not opened until the first Write.
func New(path string, maxSizeKB int) *RawDump {
	return &RawDump{
		path:      path,
		maxBytes:  int64(maxSizeKB) * 1024,
		sessionID: xid.New(),
	}
}

// SessionID returns the correlation id for this dump's log lines.
func (d *RawDump) SessionID() xid.ID {
	return d.sessionID
}

// Write appends b to the dump file, opening it lazily and rotating first
// if the write would exceed the configured cap.
func (d *RawDump) Write(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		if err := d.open(); err != nil {
			return err
		}
	}
	if d.maxBytes > 0 && d.size+int64(len(b)) > d.maxBytes {
		if err := d.rotate(); err != nil {
			return err
		}
	}
	n, err := d.f.Write(b)
	d.size += int64(n)
	if err != nil {
		return fmt.Errorf("dump: write %s: %w", d.path, err)
	}
	return nil
}

func (d *RawDump) open() error {
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("dump: open %s: %w", d.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("dump: stat %s: %w", d.path, err)
	}
	d.f = f
	d.size = info.Size()
	return nil
}

// rotate moves path -> path.old and opens a fresh file, mirroring the
// append-only dump files kept by the teacher's host-side MCU tooling
// (dictionary retrieval writes) but with explicit size-capped rotation,
// which spec.md §4.4/§6 requires and the teacher does not need.
func (d *RawDump) rotate() error {
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
	oldPath := d.path + ".old"
	if err := os.Rename(d.path, oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dump: rotate %s -> %s: %w", d.path, oldPath, err)
	}
	d.sessionID = xid.New()
	return d.open()
}

// Close closes the underlying file, if open.
func (d *RawDump) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// Size returns the current dump file size in bytes, for tests/metrics.
func (d *RawDump) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}
