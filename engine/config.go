package engine

import "time"

// Config bundles the Engine's construction-time tunables, matching
// spec.md §6's option table. It follows the same struct/DefaultConfig
// pairing as fsm.Config (amken3d-gopper host/serial.Config), since the
// Engine is mostly a thin wrapper choosing a Device and a Fsm around that
// pattern.
type Config struct {
	DeviceCheck bool // enable presence polling on the tty, §4.3

	ReopenTime      time.Duration // dead-bus threshold before a reopen
	ArbitrationTime time.Duration // window for the arbitration echo
	ReceiveTimeout  time.Duration // window for each inter-byte read

	LockCounter int // inter-send fairness counter, 1-25
	LockRetries int // arbitration-retry budget per send

	Dump              bool   // enable raw dump
	DumpFile          string // path
	DumpFileMaxSizeKB int    // KB cap before rotation
}

// DefaultConfig returns a Config with spec.md's documented defaults; Dump
// is disabled and DumpFile empty (Start requires both Dump and a DumpFile
// to enable the raw dump).
func DefaultConfig() Config {
	return Config{
		ReopenTime:      60 * time.Second,
		ArbitrationTime: 4400 * time.Microsecond,
		ReceiveTimeout:  4700 * time.Microsecond,
		LockCounter:     5,
		LockRetries:     2,
	}
}
