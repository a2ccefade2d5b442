package device

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// TCP is a Device backed by a TCP connection to a remote serial proxy
// (spec.md §1/§4.3: "the remote end handles the bus"). Unlike Serial it
// needs no local baud/parity settings and supports a true per-read
// deadline via net.Conn.SetReadDeadline, so no background reader
// goroutine is required.
type TCP struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
	open bool
}

// NewTCP returns a TCP Device for the given "host:port" address. Call
// Open to actually connect.
func NewTCP(addr string) *TCP {
	return &TCP{addr: addr}
}

func (d *TCP) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil
	}
	conn, err := net.DialTimeout("tcp", d.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpenFailed, d.addr, err)
	}
	d.conn = conn
	d.open = true
	return nil
}

func (d *TCP) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	return d.conn.Close()
}

func (d *TCP) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *TCP) ReadByte(timeout time.Duration) (byte, error) {
	d.mu.Lock()
	conn, open := d.conn, d.open
	d.mu.Unlock()
	if !open {
		return 0, ErrClosed
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("device: set read deadline: %w", err)
	}
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("device: read: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return buf[0], nil
}

func (d *TCP) WriteByte(b byte) error {
	d.mu.Lock()
	conn, open := d.conn, d.open
	d.mu.Unlock()
	if !open {
		return ErrClosed
	}
	_, err := conn.Write([]byte{b})
	if err != nil {
		return fmt.Errorf("device: write: %w", err)
	}
	return nil
}

// FlushInput drains any bytes currently buffered in the kernel socket
// receive queue, using a zero-ish deadline so it never blocks waiting for
// more data that isn't already there.
func (d *TCP) FlushInput() {
	d.mu.Lock()
	conn, open := d.conn, d.open
	d.mu.Unlock()
	if !open {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n == 0 || err != nil {
			break
		}
	}
}
