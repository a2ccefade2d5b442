package device

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// baudRate is fixed by the eBUS wire format (spec.md §6): 2400 baud, 8N1,
// no flow control.
const baudRate = 2400

// serialReadPoll bounds how long the background reader blocks on the
// underlying port.Read before checking for shutdown; it is not the
// per-telegram timeout the Fsm asks for (that's ReadByte's argument).
const serialReadPoll = 50 * time.Millisecond

// Serial is a Device backed by a local tty, opened raw 8N1 at 2400 baud.
// Grounded on amken3d-gopper's host/serial (github.com/tarm/serial), with
// a background reader goroutine feeding a channel so ReadByte can honour
// an arbitrary per-call timeout the same way transport_host.go's readLoop
// feeds its ackChan/responseChan — tarm/serial itself only supports one
// fixed read timeout per open port.
type Serial struct {
	path string

	mu   sync.Mutex
	port *serial.Port
	open bool

	bytesCh chan byte
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSerial returns a Serial Device for the given tty path (e.g.
// "/dev/ttyUSB0"). Call Open to actually open it.
func NewSerial(path string) *Serial {
	return &Serial{path: path}
}

func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}

	cfg := &serial.Config{
		Name:        s.path,
		Baud:        baudRate,
		ReadTimeout: serialReadPoll,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpenFailed, s.path, err)
	}

	s.port = port
	s.open = true
	s.bytesCh = make(chan byte, 1)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.readLoop()
	return nil
}

// readLoop is the only goroutine that ever calls s.port.Read; ReadByte and
// FlushInput only ever touch s.bytesCh.
func (s *Serial) readLoop() {
	defer close(s.doneCh)
	buf := make([]byte, 1)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			// tarm/serial returns an error on its internal read timeout too;
			// treat any error as "nothing read this poll" and retry, unless
			// the port was closed out from under us.
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}
		if n == 0 {
			continue
		}
		select {
		case s.bytesCh <- buf[0]:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	close(s.stopCh)
	s.open = false
	err := s.port.Close()
	<-s.doneCh
	return err
}

func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Serial) ReadByte(timeout time.Duration) (byte, error) {
	s.mu.Lock()
	ch := s.bytesCh
	open := s.open
	s.mu.Unlock()
	if !open {
		return 0, ErrClosed
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-ch:
		return b, nil
	case <-t.C:
		return 0, ErrTimeout
	}
}

func (s *Serial) WriteByte(b byte) error {
	s.mu.Lock()
	port, open := s.port, s.open
	s.mu.Unlock()
	if !open {
		return ErrClosed
	}
	_, err := port.Write([]byte{b})
	if err != nil {
		return fmt.Errorf("device: write: %w", err)
	}
	return nil
}

func (s *Serial) FlushInput() {
	s.mu.Lock()
	ch := s.bytesCh
	s.mu.Unlock()
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// Present implements Checkable: it confirms the tty node still exists,
// for deviceCheck polling (spec.md §4.3/§6).
func (s *Serial) Present() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
