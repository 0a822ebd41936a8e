package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigbag/avr-flasher/internal/serial"
)

// Serial is a Transport over a serial port: USB CDC/FTDI adapters and
// Bluetooth SPP links bound to an rfcomm device alike.
type Serial struct {
	port    *serial.Port
	timeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSerial wraps an open port. The transport owns the port from now on.
func NewSerial(port *serial.Port) *Serial {
	return &Serial{
		port:    port,
		timeout: DefaultReadTimeout,
	}
}

// OpenSerial opens portName at baudRate and wraps it.
func OpenSerial(portName string, baudRate int) (*Serial, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	s := NewSerial(port)
	if err := s.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

// Port returns the underlying serial port.
func (s *Serial) Port() *serial.Port {
	return s.port
}

func (s *Serial) Name() string {
	return s.port.PortName()
}

func (s *Serial) SetReadTimeout(d time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.port.SetReadTimeout(d); err != nil {
		return s.wrap("set timeout", err)
	}
	s.timeout = d
	return nil
}

func (s *Serial) Write(p []byte) error {
	sent := 0
	for sent < len(p) {
		if s.closed.Load() {
			return ErrClosed
		}
		n, err := s.port.Write(p[sent:])
		if err != nil {
			return s.wrap("write", err)
		}
		sent += n
	}
	return nil
}

func (s *Serial) ReadByte() (byte, error) {
	buf, err := s.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (s *Serial) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	deadline := time.Now().Add(s.timeout)

	got := 0
	for got < n {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		m, err := s.port.Read(buf[got:])
		if err != nil {
			return nil, s.wrap("read", err)
		}
		if m == 0 {
			// go.bug.st/serial reports an expired read timeout as 0, nil
			return nil, ErrTimeout
		}
		got += m
		if got < n && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
	return buf, nil
}

// Close closes the port. It is safe to call from another goroutine and more
// than once; a blocked read returns ErrClosed.
func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

func (s *Serial) wrap(op string, err error) error {
	if s.closed.Load() || serial.IsClosed(err) {
		return ErrClosed
	}
	return &Error{Op: op, Err: err}
}
