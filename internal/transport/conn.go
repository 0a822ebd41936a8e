package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a Transport over a network connection, typically a TCP serial
// bridge (ser2net, esp-link) sitting in front of the board.
type Conn struct {
	conn    net.Conn
	timeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:    conn,
		timeout: DefaultReadTimeout,
	}
}

// Dial connects to a TCP serial bridge at addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	return NewConn(conn), nil
}

func (c *Conn) Name() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) SetReadTimeout(d time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.timeout = d
	return nil
}

func (c *Conn) Write(p []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.conn.Write(p); err != nil {
		return c.wrap("write", err)
	}
	return nil
}

func (c *Conn) ReadByte() (byte, error) {
	buf, err := c.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *Conn) ReadExact(n int) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, c.wrap("set deadline", err)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, c.wrap("read", err)
	}
	return buf, nil
}

// Close closes the connection; safe to call concurrently and repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) wrap(op string, err error) error {
	if c.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	// The remote end hanging up severs the link just like a local close
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return &Error{Op: op, Err: err}
}
