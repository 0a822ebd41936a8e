// Package transport defines the byte-stream contract the bootloader session
// talks through, and its serial and TCP implementations.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// DefaultReadTimeout bounds the wait for each bootloader response.
const DefaultReadTimeout = 500 * time.Millisecond

var (
	// ErrClosed is returned by every operation once the transport is closed,
	// including reads that were blocked when Close was called.
	ErrClosed = errors.New("transport closed")

	// ErrTimeout is returned when no data arrives within the read timeout.
	ErrTimeout = errors.New("transport read timeout")
)

// Error is an I/O failure on the underlying connection.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport is an ordered byte stream bound to one physical connection.
//
// Reads block until data arrives, the read timeout expires (ErrTimeout) or
// the transport is closed (ErrClosed). Close may be called from another
// goroutine to abort a blocked read, and calling it more than once is safe.
type Transport interface {
	Write(p []byte) error
	ReadByte() (byte, error)
	ReadExact(n int) ([]byte, error)
	SetReadTimeout(d time.Duration) error
	Close() error

	// Name identifies the connection, e.g. the port path or remote address.
	Name() string
}
