package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bigbag/avr-flasher/internal/transport"
)

// ImageSource produces the path of a compiled hex image.
type ImageSource interface {
	HexImage(ctx context.Context) (string, error)
}

// HexFile is an ImageSource for an already compiled image.
type HexFile string

func (f HexFile) HexImage(ctx context.Context) (string, error) {
	return string(f), ctx.Err()
}

// Connector acquires the transport for one upload. Device names the
// endpoint and keys single-flight.
type Connector interface {
	Device() string
	Connect(ctx context.Context) (transport.Transport, error)
}

// Existing hands out a transport that is already open. The upload closes
// it when done.
type Existing struct {
	T transport.Transport
}

func (e Existing) Device() string {
	return e.T.Name()
}

func (e Existing) Connect(ctx context.Context) (transport.Transport, error) {
	return e.T, nil
}

// Release closes the transport even when the upload never connected.
func (e Existing) Release() {
	e.T.Close()
}

// SerialPort opens a serial port, optionally pulsing DTR/RTS so an
// auto-reset board enters its bootloader.
type SerialPort struct {
	Port  string
	Baud  int
	Reset bool
}

func (p SerialPort) Device() string {
	return p.Port
}

func (p SerialPort) Connect(ctx context.Context) (transport.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := transport.OpenSerial(p.Port, p.Baud)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.Port, err)
	}

	if p.Reset {
		if err := t.Port().ResetToBootloader(); err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to reset %s: %w", p.Port, err)
		}
	}
	return t, nil
}

// TCPBridge dials a network serial bridge.
type TCPBridge struct {
	Addr    string
	Timeout time.Duration
}

func (b TCPBridge) Device() string {
	return b.Addr
}

func (b TCPBridge) Connect(ctx context.Context) (transport.Transport, error) {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	return transport.Dial(ctx, b.Addr)
}
