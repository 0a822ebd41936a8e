package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bigbag/avr-flasher/internal/flasher"
	"github.com/bigbag/avr-flasher/internal/protocol"
	"github.com/bigbag/avr-flasher/internal/serial"
	"github.com/bigbag/avr-flasher/internal/transport"
	"github.com/bigbag/avr-flasher/internal/upload"
)

// Result represents a detected STK500 bootloader.
type Result struct {
	Port      string
	Signature protocol.Signature
	PartName  string
	Version   string
}

// Probe settings are tighter than an upload so a scan over many silent
// ports stays quick.
const (
	probeReadTimeout = 200 * time.Millisecond
	probeSyncRetries = 1
)

// DetectDevice tries to detect a bootloader on available ports.
// Returns the first responding device, or an error.
func DetectDevice(ctx context.Context, baudRate int, reset bool) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, baudRate, reset)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no bootloader found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no bootloader found")
}

// DetectOnPort tries to detect a bootloader on a specific port. opts are
// applied over the probe defaults.
func DetectOnPort(ctx context.Context, portName string, baudRate int, reset bool, opts ...flasher.Option) (*Result, error) {
	return tryPort(ctx, portName, baudRate, reset, opts...)
}

// ListDevices scans all ports and returns every responding bootloader.
func ListDevices(ctx context.Context, baudRate int, reset bool) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := tryPort(ctx, portName, baudRate, reset)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

// Probe identifies the bootloader behind t without writing flash.
func Probe(ctx context.Context, t transport.Transport, opts ...flasher.Option) (*Result, error) {
	opts = append([]flasher.Option{
		flasher.WithReadTimeout(probeReadTimeout),
		flasher.WithSyncRetries(probeSyncRetries),
	}, opts...)

	info, err := flasher.NewSession(t, nil, opts...).Identify(ctx)
	if err != nil {
		return nil, err
	}

	return &Result{
		Port:      t.Name(),
		Signature: info.Signature,
		PartName:  info.PartName(),
		Version:   info.Version(),
	}, nil
}

func tryPort(ctx context.Context, portName string, baudRate int, reset bool, opts ...flasher.Option) (*Result, error) {
	return identifyVia(ctx, portConnector(portName, baudRate, reset), opts...)
}

func portConnector(portName string, baudRate int, reset bool) upload.SerialPort {
	return upload.SerialPort{Port: portName, Baud: baudRate, Reset: reset}
}

// identifyVia connects through c, identifies the bootloader and closes the link.
func identifyVia(ctx context.Context, c upload.Connector, opts ...flasher.Option) (*Result, error) {
	t, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	result, err := Probe(ctx, t, opts...)
	if err != nil {
		log.Debug().Str("port", c.Device()).Err(err).Msg("no bootloader")
		return nil, fmt.Errorf("%s: %w", c.Device(), err)
	}
	return result, nil
}
