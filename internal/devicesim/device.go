// Package devicesim simulates an STK500v1 bootloader behind a Transport.
//
// The simulated device parses commands as they are written and queues its
// replies, so a session can be exercised end to end without hardware. Faults
// (stalls, dropped links, corrupted replies) can be injected to drive the
// error paths.
package devicesim

import (
	"sync"
	"time"

	"github.com/bigbag/avr-flasher/internal/protocol"
	"github.com/bigbag/avr-flasher/internal/transport"
)

// Command is one complete command received by the device.
type Command struct {
	Code byte
	Raw  []byte
}

// Page is one program-page command as the device saw it.
type Page struct {
	Address uint16 // word address set by the preceding load-address
	Data    []byte
}

// Fault replaces the framing of one reply.
type Fault struct {
	Command    byte // command whose reply is corrupted
	Occurrence int  // 1-based occurrence of Command
	InSync     byte
	OK         byte
}

// Device is an in-memory optiboot. It implements transport.Transport.
type Device struct {
	mu sync.Mutex

	name      string
	signature protocol.Signature
	major     byte
	minor     byte
	flash     []byte
	timeout   time.Duration

	stallAfterPages int
	closeAfterPages int
	faults          []Fault
	responseDelay   time.Duration

	in       []byte
	out      []byte
	address  uint16
	progmode bool
	running  bool
	app      []byte
	commands []Command
	pages    []Page
	counts   map[byte]int

	closed         bool
	closedCh       chan struct{}
	writesAfterEnd int
}

// Option configures a Device.
type Option func(*Device)

// WithSignature sets the signature returned by read-signature.
func WithSignature(sig protocol.Signature) Option {
	return func(d *Device) {
		d.signature = sig
	}
}

// WithVersion sets the software version returned by get-parameter.
func WithVersion(major, minor byte) Option {
	return func(d *Device) {
		d.major = major
		d.minor = minor
	}
}

// WithFlashSize sets the simulated flash size in bytes.
func WithFlashSize(size int) Option {
	return func(d *Device) {
		if size > 0 {
			d.flash = newFlash(size)
		}
	}
}

// WithStallAfterPages makes the device stop answering once n pages have
// been programmed.
func WithStallAfterPages(n int) Option {
	return func(d *Device) {
		d.stallAfterPages = n
	}
}

// WithCloseAfterPages makes the device drop the link once n pages have
// been programmed.
func WithCloseAfterPages(n int) Option {
	return func(d *Device) {
		d.closeAfterPages = n
	}
}

// WithFault corrupts one reply.
func WithFault(f Fault) Option {
	return func(d *Device) {
		d.faults = append(d.faults, f)
	}
}

// WithResponseDelay delays every read, simulating a slow link.
func WithResponseDelay(delay time.Duration) Option {
	return func(d *Device) {
		d.responseDelay = delay
	}
}

// New creates a simulated ATmega328P running optiboot 8.0.
func New(opts ...Option) *Device {
	d := &Device{
		name:      "simulator",
		signature: protocol.Signature{0x1E, 0x95, 0x0F},
		major:     8,
		minor:     0,
		flash:     newFlash(32 * 1024),
		timeout:   transport.DefaultReadTimeout,
		counts:    make(map[byte]int),
		closedCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func newFlash(size int) []byte {
	flash := make([]byte, size)
	for i := range flash {
		flash[i] = 0xFF
	}
	return flash
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) SetReadTimeout(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return transport.ErrClosed
	}
	d.timeout = timeout
	return nil
}

func (d *Device) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.writesAfterEnd++
		return transport.ErrClosed
	}

	d.in = append(d.in, p...)
	d.process()
	return nil
}

func (d *Device) ReadByte() (byte, error) {
	buf, err := d.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *Device) ReadExact(n int) ([]byte, error) {
	d.mu.Lock()
	timeout := d.timeout
	delay := d.responseDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-d.closedCh:
			return nil, transport.ErrClosed
		case <-time.After(delay):
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if len(d.out) >= n {
		buf := make([]byte, n)
		copy(buf, d.out)
		d.out = d.out[n:]
		d.mu.Unlock()
		return buf, nil
	}
	d.mu.Unlock()

	// Replies are queued synchronously by Write, so nothing else will
	// arrive: wait out the timeout unless the link is closed first.
	select {
	case <-d.closedCh:
		return nil, transport.ErrClosed
	case <-time.After(timeout):
		return nil, transport.ErrTimeout
	}
}

// Close drops the link. Safe to call repeatedly and from any goroutine.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

func (d *Device) closeLocked() {
	if d.closed {
		return
	}
	d.closed = true
	close(d.closedCh)
}

// Closed reports whether the link has been closed.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// WritesAfterClose returns how many writes were attempted on a closed link.
func (d *Device) WritesAfterClose() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writesAfterEnd
}

// Commands returns every complete command received so far.
func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Command, len(d.commands))
	copy(out, d.commands)
	return out
}

// Count returns how many times cmd was received.
func (d *Device) Count(cmd byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[cmd]
}

// Pages returns every program-page command received so far.
func (d *Device) Pages() []Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Page, len(d.pages))
	copy(out, d.pages)
	return out
}

// Flash returns a copy of the first n bytes of simulated flash.
func (d *Device) Flash(n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > len(d.flash) {
		n = len(d.flash)
	}
	out := make([]byte, n)
	copy(out, d.flash[:n])
	return out
}

// Running reports whether the bootloader has handed over to the sketch.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Received returns the bytes the running sketch has received.
func (d *Device) Received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.app...)
}

// InProgramMode reports whether the device is between enter and leave.
func (d *Device) InProgramMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progmode
}
