// Package drive controls a robot running the interactive sketch: single
// character commands are written over the link the sketch was uploaded
// through.
package drive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bigbag/avr-flasher/internal/transport"
)

// Program is the sketch body that makes the robot obey commands.
const Program = "checkForCommands();"

// DefaultInterval paces consecutive commands.
const DefaultInterval = 50 * time.Millisecond

// ErrUnknownCommand is returned for input that names no command.
var ErrUnknownCommand = errors.New("unknown drive command")

// Command is one drive command byte.
type Command byte

const (
	Forward  Command = 'w'
	Backward Command = 's'
	Left     Command = 'a'
	Right    Command = 'd'
	Stop     Command = 'x'
	Sensors  Command = 'p'
)

var commandNames = map[Command]string{
	Forward:  "forward",
	Backward: "backward",
	Left:     "left",
	Right:    "right",
	Stop:     "stop",
	Sensors:  "sensors",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

// ParseCommand accepts a command letter or name, case-insensitive.
func ParseCommand(s string) (Command, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for cmd, name := range commandNames {
		if s == name || s == string(rune(cmd)) {
			return cmd, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// ParseCommands splits s on whitespace and commas. A word made only of
// command letters, such as "wwax", is read letter by letter.
func ParseCommands(s string) ([]Command, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	var cmds []Command
	for _, field := range fields {
		if cmd, err := ParseCommand(field); err == nil {
			cmds = append(cmds, cmd)
			continue
		}

		letters := make([]Command, 0, len(field))
		for _, r := range strings.ToLower(field) {
			cmd, err := ParseCommand(string(r))
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, field)
			}
			letters = append(letters, cmd)
		}
		cmds = append(cmds, letters...)
	}
	return cmds, nil
}

// Remote sends drive commands over an open link. It owns the link.
type Remote struct {
	t        transport.Transport
	interval time.Duration
	log      zerolog.Logger

	mu   sync.Mutex
	sent int
}

// Option configures a Remote.
type Option func(*Remote)

// WithInterval sets the pause after every command.
func WithInterval(d time.Duration) Option {
	return func(r *Remote) {
		if d >= 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Remote) {
		r.log = logger
	}
}

// NewRemote wraps t.
func NewRemote(t transport.Transport, opts ...Option) *Remote {
	r := &Remote{
		t:        t,
		interval: DefaultInterval,
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("transport", t.Name()).Logger()
	return r
}

// Send writes cmds one at a time. It stops at the first error; a closed
// link is reported as transport.ErrClosed.
func (r *Remote) Send(ctx context.Context, cmds ...Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.t.Write([]byte{byte(cmd)}); err != nil {
			return fmt.Errorf("send %s: %w", cmd, err)
		}
		r.sent++
		r.log.Debug().Str("command", cmd.String()).Msg("sent drive command")

		if r.interval > 0 {
			timer := time.NewTimer(r.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}

// Sent returns how many commands have been written.
func (r *Remote) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// Close stops the robot and closes the link.
func (r *Remote) Close() error {
	r.mu.Lock()
	err := r.t.Write([]byte{byte(Stop)})
	r.mu.Unlock()
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		r.log.Debug().Err(err).Msg("failed to stop robot before closing")
	}
	return r.t.Close()
}
