package flasher

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bigbag/avr-flasher/internal/protocol"
	"github.com/bigbag/avr-flasher/internal/transport"
)

// ProgressCallback is called after every programmed page.
type ProgressCallback func(current, total int)

// Config holds the session configuration.
type Config struct {
	// ReadTimeout bounds the wait for each response
	ReadTimeout time.Duration

	// CommandDelay is slept after every command before the response is
	// read. Zero relies on ReadTimeout alone.
	CommandDelay time.Duration

	// SyncBurst is how many sync commands are sent before the first read
	SyncBurst int

	// SyncDelay paces the sync burst and seeds the retry backoff
	SyncDelay time.Duration

	// SyncRetries is how many more bursts are tried after a failed sync
	SyncRetries int

	// DrainTimeout is the quiet period that ends draining stray sync replies
	DrainTimeout time.Duration

	// PageSize is the number of bytes per program-page command
	PageSize int

	// Strict fails the session on a response not framed by in-sync/ok.
	// When false the mismatch is logged and the session carries on.
	Strict bool

	Progress ProgressCallback
	Logger   zerolog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  transport.DefaultReadTimeout,
		SyncBurst:    5,
		SyncDelay:    50 * time.Millisecond,
		SyncRetries:  2,
		DrainTimeout: 100 * time.Millisecond,
		PageSize:     protocol.FlashPageSize,
		Strict:       true,
		Logger:       log.Logger,
	}
}

func (c *Config) validate() error {
	switch {
	case c.PageSize <= 0 || c.PageSize > 256 || c.PageSize%2 != 0:
		return fmt.Errorf("%w: page size %d must be even and at most 256", ErrInvalidConfig, c.PageSize)
	case c.SyncBurst <= 0:
		return fmt.Errorf("%w: sync burst %d", ErrInvalidConfig, c.SyncBurst)
	case c.ReadTimeout <= 0:
		return fmt.Errorf("%w: read timeout %v", ErrInvalidConfig, c.ReadTimeout)
	case c.DrainTimeout <= 0:
		return fmt.Errorf("%w: drain timeout %v", ErrInvalidConfig, c.DrainTimeout)
	}
	return nil
}

// Option is a functional option for configuring a Session.
type Option func(*Config)

// WithReadTimeout sets the per-response read timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.ReadTimeout = timeout
		}
	}
}

// WithCommandDelay sets a fixed delay after every command.
func WithCommandDelay(delay time.Duration) Option {
	return func(c *Config) {
		if delay >= 0 {
			c.CommandDelay = delay
		}
	}
}

// WithSyncDelay sets the pacing between sync commands.
func WithSyncDelay(delay time.Duration) Option {
	return func(c *Config) {
		if delay >= 0 {
			c.SyncDelay = delay
		}
	}
}

// WithSyncRetries sets how many times a failed sync burst is repeated.
func WithSyncRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.SyncRetries = retries
		}
	}
}

// WithDrainTimeout sets the quiet period used to drain stray sync replies.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.DrainTimeout = timeout
		}
	}
}

// WithPageSize sets the flash page size. It must be even and at most 256.
func WithPageSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= 256 && size%2 == 0 {
			c.PageSize = size
		}
	}
}

// WithStrict selects whether framing mismatches abort the session.
func WithStrict(strict bool) Option {
	return func(c *Config) {
		c.Strict = strict
	}
}

// WithProgress sets the page progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithLogger sets the logger used by the session.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
