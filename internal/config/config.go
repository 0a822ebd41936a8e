// Package config loads the avr-flasher TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bigbag/avr-flasher/internal/flasher"
	"github.com/bigbag/avr-flasher/internal/ihex"
	"github.com/bigbag/avr-flasher/internal/protocol"
	"github.com/bigbag/avr-flasher/internal/toolchain"
)

// Toolchain configures the external build.
type Toolchain struct {
	Script  string
	WorkDir string
}

// Config is the resolved configuration.
type Config struct {
	Port  string
	Baud  int
	TCP   string
	Reset bool

	ReadTimeout  time.Duration
	CommandDelay time.Duration
	SyncDelay    time.Duration
	SyncRetries  int
	PageSize     int
	Strict       bool

	HexMode         ihex.Mode
	VerifyChecksums bool

	Toolchain Toolchain
	LogLevel  string
}

// Default returns the built-in configuration.
func Default() Config {
	session := flasher.DefaultConfig()
	return Config{
		Baud:         protocol.DefaultBaudRate,
		Reset:        true,
		ReadTimeout:  session.ReadTimeout,
		CommandDelay: session.CommandDelay,
		SyncDelay:    session.SyncDelay,
		SyncRetries:  session.SyncRetries,
		PageSize:     session.PageSize,
		Strict:       session.Strict,
		HexMode:      ihex.ModeRecords,
		Toolchain: Toolchain{
			Script:  toolchain.DefaultScript,
			WorkDir: ".",
		},
		LogLevel: "info",
	}
}

type fileToolchain struct {
	Script  string `toml:"script"`
	WorkDir string `toml:"workdir"`
}

type fileConfig struct {
	Port            string        `toml:"port"`
	Baud            int           `toml:"baud"`
	TCP             string        `toml:"tcp"`
	Reset           bool          `toml:"reset"`
	ReadTimeout     string        `toml:"read_timeout"`
	CommandDelay    string        `toml:"command_delay"`
	SyncDelay       string        `toml:"sync_delay"`
	SyncRetries     int           `toml:"sync_retries"`
	PageSize        int           `toml:"page_size"`
	Strict          bool          `toml:"strict"`
	HexMode         string        `toml:"hex_mode"`
	VerifyChecksums bool          `toml:"verify_checksums"`
	Toolchain       fileToolchain `toml:"toolchain"`
	LogLevel        string        `toml:"log_level"`
}

// DefaultPath returns $XDG_CONFIG_HOME/avr-flasher/config.toml, or an empty
// string when there is no user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "avr-flasher", "config.toml")
}

// Load reads path over the defaults. An empty path loads DefaultPath if
// that file exists.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return Default(), nil
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. Keys missing from the file keep
// their default.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}

	if meta.IsDefined("baud") {
		if raw.Baud <= 0 {
			return Config{}, fmt.Errorf("invalid baud %d", raw.Baud)
		}
		cfg.Baud = raw.Baud
	}

	if meta.IsDefined("tcp") {
		cfg.TCP = strings.TrimSpace(raw.TCP)
	}

	if meta.IsDefined("reset") {
		cfg.Reset = raw.Reset
	}

	if meta.IsDefined("read_timeout") {
		d, err := parseDuration("read_timeout", raw.ReadTimeout)
		if err != nil {
			return Config{}, err
		}
		if d == 0 {
			return Config{}, fmt.Errorf("read_timeout must be positive")
		}
		cfg.ReadTimeout = d
	}

	if meta.IsDefined("command_delay") {
		d, err := parseDuration("command_delay", raw.CommandDelay)
		if err != nil {
			return Config{}, err
		}
		cfg.CommandDelay = d
	}

	if meta.IsDefined("sync_delay") {
		d, err := parseDuration("sync_delay", raw.SyncDelay)
		if err != nil {
			return Config{}, err
		}
		cfg.SyncDelay = d
	}

	if meta.IsDefined("sync_retries") {
		if raw.SyncRetries < 0 {
			return Config{}, fmt.Errorf("invalid sync_retries %d", raw.SyncRetries)
		}
		cfg.SyncRetries = raw.SyncRetries
	}

	if meta.IsDefined("page_size") {
		if raw.PageSize <= 0 || raw.PageSize > 256 || raw.PageSize%2 != 0 {
			return Config{}, fmt.Errorf("invalid page_size %d: must be even and at most 256", raw.PageSize)
		}
		cfg.PageSize = raw.PageSize
	}

	if meta.IsDefined("strict") {
		cfg.Strict = raw.Strict
	}

	if meta.IsDefined("hex_mode") {
		mode, err := ihex.ParseMode(raw.HexMode)
		if err != nil {
			return Config{}, fmt.Errorf("parse hex_mode: %w", err)
		}
		cfg.HexMode = mode
	}

	if meta.IsDefined("verify_checksums") {
		cfg.VerifyChecksums = raw.VerifyChecksums
	}

	if meta.IsDefined("toolchain", "script") {
		cfg.Toolchain.Script = strings.TrimSpace(raw.Toolchain.Script)
	}

	if meta.IsDefined("toolchain", "workdir") {
		cfg.Toolchain.WorkDir = strings.TrimSpace(raw.Toolchain.WorkDir)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// FlasherOptions returns the session options for this configuration.
func (c Config) FlasherOptions() []flasher.Option {
	return []flasher.Option{
		flasher.WithReadTimeout(c.ReadTimeout),
		flasher.WithCommandDelay(c.CommandDelay),
		flasher.WithSyncDelay(c.SyncDelay),
		flasher.WithSyncRetries(c.SyncRetries),
		flasher.WithPageSize(c.PageSize),
		flasher.WithStrict(c.Strict),
	}
}

// DecodeOptions returns the hex decoder options for this configuration.
func (c Config) DecodeOptions() ihex.Options {
	return ihex.Options{
		Mode:            c.HexMode,
		VerifyChecksums: c.VerifyChecksums,
	}
}
