// Package toolchain wraps a robot program into an Arduino sketch and runs
// the external build script that compiles it to a hex image.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bigbag/avr-flasher/embedded"
)

const (
	SourceName = "main.ino"
	ImageName  = "main.hex"

	DefaultScript = "make.sh"
	DefaultShell  = "/bin/sh"

	// waitDelay bounds how long output pipes held by the script's children
	// keep Build waiting after cancellation.
	waitDelay = time.Second
)

// ErrNoImage is returned when the build script succeeds without producing
// an image.
var ErrNoImage = errors.New("build produced no hex image")

var sketch = template.Must(template.New("sketch").Parse(embedded.Sketch()))

// Builder compiles programs in a work directory.
type Builder struct {
	Script  string // build script, relative to WorkDir unless absolute
	WorkDir string
	Shell   string
}

// New creates a builder. Empty arguments fall back to the defaults.
func New(script, workDir string) *Builder {
	if script == "" {
		script = DefaultScript
	}
	if workDir == "" {
		workDir = "."
	}
	return &Builder{
		Script:  script,
		WorkDir: workDir,
		Shell:   DefaultShell,
	}
}

// Render wraps program into the sketch template.
func Render(program string) ([]byte, error) {
	var buf bytes.Buffer
	if err := sketch.Execute(&buf, struct{ Program string }{program}); err != nil {
		return nil, fmt.Errorf("failed to render sketch: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteSource renders program and writes it to <workdir>/main.ino.
func (b *Builder) WriteSource(program string) (string, error) {
	src, err := Render(program)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(b.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	path := filepath.Join(b.WorkDir, SourceName)
	if err := os.WriteFile(path, src, 0o644); err != nil {
		return "", fmt.Errorf("failed to write source: %w", err)
	}
	return path, nil
}

// Build writes the source, runs the build script and returns the path of
// the compiled image.
func (b *Builder) Build(ctx context.Context, program string) (string, error) {
	if _, err := b.WriteSource(program); err != nil {
		return "", err
	}

	// A relative script lives in the work directory
	script := b.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(b.WorkDir, script)
	}
	script, err := filepath.Abs(script)
	if err != nil {
		return "", fmt.Errorf("failed to resolve build script: %w", err)
	}

	image := filepath.Join(b.WorkDir, ImageName)
	if err := os.Remove(image); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to remove old image: %w", err)
	}

	shell := b.Shell
	if shell == "" {
		shell = DefaultShell
	}

	cmd := exec.CommandContext(ctx, shell, script)
	cmd.Dir = b.WorkDir
	cmd.WaitDelay = waitDelay
	out, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		return "", fmt.Errorf("build failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	log.Debug().Str("script", script).Bytes("output", bytes.TrimSpace(out)).Msg("build finished")

	if _, err := os.Stat(image); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoImage, image)
	}
	return image, nil
}

// Source returns an image source that builds program on demand.
func (b *Builder) Source(program string) *Sketch {
	return &Sketch{builder: b, program: program}
}

// Sketch is a program waiting to be compiled.
type Sketch struct {
	builder *Builder
	program string
}

func (s *Sketch) HexImage(ctx context.Context) (string, error) {
	return s.builder.Build(ctx, s.program)
}
