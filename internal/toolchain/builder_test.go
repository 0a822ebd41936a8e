package toolchain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigbag/avr-flasher/internal/upload"
)

var _ upload.ImageSource = (*Sketch)(nil)

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "make.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestRender(t *testing.T) {
	src, err := Render("forward();\ndelay(1000);")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	expected := "#include <Servo.h>\n#include <Sumorobot.h>\n\nvoid setup(){start();}\nvoid loop(){\nforward();\ndelay(1000);\n}\n"
	if string(src) != expected {
		t.Errorf("Render() = %q, want %q", src, expected)
	}
}

func TestRender_NoEscaping(t *testing.T) {
	src, err := Render(`if (a < b && c > d) { say("hi"); }`)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(string(src), `if (a < b && c > d) { say("hi"); }`) {
		t.Errorf("Render() altered the program: %q", src)
	}
}

func TestBuilder_Build(t *testing.T) {
	workDir := t.TempDir()
	script := writeScript(t, "test -f main.ino || exit 1\necho ':00000001FF' > main.hex\n")

	b := New(script, workDir)
	image, err := b.Build(context.Background(), "stop();")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if image != filepath.Join(workDir, ImageName) {
		t.Errorf("Build() = %q, want %q", image, filepath.Join(workDir, ImageName))
	}

	src, err := os.ReadFile(filepath.Join(workDir, SourceName))
	if err != nil {
		t.Fatalf("source not written: %v", err)
	}
	if !strings.Contains(string(src), "void loop(){\nstop();\n}") {
		t.Errorf("source = %q, want program inside loop()", src)
	}
}

func TestBuilder_BuildFailure(t *testing.T) {
	script := writeScript(t, "echo 'main.ino:3: error: expected ;' >&2\nexit 3\n")

	b := New(script, t.TempDir())
	_, err := b.Build(context.Background(), "forward()")
	if err == nil {
		t.Fatal("Build() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "expected ;") {
		t.Errorf("Build() error = %v, want compiler output", err)
	}
}

func TestBuilder_NoImage(t *testing.T) {
	script := writeScript(t, "exit 0\n")

	b := New(script, t.TempDir())
	if _, err := b.Build(context.Background(), ""); !errors.Is(err, ErrNoImage) {
		t.Errorf("Build() error = %v, want ErrNoImage", err)
	}
}

func TestBuilder_ScriptInWorkDir(t *testing.T) {
	workDir := t.TempDir()
	script := "echo ':00000001FF' > main.hex\n"
	if err := os.WriteFile(filepath.Join(workDir, DefaultScript), []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	t.Chdir(t.TempDir())

	b := New("", workDir)
	image, err := b.Build(context.Background(), "forward();")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if image != filepath.Join(workDir, ImageName) {
		t.Errorf("Build() = %q, want %q", image, filepath.Join(workDir, ImageName))
	}
}

func TestBuilder_StaleImage(t *testing.T) {
	workDir := t.TempDir()
	stale := filepath.Join(workDir, ImageName)
	if err := os.WriteFile(stale, []byte(":00000001FF\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := New(writeScript(t, "exit 0\n"), workDir)
	if _, err := b.Build(context.Background(), ""); !errors.Is(err, ErrNoImage) {
		t.Errorf("Build() error = %v, want ErrNoImage", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("image from an earlier build still present: %v", err)
	}
}

func TestBuilder_Cancelled(t *testing.T) {
	script := writeScript(t, "exec sleep 5\n")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	b := New(script, t.TempDir())
	start := time.Now()
	_, err := b.Source("").HexImage(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("HexImage() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("HexImage() returned after %v, want prompt return", elapsed)
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New("", "")
	if b.Script != DefaultScript || b.WorkDir != "." || b.Shell != DefaultShell {
		t.Errorf("New() = %+v, want defaults", b)
	}
}
