package upload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bigbag/avr-flasher/internal/devicesim"
	"github.com/bigbag/avr-flasher/internal/flasher"
	"github.com/bigbag/avr-flasher/internal/ihex"
	"github.com/bigbag/avr-flasher/internal/protocol"
	"github.com/bigbag/avr-flasher/internal/transport"
)

type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) UploadFinished(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// writeHex writes n data bytes as 16-byte records followed by an EOF record.
func writeHex(t *testing.T, n int) string {
	t.Helper()

	var sb strings.Builder
	for off := 0; off < n; off += 16 {
		size := min(16, n-off)
		sum := byte(size) + byte(off>>8) + byte(off)
		fmt.Fprintf(&sb, ":%02X%04X00", size, off)
		for i := 0; i < size; i++ {
			b := byte(off + i)
			sum += b
			fmt.Fprintf(&sb, "%02X", b)
		}
		fmt.Fprintf(&sb, "%02X\n", byte(-int(sum)))
	}
	sb.WriteString(":00000001FF\n")

	path := filepath.Join(t.TempDir(), "main.hex")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("failed to write hex: %v", err)
	}
	return path
}

func testConfig(extra ...flasher.Option) Config {
	logger := zerolog.Nop()
	opts := []flasher.Option{
		flasher.WithSyncDelay(0),
		flasher.WithDrainTimeout(time.Millisecond),
		flasher.WithReadTimeout(50 * time.Millisecond),
	}
	return Config{
		Session: append(opts, extra...),
		Logger:  &logger,
	}
}

func waitResult(t *testing.T, h *Handle) Result {
	t.Helper()

	select {
	case <-h.Done():
		return h.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish")
		return Result{}
	}
}

func TestOrchestrator_StartUpload(t *testing.T) {
	dev := devicesim.New()
	rec := &recorder{}
	o := New(testConfig(), rec)

	h, err := o.StartUpload(writeHex(t, 200), dev)
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %v (%s), want succeeded", res.Status, res.Reason())
	}
	if res.Info == nil || res.Info.Pages != 2 {
		t.Errorf("Info = %+v, want 2 pages", res.Info)
	}
	if !dev.Closed() {
		t.Errorf("transport not closed after upload")
	}
	if n := rec.count(); n != 1 {
		t.Errorf("notifier calls = %d, want 1", n)
	}
	if o.Active(dev.Name()) {
		t.Errorf("device still active after upload")
	}
}

func TestOrchestrator_DecodeErrorBeforeIO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hex")
	if err := os.WriteFile(path, []byte(":10000000ZZ\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dev := devicesim.New()
	rec := &recorder{}
	o := New(testConfig(), rec)

	h, err := o.StartUpload(path, dev)
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	if !errors.Is(res.Err, ihex.ErrMalformed) {
		t.Errorf("Err = %v, want ErrMalformed", res.Err)
	}
	if n := len(dev.Commands()); n != 0 {
		t.Errorf("commands sent = %d, want 0", n)
	}
	if !dev.Closed() {
		t.Errorf("transport not closed after failed decode")
	}
	if n := rec.count(); n != 1 {
		t.Errorf("notifier calls = %d, want 1", n)
	}
}

func TestOrchestrator_Busy(t *testing.T) {
	dev := devicesim.New(devicesim.WithStallAfterPages(1))
	o := New(testConfig(flasher.WithReadTimeout(5*time.Second)), nil)
	path := writeHex(t, 300)

	h, err := o.StartUpload(path, dev)
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}

	if _, err := o.StartUpload(path, dev); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartUpload() error = %v, want ErrBusy", err)
	}

	h.Cancel()
	if res := waitResult(t, h); res.Status != StatusCancelled {
		t.Errorf("Status = %v, want cancelled", res.Status)
	}

	h, err = o.StartUpload(path, devicesim.New())
	if err != nil {
		t.Fatalf("StartUpload() after finish error = %v", err)
	}
	if res := waitResult(t, h); res.Status != StatusSucceeded {
		t.Errorf("Status = %v (%s), want succeeded", res.Status, res.Reason())
	}
}

func TestOrchestrator_CancelDuringProgramming(t *testing.T) {
	dev := devicesim.New(devicesim.WithStallAfterPages(1))
	rec := &recorder{}

	firstPage := make(chan struct{})
	var once sync.Once
	progress := flasher.WithProgress(func(current, total int) {
		once.Do(func() { close(firstPage) })
	})
	o := New(testConfig(flasher.WithReadTimeout(5*time.Second), progress), rec)

	h, err := o.StartUpload(writeHex(t, 300), dev)
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}

	select {
	case <-firstPage:
	case <-time.After(5 * time.Second):
		t.Fatal("first page never written")
	}

	if !o.Cancel(dev.Name()) {
		t.Fatalf("Cancel() = false, want true")
	}

	start := time.Now()
	res := waitResult(t, h)
	if res.Status != StatusCancelled {
		t.Fatalf("Status = %v (%s), want cancelled", res.Status, res.Reason())
	}
	if res.Err != nil {
		t.Errorf("Err = %v, want nil for cancelled upload", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancel took %v, want prompt return", elapsed)
	}
	if n := dev.WritesAfterClose(); n != 0 {
		t.Errorf("writes after close = %d, want 0", n)
	}

	h.Cancel()
	time.Sleep(10 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("notifier calls = %d, want 1", n)
	}
	if o.Cancel(dev.Name()) {
		t.Errorf("Cancel() after finish = true, want false")
	}
}

func TestOrchestrator_LinkDroppedIsFailure(t *testing.T) {
	dev := devicesim.New(devicesim.WithCloseAfterPages(1))
	o := New(testConfig(), nil)

	h, err := o.StartUpload(writeHex(t, 300), dev)
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	if !errors.Is(res.Err, transport.ErrClosed) {
		t.Errorf("Err = %v, want ErrClosed", res.Err)
	}
}

func TestOrchestrator_DesyncIsFailure(t *testing.T) {
	dev := devicesim.New(devicesim.WithFault(devicesim.Fault{
		Command:    protocol.CmdProgramPage,
		Occurrence: 1,
		InSync:     protocol.RespNoSync,
		OK:         protocol.RespOK,
	}))
	o := New(testConfig(), nil)

	h, err := o.StartUpload(writeHex(t, 200), dev)
	if err != nil {
		t.Fatalf("StartUpload() error = %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusFailed || !errors.Is(res.Err, flasher.ErrDesync) {
		t.Errorf("Result = %v %v, want failed with ErrDesync", res.Status, res.Err)
	}
}

func TestOrchestrator_ParentContextCancelled(t *testing.T) {
	dev := devicesim.New()
	o := New(testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := o.Start(ctx, Job{Source: HexFile(writeHex(t, 16)), Connector: Existing{T: dev}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if res := waitResult(t, h); res.Status != StatusCancelled {
		t.Errorf("Status = %v (%s), want cancelled", res.Status, res.Reason())
	}
	if n := len(dev.Commands()); n != 0 {
		t.Errorf("commands sent = %d, want 0", n)
	}
}

func TestOrchestrator_DeadlineIsFailure(t *testing.T) {
	dev := devicesim.New(devicesim.WithStallAfterPages(1))
	rec := &recorder{}
	o := New(testConfig(flasher.WithReadTimeout(5*time.Second)), rec)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	h, err := o.Start(ctx, Job{Source: HexFile(writeHex(t, 300)), Connector: Existing{T: dev}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want DeadlineExceeded", res.Err)
	}
	if res.Reason() == "" {
		t.Errorf("Reason() is empty for a timed out upload")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("upload took %v, want prompt return after the deadline", elapsed)
	}
	if !dev.Closed() {
		t.Errorf("transport not closed after timeout")
	}
	if n := rec.count(); n != 1 {
		t.Errorf("notifier calls = %d, want 1", n)
	}
}

func TestOrchestrator_KeepOpen(t *testing.T) {
	dev := devicesim.New()
	o := New(testConfig(), nil)

	h, err := o.Start(context.Background(), Job{
		Source:    HexFile(writeHex(t, 64)),
		Connector: Existing{T: dev},
		KeepOpen:  true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %v (%s), want succeeded", res.Status, res.Reason())
	}
	if res.Link == nil {
		t.Fatal("Link = nil, want the open transport")
	}
	if dev.Closed() {
		t.Fatal("transport closed despite KeepOpen")
	}
	if o.Active(dev.Name()) {
		t.Errorf("device still active after upload")
	}

	if err := res.Link.Write([]byte("w")); err != nil {
		t.Fatalf("Write() on kept link error = %v", err)
	}
	if got := dev.Received(); string(got) != "w" {
		t.Errorf("sketch received %q, want %q", got, "w")
	}
	res.Link.Close()
}

func TestOrchestrator_KeepOpenFailureCloses(t *testing.T) {
	dev := devicesim.New(devicesim.WithFault(devicesim.Fault{
		Command:    protocol.CmdEnterProgmode,
		Occurrence: 1,
		InSync:     protocol.RespNoSync,
		OK:         protocol.RespOK,
	}))
	o := New(testConfig(), nil)

	h, err := o.Start(context.Background(), Job{
		Source:    HexFile(writeHex(t, 64)),
		Connector: Existing{T: dev},
		KeepOpen:  true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusFailed || res.Link != nil {
		t.Errorf("Result = %v link=%v, want failed without link", res.Status, res.Link)
	}
	if !dev.Closed() {
		t.Errorf("transport not closed after failed upload")
	}
}

type failingConnector struct{}

func (failingConnector) Device() string { return "nowhere" }

func (failingConnector) Connect(ctx context.Context) (transport.Transport, error) {
	return nil, &transport.Error{Op: "open", Err: errors.New("no such device")}
}

func TestOrchestrator_ConnectFailure(t *testing.T) {
	o := New(testConfig(), nil)

	h, err := o.Start(context.Background(), Job{Source: HexFile(writeHex(t, 16)), Connector: failingConnector{}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := waitResult(t, h)
	var terr *transport.Error
	if res.Status != StatusFailed || !errors.As(res.Err, &terr) {
		t.Errorf("Result = %v %v, want failed with transport error", res.Status, res.Err)
	}
}

// serveDevice bridges every accepted connection to dev.
func serveDevice(t *testing.T, dev *devicesim.Device) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		dev.SetReadTimeout(10 * time.Millisecond)
		go func() {
			for {
				b, err := dev.ReadByte()
				if errors.Is(err, transport.ErrTimeout) {
					continue
				}
				if err != nil {
					return
				}
				if _, err := conn.Write([]byte{b}); err != nil {
					return
				}
			}
		}()

		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				dev.Close()
				return
			}
			dev.Write(buf[:n])
		}
	}()

	return ln.Addr().String()
}

func TestOrchestrator_TCPBridge(t *testing.T) {
	dev := devicesim.New()
	addr := serveDevice(t, dev)
	o := New(testConfig(flasher.WithDrainTimeout(50*time.Millisecond), flasher.WithReadTimeout(time.Second)), nil)

	h, err := o.Start(context.Background(), Job{
		Source:    HexFile(writeHex(t, 300)),
		Connector: TCPBridge{Addr: addr, Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %v (%s), want succeeded", res.Status, res.Reason())
	}
	if n := len(dev.Pages()); n != 3 {
		t.Errorf("pages written = %d, want 3", n)
	}
	if res.Device != addr {
		t.Errorf("Device = %q, want %q", res.Device, addr)
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusSucceeded, "succeeded"},
		{StatusFailed, "failed"},
		{StatusCancelled, "cancelled"},
		{Status(9), "unknown"},
	}

	for _, tc := range tests {
		if result := tc.status.String(); result != tc.expected {
			t.Errorf("Status(%d).String() = %q, want %q", int(tc.status), result, tc.expected)
		}
	}
}
