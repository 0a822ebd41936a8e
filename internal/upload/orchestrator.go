// Package upload sequences one firmware upload: fetch the hex image, decode
// it, connect, run a bootloader session and close the link, reporting a
// single outcome.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bigbag/avr-flasher/internal/flasher"
	"github.com/bigbag/avr-flasher/internal/ihex"
	"github.com/bigbag/avr-flasher/internal/transport"
)

// ErrBusy is returned when the device already has an upload in flight.
var ErrBusy = errors.New("upload already in progress")

// Config holds what every upload of an orchestrator shares.
type Config struct {
	Decode  ihex.Options
	Session []flasher.Option
	Logger  *zerolog.Logger
}

// releaser is implemented by connectors holding a resource before Connect.
type releaser interface {
	Release()
}

// Job describes one upload.
type Job struct {
	Source    ImageSource
	Connector Connector

	// KeepOpen hands the link to the caller in Result.Link after a
	// successful upload instead of closing it.
	KeepOpen bool
}

// Orchestrator runs uploads, at most one per device at a time.
type Orchestrator struct {
	cfg      Config
	notifier Notifier
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// New creates an orchestrator. n may be nil.
func New(cfg Config, n Notifier) *Orchestrator {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Orchestrator{
		cfg:      cfg,
		notifier: n,
		log:      logger,
		active:   make(map[string]*Handle),
	}
}

// Handle tracks one upload in flight.
type Handle struct {
	device string
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Device returns the device the upload targets.
func (h *Handle) Device() string {
	return h.device
}

// Cancel asks the upload to stop. The transport is closed out of band so a
// blocked read returns at once. Safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the outcome is known.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the upload ends and returns its outcome.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Start begins job in its own goroutine. Cancelling ctx cancels the upload.
func (o *Orchestrator) Start(ctx context.Context, job Job) (*Handle, error) {
	device := job.Connector.Device()

	o.mu.Lock()
	if _, ok := o.active[device]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w on %s", ErrBusy, device)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		device: device,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.active[device] = h
	o.mu.Unlock()

	go o.run(ctx, h, job)
	return h, nil
}

// StartUpload uploads the image at hexImagePath over an already open
// transport.
func (o *Orchestrator) StartUpload(hexImagePath string, t transport.Transport) (*Handle, error) {
	return o.Start(context.Background(), Job{
		Source:    HexFile(hexImagePath),
		Connector: Existing{T: t},
	})
}

// Cancel cancels the upload in flight on device, reporting whether there
// was one.
func (o *Orchestrator) Cancel(device string) bool {
	o.mu.Lock()
	h, ok := o.active[device]
	o.mu.Unlock()

	if ok {
		h.Cancel()
	}
	return ok
}

// Active reports whether device has an upload in flight.
func (o *Orchestrator) Active(device string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[device]
	return ok
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, job Job) {
	start := time.Now()
	logger := o.log.With().Str("device", h.device).Logger()

	info, link, err := o.upload(ctx, job, logger)
	if r, ok := job.Connector.(releaser); ok && link == nil {
		r.Release()
	}

	result := Result{
		Device:   h.device,
		Info:     info,
		Link:     link,
		Duration: time.Since(start),
	}
	interrupted := errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled)
	switch {
	case err == nil:
		result.Status = StatusSucceeded
	case interrupted && errors.Is(ctx.Err(), context.Canceled):
		result.Status = StatusCancelled
	case interrupted && ctx.Err() != nil:
		// A deadline closed the link: the upload timed out
		result.Status = StatusFailed
		result.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
	default:
		result.Status = StatusFailed
		result.Err = err
	}

	o.finish(h, result, logger)
}

// upload returns the still open link when job.KeepOpen is set and the
// session succeeded.
func (o *Orchestrator) upload(ctx context.Context, job Job, logger zerolog.Logger) (*flasher.Info, transport.Transport, error) {
	path, err := job.Source.HexImage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get hex image: %w", err)
	}

	image, err := ihex.DecodeFile(path, o.cfg.Decode)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug().Str("image", path).Int("bytes", len(image)).Msg("image decoded")

	t, err := job.Connector.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}

	// Cancellation closes the link so a pending read fails with ErrClosed
	stop := context.AfterFunc(ctx, func() {
		t.Close()
	})

	opts := append([]flasher.Option{flasher.WithLogger(logger)}, o.cfg.Session...)
	info, err := flasher.NewSession(t, image, opts...).Run(ctx)

	if !stop() {
		// Cancelled after the last command; the link is already closed
		if err == nil {
			err = fmt.Errorf("%w: %w", transport.ErrClosed, ctx.Err())
		}
	}
	if err != nil || !job.KeepOpen {
		t.Close()
		return info, nil, err
	}
	return info, t, nil
}

func (o *Orchestrator) finish(h *Handle, result Result, logger zerolog.Logger) {
	h.result = result

	o.mu.Lock()
	delete(o.active, h.device)
	o.mu.Unlock()
	h.cancel()

	event := logger.Info()
	if result.Status == StatusFailed {
		event = logger.Error().Err(result.Err)
	}
	event.Str("status", result.Status.String()).Dur("duration", result.Duration).Msg("upload finished")

	if o.notifier != nil {
		o.notifier.UploadFinished(result)
	}
	close(h.done)
}
