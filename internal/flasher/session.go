package flasher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bigbag/avr-flasher/internal/protocol"
	"github.com/bigbag/avr-flasher/internal/transport"
)

// maxDrainBytes caps how much stray input is discarded after sync.
const maxDrainBytes = 1024

// Info describes the bootloader and what was written.
type Info struct {
	Major     byte
	Minor     byte
	Signature protocol.Signature
	Pages     int
	Bytes     int
}

// Version returns the bootloader software version as "major.minor".
func (i *Info) Version() string {
	return fmt.Sprintf("%d.%d", i.Major, i.Minor)
}

// PartName returns the device name for the signature.
func (i *Info) PartName() string {
	return protocol.PartName(i.Signature)
}

// Session drives one upload through an STK500v1 bootloader.
//
// A session is used exactly once; create a new one for every attempt. It
// owns the transport for its lifetime but never closes it.
type Session struct {
	t     transport.Transport
	image []byte
	cfg   Config
	log   zerolog.Logger

	mu    sync.Mutex
	state State
	used  bool

	programIndex int
	address      uint16
	info         Info
}

// NewSession creates a session that writes image through t.
func NewSession(t transport.Transport, image []byte, opts ...Option) *Session {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Session{
		t:     t,
		image: image,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("transport", t.Name()).Logger(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run performs the complete upload sequence:
//  1. Sync with the bootloader
//  2. Read major and minor software version
//  3. Enter program mode and read the device signature
//  4. Write the image page by page
//  5. Leave program mode
//
// Cancelling ctx stops the session before its next command; closing the
// transport from another goroutine aborts a pending read with
// transport.ErrClosed.
func (s *Session) Run(ctx context.Context) (*Info, error) {
	return s.run(ctx, true)
}

// Identify syncs, reads the version and signature, and leaves program mode
// without writing anything.
func (s *Session) Identify(ctx context.Context) (*Info, error) {
	return s.run(ctx, false)
}

func (s *Session) run(ctx context.Context, program bool) (*Info, error) {
	if !s.begin() {
		return nil, ErrSessionUsed
	}
	if err := s.cfg.validate(); err != nil {
		return nil, s.fail(err)
	}

	if program && len(s.image) > protocol.MaxImageSize {
		return nil, s.fail(fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(s.image)))
	}
	if err := s.t.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		return nil, s.fail(err)
	}

	s.setState(StateSyncing)
	if err := s.sync(ctx); err != nil {
		return nil, s.fail(err)
	}

	s.setState(StateReadingMajorVersion)
	major, err := s.command(ctx, protocol.GetParameter(protocol.ParamSWMajor))
	if err != nil {
		return nil, s.fail(err)
	}
	s.info.Major = major[0]

	s.setState(StateReadingMinorVersion)
	minor, err := s.command(ctx, protocol.GetParameter(protocol.ParamSWMinor))
	if err != nil {
		return nil, s.fail(err)
	}
	s.info.Minor = minor[0]

	s.setState(StateEnteringProgramMode)
	if _, err := s.command(ctx, protocol.EnterProgmode()); err != nil {
		return nil, s.fail(err)
	}

	s.setState(StateReadingSignature)
	sig, err := s.command(ctx, protocol.ReadSignature())
	if err != nil {
		return nil, s.fail(err)
	}
	copy(s.info.Signature[:], sig)

	s.log.Debug().
		Str("version", s.info.Version()).
		Str("signature", s.info.Signature.String()).
		Str("part", s.info.PartName()).
		Msg("bootloader identified")

	if program {
		s.setState(StateProgrammingPages)
		if err := s.program(ctx); err != nil {
			return nil, s.fail(err)
		}
	}

	s.setState(StateLeavingProgramMode)
	if _, err := s.command(ctx, protocol.LeaveProgmode()); err != nil {
		return nil, s.fail(err)
	}

	s.setState(StateDone)
	info := s.info
	return &info, nil
}

// sync sends bursts of sync commands until the bootloader answers in sync.
// Only timeouts and desyncs are retried.
func (s *Session) sync(ctx context.Context) error {
	backoff := s.cfg.SyncDelay
	var lastErr error

	for attempt := 0; attempt <= s.cfg.SyncRetries; attempt++ {
		if attempt > 0 {
			s.log.Debug().Int("attempt", attempt+1).Err(lastErr).Msg("retrying sync")
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2

			// Leftovers from the failed burst would shift the next reply
			if err := s.drain(); err != nil {
				return err
			}
		}

		lastErr = s.syncOnce(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, transport.ErrTimeout) && !errors.Is(lastErr, ErrDesync) {
			return lastErr
		}
	}

	return fmt.Errorf("sync failed after %d attempts: %w", s.cfg.SyncRetries+1, lastErr)
}

// syncOnce sends the sync burst, validates one reply and discards the
// replies to the rest of the burst.
func (s *Session) syncOnce(ctx context.Context) error {
	frame := protocol.GetSync().Encode()
	for i := 0; i < s.cfg.SyncBurst; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.t.Write(frame); err != nil {
			return err
		}
		if err := sleep(ctx, s.cfg.SyncDelay); err != nil {
			return err
		}
	}

	if _, err := s.readResponse(protocol.CmdGetSync); err != nil {
		return err
	}
	return s.drain()
}

// drain discards input until the line has been quiet for DrainTimeout.
func (s *Session) drain() error {
	if err := s.t.SetReadTimeout(s.cfg.DrainTimeout); err != nil {
		return err
	}

	discarded := 0
	for {
		_, err := s.t.ReadByte()
		if errors.Is(err, transport.ErrTimeout) {
			break
		}
		if err != nil {
			return err
		}
		discarded++
		if discarded >= maxDrainBytes {
			return fmt.Errorf("%w: bootloader keeps sending after sync", ErrDesync)
		}
	}

	if discarded > 0 {
		s.log.Debug().Int("bytes", discarded).Msg("discarded stray sync replies")
	}
	return s.t.SetReadTimeout(s.cfg.ReadTimeout)
}

// program writes the image one page at a time, starting at word address 0.
// A page shorter than PageSize ends the loop; an empty remainder ends it
// before anything is sent.
func (s *Session) program(ctx context.Context) error {
	pageSize := s.cfg.PageSize
	wordsPerPage := uint16(pageSize / 2)
	total := (len(s.image) + pageSize - 1) / pageSize

	for {
		size := len(s.image) - s.programIndex
		if size > pageSize {
			size = pageSize
		}
		if size == 0 {
			break
		}

		if _, err := s.command(ctx, protocol.LoadAddress(s.address)); err != nil {
			return fmt.Errorf("load address 0x%04X: %w", s.address, err)
		}

		page := s.image[s.programIndex : s.programIndex+size]
		if _, err := s.command(ctx, protocol.ProgramPage(page, protocol.MemTypeFlash)); err != nil {
			return fmt.Errorf("program page %d at 0x%04X: %w", s.info.Pages+1, s.address, err)
		}

		s.programIndex += size
		s.address += wordsPerPage
		s.info.Pages++
		s.info.Bytes = s.programIndex
		s.reportProgress(s.info.Pages, total)

		if size < pageSize {
			break
		}
	}

	s.log.Debug().Int("pages", s.info.Pages).Int("bytes", s.info.Bytes).Msg("image written")
	return nil
}

// command sends req in full and returns the response payload.
func (s *Session) command(ctx context.Context, req *protocol.Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.t.Write(req.Encode()); err != nil {
		return nil, err
	}

	if err := sleep(ctx, s.cfg.CommandDelay); err != nil {
		return nil, err
	}

	return s.readResponse(req.Command)
}

// readResponse reads in-sync, the payload for cmd, and ok.
func (s *Session) readResponse(cmd byte) ([]byte, error) {
	payload := protocol.ResponseSize(cmd)

	inSync, err := s.t.ReadByte()
	if err != nil {
		return nil, err
	}
	if inSync != protocol.RespInSync && s.cfg.Strict {
		return nil, &DesyncError{Command: cmd, Got: []byte{inSync}}
	}

	rest, err := s.t.ReadExact(payload + 1)
	if err != nil {
		return nil, err
	}

	raw := append([]byte{inSync}, rest...)
	resp, err := protocol.DecodeResponse(raw, payload)
	if err != nil {
		return nil, err
	}

	if !resp.IsSuccess() {
		if s.cfg.Strict {
			return nil, &DesyncError{Command: cmd, Got: raw}
		}
		s.log.Warn().
			Str("command", protocol.CommandName(cmd)).
			Hex("response", raw).
			Msg("response out of sync, continuing")
	}

	return resp.Data, nil
}

func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return false
	}
	s.used = true
	return true
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.log.Debug().Str("state", state.String()).Msg("session state")
}

// fail moves the session to StateFailed and annotates err with the step
// that failed.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	step := s.state
	s.state = StateFailed
	s.mu.Unlock()

	s.log.Debug().Str("step", step.String()).Err(err).Msg("session failed")
	return fmt.Errorf("%s: %w", step, err)
}

// reportProgress calls the progress callback if set.
func (s *Session) reportProgress(current, total int) {
	if s.cfg.Progress != nil {
		s.cfg.Progress(current, total)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
