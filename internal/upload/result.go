package upload

import (
	"time"

	"github.com/bigbag/avr-flasher/internal/flasher"
	"github.com/bigbag/avr-flasher/internal/transport"
)

// Status is the terminal outcome of an upload.
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is reported once per upload.
type Result struct {
	Device   string
	Status   Status
	Err      error // set when Status is StatusFailed
	Info     *flasher.Info
	Duration time.Duration

	// Link is the open transport of a successful KeepOpen job. The caller
	// closes it.
	Link transport.Transport
}

// Reason returns the failure reason, or an empty string.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Notifier receives the outcome of every upload.
type Notifier interface {
	UploadFinished(Result)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Result)

func (f NotifierFunc) UploadFinished(r Result) {
	f(r)
}
