package flasher

import (
	"errors"
	"fmt"

	"github.com/bigbag/avr-flasher/internal/protocol"
)

var (
	// ErrDesync is matched by every DesyncError.
	ErrDesync = errors.New("protocol desync")

	// ErrSessionUsed is returned when a session is run a second time.
	ErrSessionUsed = errors.New("session already used")

	// ErrImageTooLarge is returned for images beyond the 16-bit word address space.
	ErrImageTooLarge = errors.New("image exceeds flash word address space")

	// ErrInvalidConfig is returned by Run and Identify for unusable settings.
	ErrInvalidConfig = errors.New("invalid session config")
)

// DesyncError indicates a response not framed by in-sync and ok markers.
type DesyncError struct {
	Command byte
	Got     []byte
}

func (e *DesyncError) Error() string {
	if len(e.Got) > 0 && e.Got[0] == protocol.RespNoSync {
		return fmt.Sprintf("%s: bootloader reports no sync", protocol.CommandName(e.Command))
	}
	return fmt.Sprintf("%s: unexpected response % X", protocol.CommandName(e.Command), e.Got)
}

func (e *DesyncError) Is(target error) bool {
	return target == ErrDesync
}
