package flasher

// State is a step of the bootloader session.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateReadingMajorVersion
	StateReadingMinorVersion
	StateEnteringProgramMode
	StateReadingSignature
	StateProgrammingPages
	StateLeavingProgramMode
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateReadingMajorVersion:
		return "reading major version"
	case StateReadingMinorVersion:
		return "reading minor version"
	case StateEnteringProgramMode:
		return "entering program mode"
	case StateReadingSignature:
		return "reading signature"
	case StateProgrammingPages:
		return "programming pages"
	case StateLeavingProgramMode:
		return "leaving program mode"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
