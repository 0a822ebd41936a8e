package protocol

// STK500v1 bootloader commands
const (
	CmdGetSync       = 0x30
	CmdGetParameter  = 0x41
	CmdEnterProgmode = 0x50
	CmdLeaveProgmode = 0x51
	CmdLoadAddress   = 0x55
	CmdProgramPage   = 0x64
	CmdReadSignature = 0x75
)

// Framing bytes
const (
	SyncCRCEOP = 0x20 // end of every command
	RespInSync = 0x14 // first byte of every response
	RespOK     = 0x10 // last byte of every response
	RespNoSync = 0x15 // bootloader lost framing
)

// Parameters for CmdGetParameter
const (
	ParamSWMajor = 0x81
	ParamSWMinor = 0x82
)

// Memory types for CmdProgramPage
const (
	MemTypeFlash  = 0x46 // 'F'
	MemTypeEEPROM = 0x45 // 'E'
)

// Flash parameters
const (
	FlashPageSize = 128     // bytes per program-page command
	MaxImageSize  = 0x20000 // 16-bit word address space
)

// Response payload lengths (bytes between in-sync and ok)
const (
	SignatureSize = 3
	ParameterSize = 1
)

// CommandName returns a human-readable name for a command byte.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdGetSync:
		return "get sync"
	case CmdGetParameter:
		return "get parameter"
	case CmdEnterProgmode:
		return "enter program mode"
	case CmdLeaveProgmode:
		return "leave program mode"
	case CmdLoadAddress:
		return "load address"
	case CmdProgramPage:
		return "program page"
	case CmdReadSignature:
		return "read signature"
	default:
		return "unknown command"
	}
}
