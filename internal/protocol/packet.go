package protocol

import (
	"fmt"
)

// Request represents an STK500 command before it is put on the wire.
type Request struct {
	Command byte
	Args    []byte
}

// Response represents a bootloader reply: in-sync marker, payload, ok marker.
type Response struct {
	InSync byte
	Data   []byte
	OK     byte
}

// NewRequest creates a new request for cmd with the given argument bytes.
func NewRequest(cmd byte, args ...byte) *Request {
	return &Request{
		Command: cmd,
		Args:    args,
	}
}

// Encode serializes the request to bytes.
func (r *Request) Encode() []byte {
	// Packet format:
	// 0: command
	// 1..n: arguments
	// n+1: CRC_EOP (0x20)
	packet := make([]byte, 0, len(r.Args)+2)
	packet = append(packet, r.Command)
	packet = append(packet, r.Args...)
	packet = append(packet, SyncCRCEOP)
	return packet
}

// ResponseSize returns the number of payload bytes the bootloader sends
// between the in-sync and ok markers for cmd.
func ResponseSize(cmd byte) int {
	switch cmd {
	case CmdGetParameter:
		return ParameterSize
	case CmdReadSignature:
		return SignatureSize
	default:
		return 0
	}
}

// DecodeResponse parses a complete response carrying payload data bytes.
func DecodeResponse(data []byte, payload int) (*Response, error) {
	if len(data) != payload+2 {
		return nil, fmt.Errorf("response length mismatch: expected %d, have %d", payload+2, len(data))
	}

	resp := &Response{
		InSync: data[0],
		OK:     data[len(data)-1],
	}
	if payload > 0 {
		resp.Data = data[1 : 1+payload]
	}

	return resp, nil
}

// IsSuccess returns true if the response is framed by in-sync and ok.
func (r *Response) IsSuccess() bool {
	return r.InSync == RespInSync && r.OK == RespOK
}

// GetSync returns the sync request.
func GetSync() *Request {
	return NewRequest(CmdGetSync)
}

// GetParameter returns a request for a bootloader parameter.
func GetParameter(param byte) *Request {
	return NewRequest(CmdGetParameter, param)
}

// EnterProgmode returns the enter-program-mode request.
func EnterProgmode() *Request {
	return NewRequest(CmdEnterProgmode)
}

// LeaveProgmode returns the leave-program-mode request.
func LeaveProgmode() *Request {
	return NewRequest(CmdLeaveProgmode)
}

// ReadSignature returns the read-signature request.
func ReadSignature() *Request {
	return NewRequest(CmdReadSignature)
}

// LoadAddress returns a request that sets the word address for the next page.
func LoadAddress(word uint16) *Request {
	return NewRequest(CmdLoadAddress, byte(word%256), byte(word/256))
}

// ProgramPage returns a request that writes data into memory of the given type
// at the address set by the last LoadAddress.
func ProgramPage(data []byte, memType byte) *Request {
	size := len(data)
	args := make([]byte, 0, 3+size)
	args = append(args, byte(size>>8), byte(size), memType)
	args = append(args, data...)
	return NewRequest(CmdProgramPage, args...)
}
