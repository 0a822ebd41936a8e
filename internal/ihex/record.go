package ihex

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Record types
const (
	TypeData                   = 0x00
	TypeEOF                    = 0x01
	TypeExtendedSegmentAddress = 0x02
	TypeStartSegmentAddress    = 0x03
	TypeExtendedLinearAddress  = 0x04
	TypeStartLinearAddress     = 0x05
)

// Record field widths in hex characters
const (
	markerChars   = 1
	lengthChars   = 2
	addressChars  = 4
	typeChars     = 2
	checksumChars = 2

	// headerChars is the offset of the first data character.
	headerChars = markerChars + lengthChars + addressChars + typeChars
)

var (
	// ErrMalformed is wrapped by every decoding failure.
	ErrMalformed = errors.New("malformed hex image")

	// ErrUnsupportedRecord is returned for address-extension and start-address
	// records, which require more than a flat 64 KiB address space.
	ErrUnsupportedRecord = fmt.Errorf("%w: unsupported record type", ErrMalformed)

	// ErrChecksum is returned when checksum verification is enabled and fails.
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", ErrMalformed)
)

// SyntaxError describes a problem at a specific line of the hex text.
type SyntaxError struct {
	Line int
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Record is one line of a hex image.
type Record struct {
	ByteCount byte
	Address   uint16
	Type      byte
	Data      []byte
	Checksum  byte
}

// Sum computes the two's-complement checksum of the record fields.
func (r Record) Sum() byte {
	sum := r.ByteCount + byte(r.Address>>8) + byte(r.Address) + r.Type
	for _, b := range r.Data {
		sum += b
	}
	return -sum
}

// Valid reports whether the stored checksum matches the record contents.
func (r Record) Valid() bool {
	return int(r.ByteCount) == len(r.Data) && r.Sum() == r.Checksum
}

// ParseRecord parses a single record line. Trailing CR/LF is ignored.
// The checksum is decoded but not verified.
func ParseRecord(line string) (Record, error) {
	line = trimEOL(line)

	if len(line) < headerChars+checksumChars {
		return Record{}, fmt.Errorf("%w: record too short (%d characters)", ErrMalformed, len(line))
	}
	if line[0] != ':' {
		return Record{}, fmt.Errorf("%w: missing start code, got %q", ErrMalformed, line[0])
	}

	raw, err := hex.DecodeString(line[markerChars:])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	count := int(raw[0])
	if len(raw) != count+5 {
		return Record{}, fmt.Errorf("%w: length field says %d data bytes, record has %d",
			ErrMalformed, count, len(raw)-5)
	}

	return Record{
		ByteCount: raw[0],
		Address:   uint16(raw[1])<<8 | uint16(raw[2]),
		Type:      raw[3],
		Data:      raw[4 : 4+count],
		Checksum:  raw[4+count],
	}, nil
}

func trimEOL(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
