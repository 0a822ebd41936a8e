package ihex

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Mode selects how hex text is turned into a binary image.
type Mode int

const (
	// ModeRecords parses every record and concatenates data records in
	// file order. Decoding stops at the first EOF record.
	ModeRecords Mode = iota

	// ModeLegacy sizes and decodes the image assuming every line is 45
	// characters long and carries 16 data bytes.
	ModeLegacy

	// ModeStrict verifies checksums and honours address records; the data
	// must form a single segment starting at address 0.
	ModeStrict
)

func (m Mode) String() string {
	switch m {
	case ModeRecords:
		return "records"
	case ModeLegacy:
		return "legacy"
	case ModeStrict:
		return "strict"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "records":
		return ModeRecords, nil
	case "legacy":
		return ModeLegacy, nil
	case "strict":
		return ModeStrict, nil
	default:
		return 0, fmt.Errorf("unknown hex mode %q (want records, legacy or strict)", s)
	}
}

// Options tune the decoder.
type Options struct {
	Mode Mode

	// VerifyChecksums rejects records whose checksum does not match.
	// Only used by ModeRecords; ModeStrict always verifies.
	VerifyChecksums bool
}

// Decode converts hex text into a binary image using the given mode.
func Decode(text []byte, mode Mode) ([]byte, error) {
	return DecodeWithOptions(text, Options{Mode: mode})
}

// DecodeWithOptions converts hex text into a binary image.
func DecodeWithOptions(text []byte, opts Options) ([]byte, error) {
	switch opts.Mode {
	case ModeRecords:
		return decodeRecords(text, opts.VerifyChecksums)
	case ModeLegacy:
		return decodeLegacy(text)
	case ModeStrict:
		return decodeStrict(text)
	default:
		return nil, fmt.Errorf("unknown hex mode %d", int(opts.Mode))
	}
}

// DecodeFile reads and decodes a hex image file.
func DecodeFile(path string, opts Options) ([]byte, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hex image: %w", err)
	}
	return DecodeWithOptions(text, opts)
}

func decodeRecords(text []byte, verify bool) ([]byte, error) {
	image := make([]byte, 0, len(text)/3)

	scanner := bufio.NewScanner(bytes.NewReader(text))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines
		if line == "" {
			continue
		}

		rec, err := ParseRecord(line)
		if err != nil {
			return nil, &SyntaxError{Line: lineNum, Err: err}
		}
		if verify && !rec.Valid() {
			return nil, &SyntaxError{
				Line: lineNum,
				Err:  fmt.Errorf("%w: stored 0x%02X, computed 0x%02X", ErrChecksum, rec.Checksum, rec.Sum()),
			}
		}

		switch rec.Type {
		case TypeData:
			image = append(image, rec.Data...)
		case TypeEOF:
			return image, nil
		default:
			return nil, &SyntaxError{
				Line: lineNum,
				Err:  fmt.Errorf("%w 0x%02X", ErrUnsupportedRecord, rec.Type),
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return image, nil
}

func decodeStrict(text []byte) ([]byte, error) {
	text = bytes.ReplaceAll(text, []byte("\r\n"), []byte("\n"))

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bytes.NewReader(text)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	segments := mem.GetDataSegments()
	switch {
	case len(segments) == 0:
		return []byte{}, nil
	case len(segments) != 1:
		return nil, fmt.Errorf("%w: expected one contiguous segment, found %d", ErrMalformed, len(segments))
	case segments[0].Address != 0:
		return nil, fmt.Errorf("%w: image starts at 0x%X, expected 0x0", ErrMalformed, segments[0].Address)
	}

	return segments[0].Data, nil
}
