package ihex

import (
	"encoding/hex"
	"fmt"
)

// Fixed-width layout assumed by the legacy decoder
const (
	legacyLineChars    = 45 // ':' + 8 header + 32 data + 2 checksum + CRLF
	legacyPayloadChars = 32
	legacyOverhead     = legacyLineChars - legacyPayloadChars
	legacyTrailerChars = 4 // checksum + line terminator
)

// LegacySize returns the image length the legacy decoder allocates for a
// text of totalChars characters. It is negative when the text is too short
// to hold even one record.
func LegacySize(totalChars int) int {
	lineCount := (totalChars + legacyLineChars - 1) / legacyLineChars
	return (totalChars - lineCount*legacyOverhead) / 2
}

// decodeLegacy reproduces the fixed-width algorithm byte for byte. Lines are
// only decoded once their '\n' is seen, so an unterminated last line is
// dropped. Bytes allocated but never decoded stay zero.
func decodeLegacy(text []byte) ([]byte, error) {
	size := LegacySize(len(text))
	if size < 0 {
		return nil, fmt.Errorf("%w: %d characters is too short for a fixed-width image", ErrMalformed, len(text))
	}

	image := make([]byte, size)
	line := make([]byte, 0, legacyLineChars)
	programIndex := 0
	lineNum := 1

	for _, c := range text {
		if len(line) == legacyLineChars {
			return nil, &SyntaxError{
				Line: lineNum,
				Err:  fmt.Errorf("%w: line exceeds %d characters", ErrMalformed, legacyLineChars),
			}
		}
		line = append(line, c)
		if c != '\n' {
			continue
		}

		for i := headerChars; i < len(line)-legacyTrailerChars; i += 2 {
			if programIndex >= len(image) {
				return nil, &SyntaxError{
					Line: lineNum,
					Err:  fmt.Errorf("%w: data exceeds computed image size of %d bytes", ErrMalformed, size),
				}
			}
			if _, err := hex.Decode(image[programIndex:programIndex+1], line[i:i+2]); err != nil {
				return nil, &SyntaxError{Line: lineNum, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
			}
			programIndex++
		}

		line = line[:0]
		lineNum++
	}

	return image, nil
}
