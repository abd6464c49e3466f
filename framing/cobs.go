// Package framing implements the self-synchronizing byte-stream codec used
// by ergot links (spec.md §4.2, §6): COBS-style encoding of
// [header‖body‖crc], terminated by a zero byte.
//
// The decoder's "scan, accumulate, resync on error" shape is grounded on
// sarchlab/akita/v4/sim/buffer.go's bounded ring discipline (CanPush/Push
// panic-on-overflow boundary) generalized to a byte-stream accumulator that
// never panics on attacker/noise-controlled input — framing errors are local
// per spec.md §7 and must never escalate to a panic.
package framing

import "github.com/jamesmunns/ergot/ergoterr"

// DefaultMaxFrame is the default maximum frame length in bytes (spec.md §6).
const DefaultMaxFrame = 1100

// delimiter terminates every encoded frame.
const delimiter = 0x00

// Encode COBS-encodes data (which must not itself contain the delimiter
// requirement — COBS removes all zero bytes from the wire representation)
// and appends the terminating zero byte.
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/254+2)

	codeIdx := len(out)
	out = append(out, 0) // placeholder for the first code byte
	code := byte(1)

	for _, b := range data {
		if b == delimiter {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1

			continue
		}

		out = append(out, b)
		code++

		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}

	out[codeIdx] = code
	out = append(out, delimiter)

	return out
}

// Decode reverses Encode on a single delimited frame (encoded must NOT
// include the trailing delimiter byte; callers split on it first).
func Decode(encoded []byte) ([]byte, error) {
	out := make([]byte, 0, len(encoded))

	i := 0
	for i < len(encoded) {
		code := encoded[i]
		if code == 0 {
			return nil, ergoterr.New(ergoterr.FrameError, "zero code byte inside frame")
		}

		i++
		run := int(code) - 1

		if i+run > len(encoded) {
			return nil, ergoterr.New(ergoterr.FrameError, "truncated cobs run")
		}

		out = append(out, encoded[i:i+run]...)
		i += run

		if code < 0xFF && i < len(encoded) {
			out = append(out, 0)
		}
	}

	return out, nil
}
