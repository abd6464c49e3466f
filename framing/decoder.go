package framing

import (
	"sync"

	"github.com/jamesmunns/ergot/internal/hookable"
)

// HookPosFrameDecoded marks a successfully decoded frame (post CRC check).
var HookPosFrameDecoded = &hookable.Pos{Name: "Frame Decoded"}

// HookPosFrameDropped marks a dropped partial/overrun/CRC-failed frame.
var HookPosFrameDropped = &hookable.Pos{Name: "Frame Dropped"}

// DropReason explains why Decoder.Feed discarded a candidate frame.
type DropReason int

// Drop reasons a Decoder can report through HookPosFrameDropped.
const (
	DropOverrun DropReason = iota
	DropCOBSError
	DropCRCMismatch
	DropTooShort
)

// Decoder is a self-synchronizing, per-link byte-stream accumulator
// (spec.md §4.2). It never panics on arbitrary input: overrun or decode
// error discards the partial frame and resyncs at the next zero byte.
//
// The bounded-accumulation-with-overflow-discipline shape is grounded on
// sarchlab/akita/v4/sim/buffer.go, generalized from a fixed-capacity
// element queue to a byte accumulator that resets instead of panicking,
// since framing errors are attacker/noise controlled and must stay local
// (spec.md §7).
type Decoder struct {
	hookable.Base

	mu       sync.Mutex
	maxFrame int
	buf      []byte
	desynced bool // set by an overrun, cleared by the next zero byte

	dropped uint64
	decoded uint64
}

// NewDecoder creates a Decoder with the given maximum frame length. A
// maxFrame of 0 uses DefaultMaxFrame.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}

	return &Decoder{maxFrame: maxFrame}
}

// Feed appends incoming bytes and returns every complete, CRC-valid frame
// body (the decoded [header‖body], CRC already stripped and verified)
// found within them, in order.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var frames [][]byte

	for _, b := range chunk {
		if b == delimiter {
			if len(d.buf) > 0 {
				if frame, ok := d.finishFrame(d.buf); ok {
					frames = append(frames, frame)
				}
			}

			d.buf = d.buf[:0]
			d.desynced = false

			continue
		}

		if d.desynced {
			continue
		}

		if len(d.buf) >= d.maxFrame {
			d.dropped++
			d.invokeDrop(DropOverrun)
			d.buf = d.buf[:0]
			d.desynced = true
			// Stay desynced on this delimiter-less run until the next
			// zero byte; do not re-append b since the run already
			// overran.
			continue
		}

		d.buf = append(d.buf, b)
	}

	return frames
}

func (d *Decoder) finishFrame(encoded []byte) ([]byte, bool) {
	decoded, err := Decode(encoded)
	if err != nil {
		d.dropped++
		d.invokeDrop(DropCOBSError)

		return nil, false
	}

	if len(decoded) < 2 {
		d.dropped++
		d.invokeDrop(DropTooShort)

		return nil, false
	}

	payload := decoded[:len(decoded)-2]
	wantCRC := uint16(decoded[len(decoded)-2]) | uint16(decoded[len(decoded)-1])<<8

	if CRC16(payload) != wantCRC {
		d.dropped++
		d.invokeDrop(DropCRCMismatch)

		return nil, false
	}

	d.decoded++

	if d.NumHooks() > 0 {
		d.InvokeHook(hookable.Ctx{Domain: d, Pos: HookPosFrameDecoded, Item: payload})
	}

	return payload, true
}

func (d *Decoder) invokeDrop(reason DropReason) {
	if d.NumHooks() > 0 {
		d.InvokeHook(hookable.Ctx{Domain: d, Pos: HookPosFrameDropped, Detail: reason})
	}
}

// Dropped returns the number of frames discarded since creation.
func (d *Decoder) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dropped
}

// Decoded returns the number of frames successfully decoded since creation.
func (d *Decoder) Decoded() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.decoded
}

// EncodeFrame appends a CRC16 and COBS-encodes+terminates payload, ready to
// write to a byte-stream link.
func EncodeFrame(payload []byte) []byte {
	crc := CRC16(payload)
	withCRC := make([]byte, len(payload)+2)
	copy(withCRC, payload)
	withCRC[len(payload)] = byte(crc)
	withCRC[len(payload)+1] = byte(crc >> 8)

	return Encode(withCRC)
}
