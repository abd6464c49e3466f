// Package packet implements the ergot wire header and packet type
// (spec.md §3, §6).
//
// The meta-data-plus-body shape (a fixed Header struct separate from an
// opaque body) is grounded on sarchlab/akita/v4/sim/msg.go's MsgMeta/Msg
// split; the binary little-endian encode/decode pair is grounded on
// other_examples' NeboLoop frame.go fixed-header codec style.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/pna"
)

// Flag bits (spec.md §6).
const (
	FlagBroadcast uint8 = 1 << 0
	FlagRequest   uint8 = 1 << 1
	FlagResponse  uint8 = 1 << 2
	FlagError     uint8 = 1 << 3
)

// HeaderSize is the fixed prelude size in bytes, not counting body/crc:
// src_bits(4) + src_scope(1) + dst_bits(4) + dst_scope(1) + ttl(1) +
// flags(1) + correlation(2) + body_len(2) = 16 bytes.
const HeaderSize = 16

// Header is the fixed packet prelude (spec.md §3, §6).
type Header struct {
	Src         pna.Address
	Dst         pna.Address
	TTL         uint8
	Flags       uint8
	Correlation uint16
	BodyLen     uint16
}

// Packet is a header plus an opaque body (user payload serialization is out
// of scope per spec.md §1 Non-goals).
type Packet struct {
	Header Header
	Body   []byte
}

// IsBroadcast reports whether the broadcast flag is set.
func (h Header) IsBroadcast() bool { return h.Flags&FlagBroadcast != 0 }

// IsRequest reports whether the request flag is set.
func (h Header) IsRequest() bool { return h.Flags&FlagRequest != 0 }

// IsResponse reports whether the response flag is set.
func (h Header) IsResponse() bool { return h.Flags&FlagResponse != 0 }

// IsError reports whether the error flag is set.
func (h Header) IsError() bool { return h.Flags&FlagError != 0 }

// Encode serializes p into the little-endian wire prelude plus body
// (spec.md §6). The trailing crc is added by the framing layer, not here.
func Encode(p Packet) ([]byte, error) {
	if int(p.Header.BodyLen) != len(p.Body) {
		return nil, ergoterr.New(ergoterr.InvalidAddress,
			fmt.Sprintf("body_len %d does not match body of %d bytes",
				p.Header.BodyLen, len(p.Body)))
	}

	out := make([]byte, HeaderSize+len(p.Body))
	binary.LittleEndian.PutUint32(out[0:4], p.Header.Src.Bits)
	out[4] = p.Header.Src.Scope
	binary.LittleEndian.PutUint32(out[5:9], p.Header.Dst.Bits)
	out[9] = p.Header.Dst.Scope
	out[10] = p.Header.TTL
	out[11] = p.Header.Flags
	binary.LittleEndian.PutUint16(out[12:14], p.Header.Correlation)
	binary.LittleEndian.PutUint16(out[14:16], p.Header.BodyLen)
	copy(out[HeaderSize:], p.Body)

	return out, nil
}

// Decode parses the wire prelude plus body produced by Encode (after the
// framing layer has already verified and stripped the CRC).
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, ergoterr.New(ergoterr.FrameError, "short header")
	}

	srcBits := binary.LittleEndian.Uint32(data[0:4])
	srcScope := data[4]
	dstBits := binary.LittleEndian.Uint32(data[5:9])
	dstScope := data[9]

	src, err := pna.Make(srcBits, srcScope)
	if err != nil {
		return Packet{}, err
	}

	dst, err := pna.Make(dstBits, dstScope)
	if err != nil {
		return Packet{}, err
	}

	h := Header{
		Src:         src,
		Dst:         dst,
		TTL:         data[10],
		Flags:       data[11],
		Correlation: binary.LittleEndian.Uint16(data[12:14]),
		BodyLen:     binary.LittleEndian.Uint16(data[14:16]),
	}

	body := data[HeaderSize:]
	if int(h.BodyLen) != len(body) {
		return Packet{}, ergoterr.New(ergoterr.FrameError,
			fmt.Sprintf("body_len %d does not match remaining %d bytes", h.BodyLen, len(body)))
	}

	return Packet{Header: h, Body: body}, nil
}

// DecrementTTL decrements h.TTL at a forwarding step and reports whether the
// packet expired (spec.md §4.4: "when it reaches 0 the packet is dropped").
// A packet must have ttl > 0 to be accepted in the first place (spec.md §3),
// so callers should refuse to forward a packet whose TTL is already 0
// without calling this.
func (h *Header) DecrementTTL() (expired bool) {
	h.TTL--

	return h.TTL == 0
}
