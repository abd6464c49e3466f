// Package linklayer implements the three link-layer wire endpoints every
// node speaks to its parent (spec.md §4.6): AllocAddresses, SubscribeMulticast
// and PublishNewPrefix, plus the well-known bootstrap address (0,1) a freshly
// attached node sends its first AllocAddresses request to.
//
// Grounded on sarchlab/akita/v4/sim.Msg's Request/Rsp/GeneralRsp(Builder)
// pattern: a request message carries enough information for the eventual
// responder to build a matching response via a builder method, keeping
// request and response shapes paired at the type level. ergot's requests and
// responses are plain structs serialized into a packet.Packet's Body instead
// of being passed as in-process Go values, since they cross a byte-stream
// link, but the request/response pairing and correlation-by-id discipline is
// the same.
package linklayer

import (
	"encoding/binary"

	"github.com/jamesmunns/ergot/alloc"
	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/pna"
)

// BootstrapAddress is the well-known address (spec.md §4.6) a freshly
// attached node addresses its first AllocAddresses request to.
var BootstrapAddress = pna.MustMake(0, 1)

// Opcode identifies which of the three link-layer operations a request/
// response body carries.
type Opcode uint8

// Link-layer opcodes.
const (
	OpAllocAddresses Opcode = iota
	OpSubscribeMulticast
	OpPublishNewPrefix
)

// AllocRequest is the body of an AllocAddresses request (spec.md §4.6: body
// = list of {len, flags}).
type AllocRequest struct {
	Requests []alloc.Request
}

// Encode serializes r with a leading opcode byte.
func (r AllocRequest) Encode() []byte {
	out := []byte{byte(OpAllocAddresses), byte(len(r.Requests))}
	for _, req := range r.Requests {
		out = append(out, req.Len, byte(req.Flags))
	}

	return out
}

// DecodeAllocRequest parses the body Encode produces (opcode already
// consumed by the caller).
func DecodeAllocRequest(body []byte) (AllocRequest, error) {
	if len(body) < 1 {
		return AllocRequest{}, ergoterr.New(ergoterr.FrameError, "empty alloc request body")
	}

	count := int(body[0])
	want := 1 + count*2
	if len(body) < want {
		return AllocRequest{}, ergoterr.New(ergoterr.FrameError, "truncated alloc request body")
	}

	reqs := make([]alloc.Request, count)
	for i := 0; i < count; i++ {
		off := 1 + i*2
		reqs[i] = alloc.Request{Len: body[off], Flags: alloc.Flags(body[off+1])}
	}

	return AllocRequest{Requests: reqs}, nil
}

// AllocResponse is the body of a successful AllocAddresses response
// (spec.md §4.6: response = success list [{address, len}]).
type AllocResponse struct {
	Infos []alloc.Info
}

// Encode serializes resp.
func (resp AllocResponse) Encode() []byte {
	out := []byte{byte(len(resp.Infos))}
	for _, info := range resp.Infos {
		var addrBuf [4]byte
		binary.LittleEndian.PutUint32(addrBuf[:], info.Address.Bits)
		out = append(out, addrBuf[:]...)
		out = append(out, info.Address.Scope, info.Len, byte(info.Flags))
	}

	return out
}

// DecodeAllocResponse parses the body Encode produces.
func DecodeAllocResponse(body []byte) (AllocResponse, error) {
	if len(body) < 1 {
		return AllocResponse{}, ergoterr.New(ergoterr.FrameError, "empty alloc response body")
	}

	count := int(body[0])
	const entrySize = 4 + 1 + 1 + 1
	want := 1 + count*entrySize
	if len(body) < want {
		return AllocResponse{}, ergoterr.New(ergoterr.FrameError, "truncated alloc response body")
	}

	infos := make([]alloc.Info, count)
	for i := 0; i < count; i++ {
		off := 1 + i*entrySize
		bits := binary.LittleEndian.Uint32(body[off : off+4])
		scope := body[off+4]
		length := body[off+5]
		flags := alloc.Flags(body[off+6])

		addr, err := pna.Make(bits, scope)
		if err != nil {
			return AllocResponse{}, err
		}

		infos[i] = alloc.Info{Address: addr, Len: length, Flags: flags}
	}

	return AllocResponse{Infos: infos}, nil
}

// SubscribeMulticastRequest is the body of a SubscribeMulticast request.
type SubscribeMulticastRequest struct {
	Address pna.Address
}

// Encode serializes r with a leading opcode byte.
func (r SubscribeMulticastRequest) Encode() []byte {
	var buf [6]byte
	buf[0] = byte(OpSubscribeMulticast)
	binary.LittleEndian.PutUint32(buf[1:5], r.Address.Bits)
	buf[5] = r.Address.Scope

	return buf[:]
}

// DecodeSubscribeMulticastRequest parses the body Encode produces (opcode
// already consumed by the caller).
func DecodeSubscribeMulticastRequest(body []byte) (SubscribeMulticastRequest, error) {
	if len(body) < 5 {
		return SubscribeMulticastRequest{}, ergoterr.New(ergoterr.FrameError, "truncated subscribe request body")
	}

	bits := binary.LittleEndian.Uint32(body[0:4])
	addr, err := pna.Make(bits, body[4])
	if err != nil {
		return SubscribeMulticastRequest{}, err
	}

	return SubscribeMulticastRequest{Address: addr}, nil
}

// PublishNewPrefix is the body of an (unsolicited, not correlated to a
// request) PublishNewPrefix notification a parent sends a child when its
// own upstream prefix changes (spec.md §4.3 Rebase).
type PublishNewPrefix struct {
	NewPrefix pna.Address
}

// Encode serializes p with a leading opcode byte.
func (p PublishNewPrefix) Encode() []byte {
	var buf [6]byte
	buf[0] = byte(OpPublishNewPrefix)
	binary.LittleEndian.PutUint32(buf[1:5], p.NewPrefix.Bits)
	buf[5] = p.NewPrefix.Scope

	return buf[:]
}

// DecodePublishNewPrefix parses the body Encode produces (opcode already
// consumed by the caller).
func DecodePublishNewPrefix(body []byte) (PublishNewPrefix, error) {
	if len(body) < 5 {
		return PublishNewPrefix{}, ergoterr.New(ergoterr.FrameError, "truncated publish-new-prefix body")
	}

	bits := binary.LittleEndian.Uint32(body[0:4])
	addr, err := pna.Make(bits, body[4])
	if err != nil {
		return PublishNewPrefix{}, err
	}

	return PublishNewPrefix{NewPrefix: addr}, nil
}
