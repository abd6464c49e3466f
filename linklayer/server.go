package linklayer

import (
	"context"

	"github.com/jamesmunns/ergot/alloc"
	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/packet"
	"github.com/jamesmunns/ergot/pna"
	"github.com/jamesmunns/ergot/socket"
)

// Server answers a node's children's link-layer requests against its own
// Allocator (spec.md §4.6). A node that is itself the root of the address
// space serves requests on BootstrapAddress; any node also serves its own
// children on whatever address its parent allocated it.
type Server struct {
	allocator *alloc.Allocator
	socket    *socket.Socket
	sendFn    func(p packet.Packet) error
}

// NewServer registers an Endpoint socket at addr (BootstrapAddress for the
// root node) on table and wires it to allocator. sendFn transmits an
// outbound packet (typically a Link's SendPacket or a node's forwarding
// path).
func NewServer(table *socket.Table, addr pna.Address, allocator *alloc.Allocator, sendFn func(packet.Packet) error) (*Server, error) {
	s, err := table.Register(addr, socket.Endpoint, socket.DefaultMailboxCapacity)
	if err != nil {
		return nil, err
	}

	return &Server{allocator: allocator, socket: s, sendFn: sendFn}, nil
}

// Serve processes requests off the server's socket until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	for {
		p, err := s.socket.Recv(ctx)
		if err != nil {
			return err
		}

		if err := s.handle(p); err != nil {
			continue // malformed request from a misbehaving child; drop it
		}
	}
}

func (s *Server) handle(p packet.Packet) error {
	if len(p.Body) < 1 {
		return ergoterr.New(ergoterr.FrameError, "empty link-layer request body")
	}

	switch Opcode(p.Body[0]) {
	case OpAllocAddresses:
		return s.handleAllocAddresses(p)
	case OpSubscribeMulticast:
		return s.handleSubscribeMulticast(p)
	case discoveryOpcode:
		return s.handleDiscover(p)
	default:
		return ergoterr.New(ergoterr.InvalidAddress, "unknown link-layer opcode")
	}
}

// handleDiscover answers a broadcast discovery probe with an empty response,
// letting the prober learn a parent exists without allocating anything yet.
func (s *Server) handleDiscover(p packet.Packet) error {
	return s.reply(p, nil, nil)
}

func (s *Server) handleAllocAddresses(p packet.Packet) error {
	req, err := DecodeAllocRequest(p.Body[1:])
	if err != nil {
		return s.reply(p, nil, err)
	}

	infos, err := s.allocator.AllocMany(req.Requests)

	return s.reply(p, infos, err)
}

func (s *Server) handleSubscribeMulticast(p packet.Packet) error {
	req, err := DecodeSubscribeMulticastRequest(p.Body[1:])
	if err != nil {
		return s.reply(p, nil, err)
	}

	err = s.allocator.SubscribeMulticast(req.Address)

	return s.reply(p, nil, err)
}

// reply builds and sends the response packet for an AllocAddresses or
// SubscribeMulticast request, swapping src/dst and reusing the request's
// correlation id (spec.md §4.5 correlation).
func (s *Server) reply(req packet.Packet, infos []alloc.Info, handlerErr error) error {
	resp := packet.Packet{
		Header: packet.Header{
			Src:         req.Header.Dst,
			Dst:         req.Header.Src,
			TTL:         req.Header.TTL,
			Correlation: req.Header.Correlation,
		},
	}

	if handlerErr != nil {
		resp.Header.Flags = packet.FlagResponse | packet.FlagError
		resp.Body = []byte(handlerErr.Error())
	} else {
		resp.Header.Flags = packet.FlagResponse
		resp.Body = AllocResponse{Infos: infos}.Encode()
	}

	resp.Header.BodyLen = uint16(len(resp.Body))

	return s.sendFn(resp)
}
