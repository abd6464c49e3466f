package linklayer

import (
	"context"

	"github.com/jamesmunns/ergot/alloc"
	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/packet"
	"github.com/jamesmunns/ergot/pna"
	"github.com/jamesmunns/ergot/socket"
)

// initialTTL is the TTL a client-originated control-plane request starts
// with; link-layer requests only ever travel one hop up to the immediate
// parent, but a small margin tolerates an intermediate relay.
const initialTTL = 4

// Client issues link-layer requests to a node's parent (spec.md §4.6) and
// satisfies alloc.UpstreamRequester so an Allocator can escalate through it
// directly.
type Client struct {
	table      *socket.Table
	local      pna.Address
	parentAddr pna.Address
	sendFn     func(packet.Packet) error
}

// NewClient builds a Client that addresses requests to parentAddr (typically
// BootstrapAddress before the node has been allocated an address of its own,
// and the parent's allocated address afterward) as local. sendFn transmits
// the request packet over whatever link reaches the parent.
func NewClient(table *socket.Table, local, parentAddr pna.Address, sendFn func(packet.Packet) error) *Client {
	return &Client{table: table, local: local, parentAddr: parentAddr, sendFn: sendFn}
}

// RequestUpstream implements alloc.UpstreamRequester.
func (c *Client) RequestUpstream(ctx context.Context, req alloc.Request) (alloc.Info, error) {
	infos, err := c.AllocAddresses(ctx, []alloc.Request{req})
	if err != nil {
		return alloc.Info{}, err
	}
	if len(infos) != 1 {
		return alloc.Info{}, ergoterr.New(ergoterr.InvalidAddress, "upstream granted an unexpected number of ranges")
	}

	return infos[0], nil
}

// AllocAddresses requests one or more ranges atomically from the parent
// (spec.md §4.6 AllocAddresses).
func (c *Client) AllocAddresses(ctx context.Context, requests []alloc.Request) ([]alloc.Info, error) {
	body := AllocRequest{Requests: requests}.Encode()

	resp, err := c.roundTrip(ctx, body)
	if err != nil {
		return nil, err
	}

	out, err := DecodeAllocResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	return out.Infos, nil
}

// SubscribeMulticast asks the parent to add addr to the set of multicast
// targets forwarded down this link (spec.md §4.6 SubscribeMulticast).
func (c *Client) SubscribeMulticast(ctx context.Context, addr pna.Address) error {
	body := SubscribeMulticastRequest{Address: addr}.Encode()

	_, err := c.roundTrip(ctx, body)

	return err
}

func (c *Client) roundTrip(ctx context.Context, body []byte) (packet.Packet, error) {
	correlation, await := c.table.BeginRequest()

	req := packet.Packet{
		Header: packet.Header{
			Src:         c.local,
			Dst:         c.parentAddr,
			TTL:         initialTTL,
			Flags:       packet.FlagRequest,
			Correlation: correlation,
			BodyLen:     uint16(len(body)),
		},
		Body: body,
	}

	if err := c.sendFn(req); err != nil {
		return packet.Packet{}, err
	}

	resp, err := await(ctx)
	if err != nil {
		return packet.Packet{}, err
	}

	if resp.Header.IsError() {
		return packet.Packet{}, ergoterr.New(ergoterr.UpstreamRefused, string(resp.Body))
	}

	return resp, nil
}
