// Package socket implements the per-node socket fabric (spec.md §4.5):
// endpoint, topic and any-listener sockets, each with a bounded mailbox,
// registration/dispatch through a Table, and request/response correlation.
//
// Grounded on sarchlab/akita/v4/sim.Port/Buffer: a port owns a fixed-capacity
// incoming buffer and signals CanPush()/backpressure rather than blocking.
// ergot reinterprets that synchronous buffer-plus-notify pair as a buffered
// Go channel (the natural real-time equivalent of a bounded FIFO with a
// non-blocking push), while keeping the same "push fails loudly instead of
// blocking forever" contract spec.md §4.5 calls MailboxFull/backpressure.
package socket

import (
	"context"
	"sync"

	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/internal/hookable"
	"github.com/jamesmunns/ergot/internal/idgen"
	"github.com/jamesmunns/ergot/packet"
	"github.com/jamesmunns/ergot/pna"
)

// Kind is the socket's dispatch role (spec.md §3 Socket.kind).
type Kind int

// Socket kinds.
const (
	// Endpoint sockets receive packets addressed exactly to their own
	// address.
	Endpoint Kind = iota
	// Topic sockets receive packets addressed to a multicast address they
	// have subscribed to via the allocator (spec.md §4.3 subscribe_multicast).
	Topic
	// AnyListener receives any locally-destined packet no Endpoint or Topic
	// socket claimed (spec.md's supplemented any-listener kind; see
	// SPEC_FULL.md).
	AnyListener
)

// HookPosDelivered marks a successful Deliver into a socket's mailbox.
var HookPosDelivered = &hookable.Pos{Name: "Socket Delivered"}

// HookPosDeliverDropped marks a Deliver that failed because the mailbox was
// full (spec.md §4.5 backpressure/MailboxFull).
var HookPosDeliverDropped = &hookable.Pos{Name: "Socket Deliver Dropped"}

// DefaultMailboxCapacity is used when a caller does not specify one.
const DefaultMailboxCapacity = 32

// Socket is one registered endpoint/topic/any-listener mailbox.
type Socket struct {
	hookable.Base

	id      string
	addr    pna.Address
	kind    Kind
	mailbox chan packet.Packet

	mu    sync.Mutex
	gate  chan struct{} // non-nil and open while suspended; nil while active
}

// newSocket constructs a Socket with an open (non-suspended) mailbox.
func newSocket(addr pna.Address, kind Kind, capacity int) *Socket {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}

	return &Socket{
		id:      idgen.Get().Generate(),
		addr:    addr,
		kind:    kind,
		mailbox: make(chan packet.Packet, capacity),
	}
}

// ID returns the socket's process-unique handle, used for logging.
func (s *Socket) ID() string { return s.id }

// Address returns the address this socket is registered under.
func (s *Socket) Address() pna.Address { return s.addr }

// Kind returns the socket's dispatch role.
func (s *Socket) Kind() Kind { return s.kind }

// Deliver pushes an inbound packet into the socket's mailbox without
// blocking. It fails with MailboxFull if the mailbox is at capacity
// (spec.md §4.5 backpressure: "a socket whose mailbox is full causes the
// dispatch fabric to apply backpressure rather than silently drop").
func (s *Socket) Deliver(p packet.Packet) error {
	select {
	case s.mailbox <- p:
		s.InvokeHook(hookable.Ctx{Domain: s, Pos: HookPosDelivered, Item: p})
		return nil
	default:
		s.InvokeHook(hookable.Ctx{Domain: s, Pos: HookPosDeliverDropped, Item: p})
		return ergoterr.New(ergoterr.MailboxFull, "socket "+s.id+" mailbox is full")
	}
}

// Recv blocks until a packet is available or ctx is done. While the socket
// is suspended (spec.md §4.5 suspension) it never returns a mailbox item,
// even if one is waiting, until Resume is called.
func (s *Socket) Recv(ctx context.Context) (packet.Packet, error) {
	for {
		if gate := s.currentGate(); gate != nil {
			select {
			case <-gate:
				continue // resumed; re-check and fall through to a real read
			case <-ctx.Done():
				return packet.Packet{}, ergoterr.New(ergoterr.Timeout, ctx.Err().Error())
			}
		}

		select {
		case p := <-s.mailbox:
			return p, nil
		case <-ctx.Done():
			return packet.Packet{}, ergoterr.New(ergoterr.Timeout, ctx.Err().Error())
		}
	}
}

func (s *Socket) currentGate() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gate
}

// Suspend pauses delivery to Recv callers (spec.md §4.5 suspension) until
// Resume is called. Deliver still accepts packets into the mailbox (subject
// to the normal capacity/backpressure rule) while suspended.
func (s *Socket) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Resume lifts a prior Suspend, releasing any Recv callers blocked on it.
func (s *Socket) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// QueueLen returns the number of packets currently sitting in the
// mailbox, for diagnostics.
func (s *Socket) QueueLen() int { return len(s.mailbox) }

// QueueCap returns the mailbox's fixed capacity.
func (s *Socket) QueueCap() int { return cap(s.mailbox) }

// IsSuspended reports the socket's current suspension state.
func (s *Socket) IsSuspended() bool {
	return s.currentGate() != nil
}
