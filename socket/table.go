package socket

import (
	"context"
	"sync"

	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/packet"
	"github.com/jamesmunns/ergot/pna"
)

// Table is a node's socket registry and dispatch fabric (spec.md §4.5):
// register/deregister sockets, deliver inbound packets to the right one,
// and correlate outbound requests with their responses.
//
// Grounded on sarchlab/akita/v4/sim.PortOwner, which tracks a component's
// set of named ports and looks one up by name on delivery; ergot
// generalizes the lookup key from a port name to a PNA address, and adds
// the any-listener fallback and request/response correlation spec.md §4.5
// and its supplemented any-listener kind call for.
type Table struct {
	mu sync.Mutex

	byAddr map[pna.Address]*Socket
	any    *Socket

	nextCorrelation uint16
	pending         map[uint16]chan packet.Packet

	ownsLocal func(pna.Address) bool
}

// NewTable creates an empty socket Table.
func NewTable() *Table {
	return &Table{
		byAddr:  make(map[pna.Address]*Socket),
		pending: make(map[uint16]chan packet.Packet),
	}
}

// SetOwnershipCheck wires owns as the predicate Register consults before
// binding an Endpoint socket (spec.md §4.5: register fails "if address is
// already bound (non-multicast) or outside an allocation"). node.New wires
// this to its routing.Table's OwnsLocal so application code can't bind a
// socket to an address the node was never granted. Left nil (the default)
// a Table built standalone, as the linklayer and socket unit suites do,
// accepts any address — there is no allocator or routing table to consult.
func (t *Table) SetOwnershipCheck(owns func(pna.Address) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ownsLocal = owns
}

// Register creates and registers a socket at addr. Registering a second
// Endpoint or Topic socket at the same address, or a second AnyListener on
// the same table, fails with Conflict. An Endpoint socket additionally
// fails with InvalidAddress if an ownership check is wired and addr falls
// outside it — Topic sockets are multicast and governed by subscription
// rather than allocation, and AnyListener binds no address of its own.
func (t *Table) Register(addr pna.Address, kind Kind, capacity int) (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if kind == AnyListener {
		if t.any != nil {
			return nil, ergoterr.New(ergoterr.Conflict, "an any-listener is already registered on this node")
		}

		s := newSocket(addr, kind, capacity)
		t.any = s

		return s, nil
	}

	if kind == Endpoint && t.ownsLocal != nil && !t.ownsLocal(addr) {
		return nil, ergoterr.New(ergoterr.InvalidAddress, "address "+addr.String()+" is outside this node's allocation")
	}

	if _, exists := t.byAddr[addr]; exists {
		return nil, ergoterr.New(ergoterr.Conflict, "a socket is already registered at "+addr.String())
	}

	s := newSocket(addr, kind, capacity)
	t.byAddr[addr] = s

	return s, nil
}

// Unregister removes s from the table.
func (t *Table) Unregister(s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.any == s {
		t.any = nil
		return
	}

	if existing, ok := t.byAddr[s.addr]; ok && existing == s {
		delete(t.byAddr, s.addr)
	}
}

// Dispatch delivers an inbound packet to the socket registered at its
// destination, falling back to the any-listener, and returns NoSocket if
// neither exists. A delivery whose Flags mark it as a response/error first
// tries to resolve a pending correlated request instead of ordinary
// dispatch (spec.md §4.5: "request/response correlation via a 16-bit
// correlation id").
func (t *Table) Dispatch(p packet.Packet) error {
	if p.Header.IsResponse() || p.Header.IsError() {
		if t.resolveCorrelated(p) {
			return nil
		}
		// No pending waiter: fall through to ordinary dispatch so an
		// unsolicited response-flagged packet still reaches a listening
		// socket rather than being silently discarded.
	}

	t.mu.Lock()
	s, ok := t.byAddr[p.Header.Dst]
	any := t.any
	t.mu.Unlock()

	if ok {
		return s.Deliver(p)
	}
	if any != nil {
		return any.Deliver(p)
	}

	return ergoterr.New(ergoterr.NoSocket, "no socket registered for "+p.Header.Dst.String())
}

// Sockets returns every registered socket, for diagnostics
// (internal/introspect's socket table view).
func (t *Table) Sockets() []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Socket, 0, len(t.byAddr)+1)
	for _, s := range t.byAddr {
		out = append(out, s)
	}
	if t.any != nil {
		out = append(out, t.any)
	}

	return out
}

func (t *Table) resolveCorrelated(p packet.Packet) bool {
	t.mu.Lock()
	ch, ok := t.pending[p.Header.Correlation]
	if ok {
		delete(t.pending, p.Header.Correlation)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	ch <- p

	return true
}

// BeginRequest allocates a correlation id and a slot to receive its
// response, returning the id and a function to wait for it. The caller
// puts the id on its request's header and transmits the request itself.
func (t *Table) BeginRequest() (correlation uint16, await func(ctx context.Context) (packet.Packet, error)) {
	t.mu.Lock()
	t.nextCorrelation++
	correlation = t.nextCorrelation
	ch := make(chan packet.Packet, 1)
	t.pending[correlation] = ch
	t.mu.Unlock()

	await = func(ctx context.Context) (packet.Packet, error) {
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			t.mu.Lock()
			delete(t.pending, correlation)
			t.mu.Unlock()

			return packet.Packet{}, ergoterr.New(ergoterr.Timeout, ctx.Err().Error())
		}
	}

	return correlation, await
}
