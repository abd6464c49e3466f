// Package node ties the allocator, routing table, socket fabric and link
// set into a single running engine (spec.md §4.7, §4.8): it pumps inbound
// frames from every attached link, consults routing to decide local
// delivery vs. forward vs. broadcast, re-expresses source addresses across
// scope boundaries, drives the initial-attach and link-loss state machine,
// and answers its own children's link-layer requests.
//
// Grounded on sarchlab/akita/v4/sim.Component/ComponentBase: a component
// owns a named set of ports and reacts to NotifyRecv/NotifyPortFree
// callbacks driven by a discrete-event engine. ergot reinterprets that as a
// goroutine per attached link reading off a real byte stream instead of a
// virtual-time event queue, but keeps the same shape: one long-lived struct
// owning a named set of attachment points (links instead of ports) plus the
// routing/dispatch state that reacts to traffic on them.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/jamesmunns/ergot/alloc"
	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/internal/elog"
	"github.com/jamesmunns/ergot/internal/hookable"
	"github.com/jamesmunns/ergot/link"
	"github.com/jamesmunns/ergot/linklayer"
	"github.com/jamesmunns/ergot/packet"
	"github.com/jamesmunns/ergot/pna"
	"github.com/jamesmunns/ergot/routing"
	"github.com/jamesmunns/ergot/socket"
)

// HookPosForwarded marks a packet being re-sent out an egress link.
var HookPosForwarded = &hookable.Pos{Name: "Node Forwarded"}

// HookPosDropped marks a packet dropped by routing (no route, TTL expiry,
// reflection back out the ingress link).
var HookPosDropped = &hookable.Pos{Name: "Node Dropped"}

// HookPosLinkStateChanged marks a link attachment's state-machine
// transition (spec.md §4.8).
var HookPosLinkStateChanged = &hookable.Pos{Name: "Link State Changed"}

// Config parameterizes a new Node.
type Config struct {
	// Name identifies the node for logging.
	Name string
	// LocalScope is the scope width this node's own allocator hands out
	// local addresses at. For a node that will itself subdivide a parent
	// grant further among its own children, this is narrower than the
	// scope the grant arrives at; a pure leaf (a node that requests a
	// single address and subdivides nothing further) uses the same scope
	// its parent's pool is carved from.
	LocalScope uint8
	// LocalSeed is this node's own local free-address space, before any
	// parent attachment. A root node (no parent) uses this as its entire
	// permanent pool; a node that will attach to a parent typically seeds
	// a small local space here and escalates for more as needed.
	LocalSeed alloc.Range
}

type attachedLink struct {
	id    routing.LinkID
	conn  *link.Link
	state LinkState

	isParentFacing bool
	childPrefix    pna.Address
	childFree      uint8
	haveChildRoute bool

	cancel context.CancelFunc
}

// Node is a running ergot network participant (spec.md §4.7).
type Node struct {
	hookable.Base

	name string

	mu    sync.Mutex
	links map[routing.LinkID]*attachedLink

	routing   *routing.Table
	allocator *alloc.Allocator
	sockets   *socket.Table

	localScope uint8
	// localFree is the width of this node's own low bits within the range
	// its parent granted it (alloc.Info.Len from the initial AllocAddresses
	// grant), stored so a later re-prefix (handlePublishNewPrefix) can
	// rebase without re-deriving it.
	localFree uint8

	parentLinkID routing.LinkID
	haveParent   bool

	log elog.Logger
}

// New constructs a Node with its own allocator (seeded per cfg, with no
// upstream configured yet — AttachParentLink wires one in once a parent
// link exists) and empty routing/socket tables.
func New(cfg Config) *Node {
	n := &Node{
		name:       cfg.Name,
		links:      make(map[routing.LinkID]*attachedLink),
		routing:    routing.NewTable(),
		sockets:    socket.NewTable(),
		localScope: cfg.LocalScope,
		log:        elog.Default,
	}

	n.allocator = alloc.New(cfg.LocalScope, cfg.LocalSeed, nil)
	n.sockets.SetOwnershipCheck(n.routing.OwnsLocal)

	// Reserve the node's own identity address out of its own pool before
	// anything else can be granted from it, so a child's first AllocMany
	// request can never be handed the same address this node registers its
	// own sockets under.
	_, _ = n.allocator.AllocMany([]alloc.Request{{Len: 0}})

	n.routing.SetLocalRange(pna.Address{Bits: cfg.LocalSeed.Base, Scope: cfg.LocalScope}, 0)

	return n
}

// Name returns the node's identifier.
func (n *Node) Name() string { return n.name }

// Routing returns the node's routing table, for tests and introspection.
func (n *Node) Routing() *routing.Table { return n.routing }

// Allocator returns the node's address allocator.
func (n *Node) Allocator() *alloc.Allocator { return n.allocator }

// Sockets returns the node's socket table, for registering application
// endpoints.
func (n *Node) Sockets() *socket.Table { return n.sockets }

// LinkSummary is a read-only view of one attached link, for diagnostics
// (internal/introspect's per-link view).
type LinkSummary struct {
	ID             routing.LinkID
	State          LinkState
	IsParentFacing bool
	Stats          link.Stats
}

// Links returns a summary of every currently attached link.
func (n *Node) Links() []LinkSummary {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]LinkSummary, 0, len(n.links))
	for _, al := range n.links {
		out = append(out, LinkSummary{
			ID:             al.id,
			State:          al.state,
			IsParentFacing: al.isParentFacing,
			Stats:          al.conn.Stats(),
		})
	}

	return out
}

// AttachChildLink wires a link to a child node: frames are pumped and
// routed immediately, with no AllocAddresses handshake expected from this
// side (the child drives that; handleInbound answers its requests to
// linklayer.BootstrapAddress through serveBootstrapRequest).
func (n *Node) AttachChildLink(id routing.LinkID, conn *link.Link) {
	n.attach(id, conn, false)
}

// AttachParentLink wires a link toward this node's parent and drives the
// initial-attach handshake (spec.md §4.6 bootstrap, §4.8 state machine):
// RequestingInitial, then an AllocAddresses request to linklayer.BootstrapAddress,
// then Bound (installing the parent route and rebasing the allocator) or
// Lost on failure. It returns once the handshake completes or ctx is done.
func (n *Node) AttachParentLink(ctx context.Context, id routing.LinkID, conn *link.Link, requestLen uint8) error {
	al := n.attach(id, conn, true)
	n.setLinkState(al, RequestingInitial)

	// A node with no address yet identifies itself with the same minimal
	// valid scope BootstrapAddress itself uses (scope 0 cannot be encoded
	// on the wire; pna.Make rejects it).
	client := linklayer.NewClient(n.sockets, pna.Any(1), linklayer.BootstrapAddress, conn.SendPacket)

	infos, err := client.AllocAddresses(ctx, []alloc.Request{{Len: requestLen}})
	if err != nil {
		n.setLinkState(al, Lost)
		return err
	}
	if len(infos) != 1 {
		n.setLinkState(al, Lost)
		return ergoterr.New(ergoterr.InvalidAddress, "parent granted an unexpected number of ranges")
	}

	granted := infos[0]

	n.mu.Lock()
	n.allocator.Rebase(granted.Address, granted.Len)
	prefix, free := childRoutePrefix(granted.Address, granted.Len)
	n.routing.SetLocalRange(prefix, free)
	n.routing.SetParentLink(id)
	n.parentLinkID = id
	n.localFree = granted.Len
	n.haveParent = true
	n.mu.Unlock()

	// The parent keeps answering requests addressed to
	// linklayer.BootstrapAddress regardless of attachment state (its
	// serveBootstrapRequest matches on destination alone), so the client
	// that won this initial grant doubles as this allocator's escalation
	// path for as long as the parent link stays up.
	n.allocator.SetUpstream(client)

	n.setLinkState(al, Bound)

	return nil
}

func (n *Node) attach(id routing.LinkID, conn *link.Link, parentFacing bool) *attachedLink {
	pumpCtx, cancel := context.WithCancel(context.Background())

	al := &attachedLink{id: id, conn: conn, state: Unattached, isParentFacing: parentFacing, cancel: cancel}

	n.mu.Lock()
	n.links[id] = al
	n.mu.Unlock()

	if !parentFacing {
		n.setLinkState(al, Bound)
	}

	go conn.RunReadPump(pumpCtx)
	go n.pumpInbound(pumpCtx, al)
	go n.watchDown(pumpCtx, al)

	return al
}

func (n *Node) pumpInbound(ctx context.Context, al *attachedLink) {
	for {
		p, err := al.conn.RecvPacket(ctx)
		if err != nil {
			return
		}

		n.handleInbound(al.id, p)
	}
}

func (n *Node) watchDown(ctx context.Context, al *attachedLink) {
	select {
	case <-al.conn.Down():
		n.handleLinkLost(al)
	case <-ctx.Done():
	}
}

// handleLinkLost implements the Bound -> Lost transition and its cleanup
// (spec.md §4.7: "on link disconnect: invalidate sockets bound to that
// link's session... remove routing entries referencing the link").
func (n *Node) handleLinkLost(al *attachedLink) {
	n.setLinkState(al, Lost)

	n.mu.Lock()
	if al.isParentFacing {
		n.routing.ClearParentLink()
		n.haveParent = false
	} else if al.haveChildRoute {
		n.routing.Remove(al.childPrefix)
	}
	delete(n.links, al.id)
	n.mu.Unlock()

	// Waiters suspended on a request routed through this link time out on
	// their own deadline rather than being force-woken with SessionLost
	// here: socket.Table's pending-request map is not indexed by link, only
	// by correlation id.

	al.cancel()
	n.log.Printf("node %s: link %s lost", n.name, al.id)
}

// DetachLink deliberately winds a link down: it is marked Draining, then
// torn down at once the same way a lost link is (spec.md §4.8).
func (n *Node) DetachLink(id routing.LinkID) {
	n.mu.Lock()
	al, ok := n.links[id]
	n.mu.Unlock()
	if !ok {
		return
	}

	n.setLinkState(al, Draining)
	n.handleLinkLost(al)
}

func (n *Node) hasParent() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.haveParent
}

// maxRequestLen returns the widest single Len named across requests, the
// size Escalate rounds an upstream ask to when more than one local request
// is pending (spec.md §4.3 Escalation asks for "a range equal to the
// pending requirement rounded up to a power of two" — the widest of several
// simultaneous requirements is a safe over-ask that AllocMany's retry can
// still satisfy from).
func maxRequestLen(reqs []alloc.Request) uint8 {
	var max uint8
	for _, r := range reqs {
		if r.Len > max {
			max = r.Len
		}
	}

	return max
}

func (n *Node) setLinkState(al *attachedLink, s LinkState) {
	al.state = s
	n.InvokeHook(hookable.Ctx{Domain: n, Pos: HookPosLinkStateChanged, Item: al.id, Detail: s})
}

// handleInbound routes one packet that arrived on ingress.
//
// A response or error first tries the socket fabric's correlation resolver
// directly, ahead of ordinary routing: it may carry a correlation id
// matching a request this node itself issued over this same link
// (AllocAddresses/SubscribeMulticast during bootstrap, or an application-
// level request/response pair), and the reply's destination is often an
// address this node has not yet bound a local route for (e.g. the
// placeholder identity a still-unattached node sends its first request
// from). If no such waiter exists and no local socket claims the
// destination either, the packet is merely passing through on its way
// back to whatever node up- or downstream actually originated the request,
// so it falls through to ordinary routing like anything else (spec.md
// §4.5 correlation).
//
// Link-layer requests addressed to linklayer.BootstrapAddress are also
// intercepted here, ahead of ordinary routing, because granting a child's
// initial AllocAddresses request requires knowing which link it arrived on
// (to install the resulting route) — information the socket fabric's
// Dispatch does not carry (spec.md §4.6: "the link driver substitutes the
// actual parent identity at delivery").
func (n *Node) handleInbound(ingress routing.LinkID, p packet.Packet) {
	if p.Header.IsResponse() || p.Header.IsError() {
		if err := n.sockets.Dispatch(p); err == nil || !ergoterr.IsKind(err, ergoterr.NoSocket) {
			return
		}
	}

	if p.Header.Dst == linklayer.BootstrapAddress && p.Header.IsRequest() {
		n.serveBootstrapRequest(ingress, p)
		return
	}

	decision, egress, ttl := n.routing.Route(p.Header.Dst, p.Header.TTL, ingress)
	p.Header.TTL = ttl

	switch decision {
	case routing.DecisionLocal:
		n.deliverLocal(p)
	case routing.DecisionForward:
		for _, egressLink := range egress {
			n.forward(egressLink, p)
		}
	case routing.DecisionBroadcast:
		n.deliverLocal(p)
		for _, egressLink := range egress {
			n.forward(egressLink, p)
		}
	case routing.DecisionDrop:
		n.InvokeHook(hookable.Ctx{Domain: n, Pos: HookPosDropped, Item: p})
		n.maybeSendRoutingErrorReply(ingress, p)
	}
}

func (n *Node) deliverLocal(p packet.Packet) {
	_ = n.sockets.Dispatch(p)
}

// Send routes a packet originated by one of this node's own sockets: a
// unicast destination is forwarded or delivered locally exactly as an
// inbound packet would be (ingress is empty, so routing never excludes a
// link the way it would for something arriving on one), and a broadcast
// destination reaches every attached link plus any local listener. It
// reports ergoterr.NoRoute if routing has nowhere to send dst.
func (n *Node) Send(p packet.Packet) error {
	decision, egress, ttl := n.routing.Route(p.Header.Dst, p.Header.TTL, "")
	p.Header.TTL = ttl

	switch decision {
	case routing.DecisionLocal:
		n.deliverLocal(p)
	case routing.DecisionForward:
		for _, egressLink := range egress {
			n.forward(egressLink, p)
		}
	case routing.DecisionBroadcast:
		n.deliverLocal(p)
		for _, egressLink := range egress {
			n.forward(egressLink, p)
		}
	case routing.DecisionDrop:
		n.InvokeHook(hookable.Ctx{Domain: n, Pos: HookPosDropped, Item: p})
		n.maybeSendRoutingErrorReply("", p)
		return ergoterr.New(ergoterr.NoRoute, "no route to destination")
	}

	return nil
}

// errorReplyTTL bounds how far a routing-error reply can travel back toward
// its originator; it need not match the dropped packet's own exhausted TTL
// (spec.md §7), since the reply starts its own journey fresh from the node
// that gave up on it.
const errorReplyTTL = 4

// maybeSendRoutingErrorReply answers a packet routing just dropped (NoRoute
// or TTL expiry) with a best-effort error-response packet addressed back to
// its source, the way sendBootstrapReply answers a bootstrap request it
// cannot satisfy (spec.md §7: "if it was a request carrying a correlation
// id and the ingress link is still up, a best-effort error-response packet
// (is_error flag, empty body) is emitted toward the source"). A packet with
// no correlation id, or that was never a request, gets nothing back — there
// is no waiter on the other end to unblock. ingress is empty for a packet
// Send originated locally, in which case "toward the source" means
// delivering straight back to this node's own correlation waiter rather
// than over a link.
func (n *Node) maybeSendRoutingErrorReply(ingress routing.LinkID, p packet.Packet) {
	if !p.Header.IsRequest() || p.Header.Correlation == 0 {
		return
	}

	reply := packet.Packet{
		Header: packet.Header{
			Src:         p.Header.Dst,
			Dst:         p.Header.Src,
			TTL:         errorReplyTTL,
			Flags:       packet.FlagResponse | packet.FlagError,
			Correlation: p.Header.Correlation,
		},
	}

	if ingress == "" {
		n.deliverLocal(reply)
		return
	}

	n.mu.Lock()
	al, ok := n.links[ingress]
	n.mu.Unlock()
	if !ok {
		return
	}

	_ = al.conn.SendPacket(reply)
}

// forward re-expresses p's source address across the scope boundary the
// egress link represents (spec.md §4.8), then sends it.
func (n *Node) forward(egress routing.LinkID, p packet.Packet) {
	n.mu.Lock()
	al, ok := n.links[egress]
	goingUpstream := ok && al.isParentFacing
	n.mu.Unlock()

	if !ok {
		n.InvokeHook(hookable.Ctx{Domain: n, Pos: HookPosDropped, Item: p})
		return
	}

	if goingUpstream {
		if global, err := n.allocator.GlobalAddress(p.Header.Src); err == nil {
			p.Header.Src = global
		}
	} else if narrowed, ok := narrowToChildScope(p.Header.Src, n.localScope); ok {
		p.Header.Src = narrowed
	}
	// else: leave src at its current (wider) scope so the child can still
	// route its reply upward (spec.md §4.8).

	if err := al.conn.SendPacket(p); err != nil {
		n.InvokeHook(hookable.Ctx{Domain: n, Pos: HookPosDropped, Item: p})
		return
	}

	n.InvokeHook(hookable.Ctx{Domain: n, Pos: HookPosForwarded, Item: p, Detail: egress})
}

// serveBootstrapRequest grants a child's initial AllocAddresses request and
// installs the resulting route against the link it arrived on (spec.md
// §4.6 bootstrap). SubscribeMulticast requests from a child that has
// already attached are also answered here, addressed to the same
// well-known bootstrap address for simplicity rather than
// the node's own externally-granted address.
func (n *Node) serveBootstrapRequest(ingress routing.LinkID, p packet.Packet) {
	if len(p.Body) < 1 {
		return
	}

	n.mu.Lock()
	al, ok := n.links[ingress]
	n.mu.Unlock()
	if !ok {
		return
	}

	switch linklayer.Opcode(p.Body[0]) {
	case linklayer.OpAllocAddresses:
		n.grantChildAllocation(al, p)
	case linklayer.OpSubscribeMulticast:
		req, err := linklayer.DecodeSubscribeMulticastRequest(p.Body[1:])
		if err == nil {
			err = n.allocator.SubscribeMulticast(req.Address)
		}
		n.sendBootstrapReply(al, p, nil, err)
	case linklayer.OpPublishNewPrefix:
		n.handlePublishNewPrefix(ingress, p)
	}
}

// PublishNewPrefix re-prefixes the child attached via id (spec.md §4.3
// Rebase, §8 S3): it moves that child's routing entry to newPrefix and
// notifies the child so it can rebase its own allocator and local range to
// match. The notification is unsolicited — fire and forget, not correlated
// to a request — since the child has no reply to give.
func (n *Node) PublishNewPrefix(id routing.LinkID, newPrefix pna.Address) error {
	n.mu.Lock()
	al, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		return ergoterr.New(ergoterr.NoRoute, "no such link")
	}
	if al.haveChildRoute {
		n.routing.Remove(al.childPrefix)
	}
	n.routing.Install(newPrefix, al.childFree, id)
	al.childPrefix = newPrefix
	al.haveChildRoute = true
	n.mu.Unlock()

	body := linklayer.PublishNewPrefix{NewPrefix: newPrefix}.Encode()
	notice := packet.Packet{
		Header: packet.Header{
			Src:     linklayer.BootstrapAddress,
			Dst:     linklayer.BootstrapAddress,
			TTL:     1,
			Flags:   packet.FlagRequest,
			BodyLen: uint16(len(body)),
		},
		Body: body,
	}

	return al.conn.SendPacket(notice)
}

// handlePublishNewPrefix applies an incoming re-prefix notification from
// this node's own parent. A notification arriving on any link other than
// the current parent link is ignored; it cannot be this node's own parent
// re-prefixing it.
//
// Only the externally visible local range moves; the allocator's own free
// and live ranges (expressed in this node's fixed local scope) are
// untouched, matching spec.md §8.5's "re-prefix preserves local addresses."
func (n *Node) handlePublishNewPrefix(ingress routing.LinkID, p packet.Packet) {
	msg, err := linklayer.DecodePublishNewPrefix(p.Body[1:])
	if err != nil {
		return
	}

	n.mu.Lock()
	isParent := n.haveParent && n.parentLinkID == ingress
	n.mu.Unlock()
	if !isParent {
		return
	}

	n.mu.Lock()
	free := n.localFree
	n.mu.Unlock()

	n.allocator.Rebase(msg.NewPrefix, free)
	n.routing.SetLocalRange(msg.NewPrefix, free)
}

// escalateTimeout bounds how long grantChildAllocation waits for this
// node's own parent to answer an escalation request before giving up and
// refusing the child that triggered it (spec.md §8.4: a refused escalation
// must leave the node's own pool unchanged, which Escalate already
// guarantees by only adding a granted range to the pool on success).
const escalateTimeout = 5 * time.Second

func (n *Node) grantChildAllocation(al *attachedLink, p packet.Packet) {
	req, err := linklayer.DecodeAllocRequest(p.Body[1:])
	if err != nil {
		n.sendBootstrapReply(al, p, nil, err)
		return
	}

	infos, err := n.allocator.AllocMany(req.Requests)
	if err != nil && ergoterr.IsKind(err, ergoterr.Exhausted) && n.hasParent() {
		// spec.md §4.3/§8.4: a node whose own pool cannot satisfy a child's
		// request escalates to its own parent for more room before refusing.
		ctx, cancel := context.WithTimeout(context.Background(), escalateTimeout)
		escErr := n.allocator.Escalate(ctx, maxRequestLen(req.Requests), 0)
		cancel()

		if escErr == nil {
			infos, err = n.allocator.AllocMany(req.Requests)
		}
	}
	if err != nil {
		n.sendBootstrapReply(al, p, nil, err)
		return
	}

	// The grant above is expressed in this node's own local scope, but a
	// packet's Dst is never narrowed in transit (it always arrives at the
	// widest scope in the tree), and the child will adopt whatever address we
	// hand back as its own externally observable identity — so every granted
	// address is widened into this node's own global frame before it's
	// installed as a route or sent on the wire. For a root (no
	// base-in-parent yet), GlobalAddress is a no-op.
	global := make([]alloc.Info, len(infos))
	for i, info := range infos {
		addr, werr := n.allocator.GlobalAddress(info.Address)
		if werr != nil {
			n.sendBootstrapReply(al, p, nil, werr)
			return
		}
		global[i] = info
		global[i].Address = addr
	}

	if len(global) == 1 {
		granted := global[0]
		prefix, free := childRoutePrefix(granted.Address, granted.Len)

		n.mu.Lock()
		n.routing.Install(prefix, free, al.id)
		al.childPrefix = prefix
		al.childFree = free
		al.haveChildRoute = true
		n.mu.Unlock()
	}

	n.sendBootstrapReply(al, p, global, nil)
}

func (n *Node) sendBootstrapReply(al *attachedLink, req packet.Packet, infos []alloc.Info, handlerErr error) {
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
		resp.Body = linklayer.AllocResponse{Infos: infos}.Encode()
	}

	resp.Header.BodyLen = uint16(len(resp.Body))

	_ = al.conn.SendPacket(resp)
}

// childRoutePrefix derives a routing.Table prefix plus its free width
// describing a freshly granted range, from either side of the grant: a
// parent installing a route toward the child it just granted to, or the
// child itself setting its own local range after being granted. The
// grant's variable/child-assignable bits occupy the low granted.Len bits
// of granted.Address (alloc's alignment convention; see alloc/pool.go's
// carve) and are left in place rather than shifted off — a destination
// address is never itself narrowed in transit (only Src is, in
// narrowToChildScope), so the prefix must be matched against dst at the
// same scope dst arrives at, wildcarding the low free bits via
// pna.ContainsRange instead of shrinking the prefix to cover them.
func childRoutePrefix(granted pna.Address, length uint8) (pna.Address, uint8) {
	return granted, length
}

// narrowToChildScope masks src down to targetScope (spec.md §4.8
// downward re-expression) if the result still identifies the same node,
// i.e. no significant high bits are lost by narrowing.
func narrowToChildScope(src pna.Address, targetScope uint8) (pna.Address, bool) {
	if src.Scope <= targetScope {
		return src, true
	}

	narrowed, err := src.Reexpress(targetScope)
	if err != nil {
		return pna.Address{}, false
	}

	return narrowed, true
}
