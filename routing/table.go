// Package routing implements the per-node routing table (spec.md §4.4):
// given a destination address, decide whether to deliver locally, forward
// to a specific child or the parent, broadcast, or drop.
//
// Grounded on noc/networking/routing/routingtable.go, which matches a
// destination port to an output port with an exact-match table plus a
// default route. ergot generalizes the teacher's exact-match lookup to PNA
// prefix containment with longest-prefix-match precedence, since a single
// child link stands for every address within its granted range, not one
// specific address.
package routing

import (
	"sort"
	"sync"

	"github.com/jamesmunns/ergot/internal/hookable"
	"github.com/jamesmunns/ergot/pna"
)

// LinkID identifies an egress link (spec.md §4.4 routes are keyed by link,
// not by raw transport detail — the link/node packages decide what a LinkID
// maps to).
type LinkID string

// Decision is the outcome of routing a packet to a destination address.
type Decision int

// Decisions Route can return; Route's own doc gives the order it checks
// them in.
const (
	// DecisionLocal means the destination falls within this node's own
	// locally owned address range: deliver to the socket fabric.
	DecisionLocal Decision = iota
	// DecisionForward means the destination should go out exactly one
	// egress link (a specific child, or the parent).
	DecisionForward
	// DecisionBroadcast means the destination is a broadcast/any address:
	// deliver locally (if applicable) and forward out every link except
	// the one the packet arrived on.
	DecisionBroadcast
	// DecisionDrop means no route exists, or the TTL has expired.
	DecisionDrop
)

type route struct {
	prefix pna.Address
	free   uint8
	link   LinkID
}

// HookPosRouted marks a routing decision.
var HookPosRouted = &hookable.Pos{Name: "Routed"}

// Table is a node's routing table (spec.md §4.4).
type Table struct {
	hookable.Base

	mu sync.Mutex

	local     pna.Address
	localFree uint8
	haveLocal bool

	parent     LinkID
	haveParent bool

	routes []route // sorted most-specific (largest scope) first
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{}
}

// SetLocalRange marks the address range this node itself owns (spec.md
// §4.4 LocalSockets): any destination whose bits agree with local in the
// window [free, local.Scope) is delivered to the local socket fabric rather
// than forwarded. free is the number of local's own low bits that are this
// node's (or, after a subdivided grant, its own descendants') to assign and
// so are not part of the match; pass 0 for a single reserved address.
func (t *Table) SetLocalRange(local pna.Address, free uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.local = local
	t.localFree = free
	t.haveLocal = true
}

// OwnsLocal reports whether addr falls within this node's own local range —
// the same window SetLocalRange installs and Route's local-match case
// compares dst against (spec.md §4.5 register: a bind must target "an
// address ... within an allocation" the node actually holds, not merely any
// address anyone chose to send a socket.Register call with).
func (t *Table) OwnsLocal(addr pna.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.haveLocal && pna.ContainsRange(t.local, t.localFree, addr)
}

// SetParentLink designates the link toward this node's parent, used as the
// fallback route for any destination outside every known child range
// (spec.md §4.4 parent_link).
func (t *Table) SetParentLink(link LinkID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.parent = link
	t.haveParent = true
}

// ClearParentLink removes the parent route (spec.md §4.8 Lost transition).
func (t *Table) ClearParentLink() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.haveParent = false
}

// Install adds or replaces a child route for prefix (spec.md §4.4 install).
// free is the number of prefix's own low bits the grantee (and everything
// below it) is free to assign; a destination matches this route when it
// agrees with prefix in the window [free, prefix.Scope), regardless of what
// it carries below free (see pna.ContainsRange). Pass 0 for a Len==0 grant
// (a single leaf address).
func (t *Table) Install(prefix pna.Address, free uint8, link LinkID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.routes {
		if r.prefix == prefix {
			t.routes[i].free = free
			t.routes[i].link = link
			return
		}
	}

	t.routes = append(t.routes, route{prefix: prefix, free: free, link: link})
	sort.SliceStable(t.routes, func(i, j int) bool {
		return t.routes[i].prefix.Scope > t.routes[j].prefix.Scope
	})
}

// Remove deletes the child route for prefix, if any (spec.md §4.4 remove).
func (t *Table) Remove(prefix pna.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.routes {
		if r.prefix == prefix {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// Route decides what to do with a packet addressed to dst, arriving with
// the given ttl on ingress (empty LinkID for a locally originated packet).
// TTL is decremented here; a packet whose TTL reaches zero is dropped
// unless it is delivered locally (spec.md §4.4: "when it reaches 0 the
// packet is dropped").
//
// The returned egress list excludes ingress so a forwarded or broadcast
// packet is never reflected back the way it came.
func (t *Table) Route(dst pna.Address, ttl uint8, ingress LinkID) (Decision, []LinkID, uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ttl--

	var decision Decision
	var egress []LinkID

	switch {
	case dst.IsAny():
		decision = DecisionBroadcast
		egress = t.broadcastLinksLocked(ingress)
	default:
		// A child's range is always a narrower sub-range of this node's own
		// wildcarded local range once it has delegated part of it (localFree
		// > 0), so the more specific child route must win before the local
		// match swallows traffic actually meant for a grandchild further
		// down the tree.
		if link, ok := t.bestChildLocked(dst); ok {
			if link != ingress {
				decision = DecisionForward
				egress = []LinkID{link}
			} else {
				decision = DecisionDrop
			}
		} else if t.haveLocal && pna.ContainsRange(t.local, t.localFree, dst) {
			decision = DecisionLocal
		} else if t.haveParent && t.parent != ingress {
			decision = DecisionForward
			egress = []LinkID{t.parent}
		} else {
			decision = DecisionDrop
		}
	}

	if ttl == 0 && decision != DecisionLocal {
		decision = DecisionDrop
		egress = nil
	}

	t.InvokeHook(hookable.Ctx{Domain: t, Pos: HookPosRouted, Item: dst, Detail: decision})

	return decision, egress, ttl
}

func (t *Table) bestChildLocked(dst pna.Address) (LinkID, bool) {
	for _, r := range t.routes {
		if pna.ContainsRange(r.prefix, r.free, dst) {
			return r.link, true
		}
	}

	return "", false
}

func (t *Table) broadcastLinksLocked(ingress LinkID) []LinkID {
	seen := make(map[LinkID]bool)
	var out []LinkID

	for _, r := range t.routes {
		if r.link == ingress || seen[r.link] {
			continue
		}
		seen[r.link] = true
		out = append(out, r.link)
	}

	if t.haveParent && t.parent != ingress && !seen[t.parent] {
		out = append(out, t.parent)
	}

	return out
}

// RouteEntry is one installed route, exported read-only for diagnostics
// (internal/introspect's routing table view).
type RouteEntry struct {
	Prefix pna.Address
	Free   uint8
	Link   LinkID
}

// Snapshot returns every installed route plus the local range and parent
// link, for introspection. It holds no reference into the table's internal
// state.
func (t *Table) Snapshot() (local pna.Address, localFree uint8, haveLocal bool, parent LinkID, haveParent bool, routes []RouteEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	routes = make([]RouteEntry, len(t.routes))
	for i, r := range t.routes {
		routes[i] = RouteEntry{Prefix: r.prefix, Free: r.free, Link: r.link}
	}

	return t.local, t.localFree, t.haveLocal, t.parent, t.haveParent, routes
}
