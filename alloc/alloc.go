// Package alloc implements the per-node address allocator (spec.md §4.3):
// a pool manager supporting atomic multi-range allocation, free-with-coalesce,
// multicast subscription bookkeeping and upstream escalation.
//
// The allocator operates entirely in a node's own LOCAL scope: every pool
// range, live allocation and returned Info.Address shares the
// allocator's fixed Scope. A node's position within its parent's address
// space (its "base-in-parent", used only when re-expressing addresses while
// forwarding per spec.md §4.8) is tracked separately by Rebase, exactly as
// spec.md describes: "local addresses remain stable within the node; global
// addresses observable to peers change atomically."
//
// The escalation retry loop is grounded on platinasystems-goes'
// cmd/dhcpcd.go, which retries a DHCP lease request with
// github.com/jpillora/backoff; ergot's upstream AllocAddresses escalation
// reuses the same library for the same reason (bounded, exponential retry of a
// request a remote peer may transiently refuse).
package alloc

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/jamesmunns/ergot/internal/hookable"
	"github.com/jamesmunns/ergot/pna"
)

// Flags on an allocation request (spec.md §3 Allocation, §4.3).
type Flags uint8

// Allocation flags.
const (
	AllowMulticast Flags = 1 << iota
	AllowUnaligned
)

// Request describes one requested range within an alloc_many call
// (spec.md §4.6: body = list of {len, flags}).
type Request struct {
	Len   uint8
	Flags Flags
}

// Info describes one granted range (spec.md §4.6: {address, len}).
type Info struct {
	Address pna.Address
	Len     uint8
	Flags   Flags
}

// Range is a contiguous span [Base, Base+2^Len) of local offsets.
type Range struct {
	Base uint32
	Len  uint8
}

// End returns the exclusive end of the range.
func (r Range) End() uint32 {
	return r.Base + (uint32(1) << r.Len)
}

// HookPosAllocGranted marks a successful alloc_many.
var HookPosAllocGranted = &hookable.Pos{Name: "Alloc Granted"}

// HookPosAllocFreed marks a free() call.
var HookPosAllocFreed = &hookable.Pos{Name: "Alloc Freed"}

// HookPosAllocEscalated marks a successful upstream escalation.
var HookPosAllocEscalated = &hookable.Pos{Name: "Alloc Escalated"}

// UpstreamRequester is implemented by whatever wires the allocator to the
// link layer's AllocAddresses client (spec.md §4.3 Escalation). It is
// injected so alloc itself never depends on socket/linklayer.
type UpstreamRequester interface {
	RequestUpstream(ctx context.Context, req Request) (Info, error)
}

// Allocator is a per-node pool manager (spec.md §4.3).
type Allocator struct {
	hookable.Base

	mu    sync.Mutex
	scope uint8

	free []span // sorted by Base, disjoint, coalesced
	live []liveAlloc

	multicast map[uint32]bool // offsets subscribed via subscribe_multicast

	baseInParent     pna.Address
	baseInParentFree uint8
	haveBaseParent   bool

	upstream UpstreamRequester
	backoff  *backoff.Backoff
}

type liveAlloc struct {
	Range
	flags Flags
}

// New creates an Allocator operating at the given local scope, seeded with a
// single best-guess range (spec.md §3 Pool: "Initially seeded with a single
// best-guess range (§6)").
func New(scope uint8, seed Range, upstream UpstreamRequester) *Allocator {
	a := &Allocator{
		scope:     scope,
		free:      []span{{Base: seed.Base, End: seed.End()}},
		multicast: make(map[uint32]bool),
		upstream:  upstream,
		backoff: &backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
		},
	}

	return a
}

// SetUpstream wires (or replaces) the upstream requester Escalate calls
// against, for a node that only learns its parent link's client after New
// has already constructed the allocator (spec.md §4.7 bootstrap: the
// allocator exists before the parent handshake completes).
func (a *Allocator) SetUpstream(upstream UpstreamRequester) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.upstream = upstream
}
