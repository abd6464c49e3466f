package alloc

import (
	"context"
	"sort"
	"time"

	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/internal/hookable"
	"github.com/jamesmunns/ergot/pna"
)

// span is an arbitrary-width free region [Base, End). Unlike Range (which
// always describes a power-of-two-sized grant), a free span left over after
// carving out a grant has no reason to be power-of-two sized itself, so it
// gets its own type rather than overloading Range.Len as a non-exponent.
type span struct {
	Base uint32
	End  uint32
}

func (s span) overlaps(r Range) bool {
	return s.Base < r.End() && r.Base < s.End
}

// AllocMany grants every request atomically: either all requests are
// satisfied or none are (spec.md §4.3, §8.2: "alloc_many either grants every
// requested range or none of them").
func (a *Allocator) AllocMany(requests []Request) ([]Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	work := make([]span, len(a.free))
	copy(work, a.free)

	granted := make([]Range, len(requests))
	for i, req := range requests {
		r, ok := carve(work, req.Len, req.Flags&AllowUnaligned != 0)
		if !ok {
			return nil, ergoterr.New(ergoterr.Exhausted, "no candidate range satisfies one of the requested lengths")
		}

		granted[i] = r
		work = subtract(work, r)
	}

	a.free = work
	infos := make([]Info, len(requests))
	for i, req := range requests {
		a.live = append(a.live, liveAlloc{Range: granted[i], flags: req.Flags})
		infos[i] = Info{
			Address: pna.Address{Bits: granted[i].Base, Scope: a.scope},
			Len:     granted[i].Len,
			Flags:   req.Flags,
		}
	}

	a.InvokeHook(hookable.Ctx{Domain: a, Pos: HookPosAllocGranted, Item: infos})

	return infos, nil
}

// carve finds a free span able to hold 2^len offsets, returning the specific
// grant chosen (first-fit over the sorted free list, lowest base within that
// span). Unaligned requests may start anywhere within a candidate span;
// aligned requests (the default) must start on a multiple of 2^len
// (spec.md §4.3 Range: "base is a multiple of 2^len unless ALLOW_UNALIGNED
// is set").
func carve(work []span, length uint8, unaligned bool) (Range, bool) {
	size := uint32(1) << length

	sort.Slice(work, func(i, j int) bool { return work[i].Base < work[j].Base })

	for _, free := range work {
		if free.End-free.Base < size {
			continue
		}

		base := free.Base
		if !unaligned {
			if rem := base % size; rem != 0 {
				base += size - rem
			}
		}

		if base+size > free.End {
			continue
		}

		return Range{Base: base, Len: length}, true
	}

	return Range{}, false
}

// subtract removes r (fully contained within one span of work, per carve's
// contract) from the free list, leaving up to two remainder spans in its
// place.
func subtract(work []span, r Range) []span {
	out := make([]span, 0, len(work)+1)
	for _, free := range work {
		if !free.overlaps(r) {
			out = append(out, free)
			continue
		}

		if free.Base < r.Base {
			out = append(out, span{Base: free.Base, End: r.Base})
		}
		if r.End() < free.End {
			out = append(out, span{Base: r.End(), End: free.End})
		}
	}

	return out
}

// Free returns a previously granted range to the pool, coalescing with any
// adjacent free spans (spec.md §4.3: "free(range) — returns a previously
// granted range to the pool, coalescing with adjacent free ranges where
// possible").
func (a *Allocator) Free(addr pna.Address, length uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	target := Range{Base: addr.Bits, Len: length}

	idx := -1
	for i, la := range a.live {
		if la.Range == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ergoterr.New(ergoterr.InvalidAddress, "range is not a live allocation of this pool")
	}

	a.live = append(a.live[:idx], a.live[idx+1:]...)
	for offset := range a.multicast {
		if offset >= target.Base && offset < target.End() {
			delete(a.multicast, offset)
		}
	}

	a.free = coalesce(append(a.free, span{Base: target.Base, End: target.End()}))

	a.InvokeHook(hookable.Ctx{Domain: a, Pos: HookPosAllocFreed, Item: target})

	return nil
}

func coalesce(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].Base < spans[j].Base })

	out := spans[:0:0]
	for _, s := range spans {
		if n := len(out); n > 0 && out[n-1].End == s.Base {
			out[n-1].End = s.End
			continue
		}
		out = append(out, s)
	}

	return out
}

// SubscribeMulticast marks addr (which must be a live allocation created
// with AllowMulticast) as a subscribed multicast target (spec.md §4.3,
// §3 Allocation.flags ALLOW_MULTICAST).
func (a *Allocator) SubscribeMulticast(addr pna.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, la := range a.live {
		if la.Base <= addr.Bits && addr.Bits < la.End() && la.flags&AllowMulticast != 0 {
			a.multicast[addr.Bits] = true
			return nil
		}
	}

	return ergoterr.New(ergoterr.MulticastNotPermitted, "address is not within a multicast-capable allocation")
}

// IsMulticastSubscribed reports whether addr currently has an active
// multicast subscription.
func (a *Allocator) IsMulticastSubscribed(addr pna.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.multicast[addr.Bits]
}

// FreeSpans returns the allocator's current free list, sorted by base, for
// diagnostics (internal/introspect's pool view). Each span is reported as a
// Range at its Base with the Len of the largest power-of-two block that fits
// in it (see lenForSize); a leftover span that is not a power of two is
// larger than its reported Len, and its exact end is not returned.
func (a *Allocator) FreeSpans() (free []Range) {
	a.mu.Lock()
	defer a.mu.Unlock()

	free = make([]Range, len(a.free))
	for i, s := range a.free {
		free[i] = Range{Base: s.Base, Len: 0}
		free[i].Len = lenForSize(s.End - s.Base)
	}

	return free
}

// LiveAllocs returns every currently granted range, for diagnostics.
func (a *Allocator) LiveAllocs() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Range, len(a.live))
	for i, la := range a.live {
		out[i] = la.Range
	}

	return out
}

// lenForSize reports the largest n such that 2^n <= size, used only to give
// FreeSpans a representative Len for display; a non-power-of-two leftover
// span is reported with the Len of the largest power-of-two grant it could
// still satisfy.
func lenForSize(size uint32) uint8 {
	var n uint8
	for (uint32(1) << (n + 1)) <= size {
		n++
	}
	return n
}

// Rebase updates the node's base-in-parent after a Publish-New-Prefix event.
// free is the number of newPrefix's own low bits this node was actually
// granted to assign (alloc.AllocMany's Info.Len); it may be narrower than
// a.scope, since a node is free to request more room than it currently
// needs. Local addresses (everything tracked in a.free/a.live, all
// expressed in a.scope) are untouched: only the externally-observable
// prefix changes (spec.md §4.3: "local addresses remain stable within the
// node; global addresses observable to peers change atomically").
func (a *Allocator) Rebase(newPrefix pna.Address, free uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.baseInParent = newPrefix
	a.baseInParentFree = free
	a.haveBaseParent = true
}

// GlobalAddress widens a local address into its externally observable form
// using the current base-in-parent, per the source re-expression rule of
// spec.md §4.8. The widen is anchored on the free width Rebase was given,
// not on local's own declared scope, so a node holding more LocalScope
// headroom than it was actually granted still widens correctly.
func (a *Allocator) GlobalAddress(local pna.Address) (pna.Address, error) {
	a.mu.Lock()
	prefix, free, have := a.baseInParent, a.baseInParentFree, a.haveBaseParent
	a.mu.Unlock()

	if !have {
		return local, nil
	}

	return local.WidenWithFree(prefix, free, prefix.Scope)
}

// Escalate asks the configured upstream allocator for a fresh range sized to
// need, rounded up to a power of two (spec.md §4.3 Escalation: "issue a
// synchronous upstream Alloc Addresses request for a range equal to the
// pending requirement rounded up to a power of two"), retrying with backoff
// on transient refusal, then adds the granted range to the pool.
func (a *Allocator) Escalate(ctx context.Context, need uint8, flags Flags) error {
	if a.upstream == nil {
		return ergoterr.New(ergoterr.Exhausted, "pool exhausted and no upstream to escalate to")
	}

	req := Request{Len: need, Flags: flags}
	a.backoff.Reset()

	var info Info
	var err error
	for attempt := 0; ; attempt++ {
		info, err = a.upstream.RequestUpstream(ctx, req)
		if err == nil {
			break
		}
		if !isTransient(err) || attempt+1 >= maxEscalateAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.backoff.Duration()):
		}
	}

	a.mu.Lock()
	a.free = coalesce(append(a.free, span{Base: info.Address.Bits, End: info.Address.Bits + (uint32(1) << info.Len)}))
	a.mu.Unlock()

	a.InvokeHook(hookable.Ctx{Domain: a, Pos: HookPosAllocEscalated, Item: info})

	return nil
}

// maxEscalateAttempts bounds the retry loop; a node that cannot reach its
// parent after this many attempts treats the link as lost (spec.md §4.8
// Unattached/Lost state transitions), not as something worth retrying
// forever.
const maxEscalateAttempts = 6

func isTransient(err error) bool {
	return ergoterr.IsKind(err, ergoterr.Timeout) || ergoterr.IsKind(err, ergoterr.UpstreamRefused)
}
