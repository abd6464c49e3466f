// Package pna implements Phone Number Addressing: ergot's variable-length
// hierarchical address scheme (spec.md §3, §4.1).
//
// The parsing/validation shape (string -> structured value, with a
// panic-to-error boundary and a dedicated "must be valid" checker) is
// grounded on sarchlab/akita/v4/sim/tokenizedname.go, which parses and
// validates the hierarchical dotted component-name grammar the same way.
package pna

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jamesmunns/ergot/ergoterr"
)

// Address is a PNA address: the low Scope bits of Bits are significant.
// Invariant: Bits < 2^Scope (spec.md §3).
type Address struct {
	Bits  uint32
	Scope uint8
}

// Make constructs an Address, rejecting a zero scope or set high bits
// (spec.md §4.1 make/InvalidAddress).
func Make(bits uint32, scope uint8) (Address, error) {
	if scope == 0 || scope > 32 {
		return Address{}, ergoterr.New(ergoterr.InvalidAddress,
			fmt.Sprintf("scope %d out of range 1..=32", scope))
	}

	if !fitsInScope(bits, scope) {
		return Address{}, ergoterr.New(ergoterr.InvalidAddress,
			fmt.Sprintf("bits %#x has bits set above scope %d", bits, scope))
	}

	return Address{Bits: bits, Scope: scope}, nil
}

// MustMake is Make but panics on error; used for compile-time-known
// well-known addresses.
func MustMake(bits uint32, scope uint8) Address {
	a, err := Make(bits, scope)
	if err != nil {
		panic(err)
	}

	return a
}

func fitsInScope(bits uint32, scope uint8) bool {
	if scope >= 32 {
		return true
	}

	return bits < (uint32(1) << scope)
}

// Any returns the "any/all" address at the given scope: (0, scope).
func Any(scope uint8) Address {
	return Address{Bits: 0, Scope: scope}
}

// IsAny reports whether a is the any/all address at its scope
// (spec.md §4.1 is_any: true iff a.bits == 0).
func (a Address) IsAny() bool {
	return a.Bits == 0
}

// mask returns the low-n-bits mask for n in [0, 32].
func mask(n uint8) uint32 {
	if n >= 32 {
		return ^uint32(0)
	}

	if n == 0 {
		return 0
	}

	return (uint32(1) << n) - 1
}

// Contains reports whether outer contains inner: outer.Scope <= inner.Scope
// and outer and inner agree on outer's low bits (spec.md §3).
func Contains(outer, inner Address) bool {
	if outer.Scope > inner.Scope {
		return false
	}

	return outer.Bits == (inner.Bits & mask(outer.Scope))
}

// ContainsRange reports whether outer, with its low free bits wildcarded,
// contains inner: outer.Scope must sit in [free, inner.Scope], and outer and
// inner must agree on every bit in the window [free, outer.Scope).
//
// This generalizes Contains for a subdivided grant: alloc.carve aligns a
// granted range so its Base is a multiple of 2^free, meaning the low free
// bits are the grantee's own to assign and only the bits from free up to
// outer.Scope actually identify which grantee a destination belongs to
// (spec.md §4.3 Range, §4.4 routing). Contains(outer, inner) is
// ContainsRange(outer, 0, inner).
func ContainsRange(outer Address, free uint8, inner Address) bool {
	if free > outer.Scope || outer.Scope > inner.Scope {
		return false
	}

	m := mask(outer.Scope) &^ mask(free)
	return outer.Bits&m == inner.Bits&m
}

// LCS returns the least common scope prefix of a and b: the widest address
// whose scope is <= min(a.Scope, b.Scope) that both a and b agree with in
// their low bits (spec.md §3 "least common scope").
func LCS(a, b Address) Address {
	s := a.Scope
	if b.Scope < s {
		s = b.Scope
	}

	for s > 0 {
		if (a.Bits & mask(s)) == (b.Bits & mask(s)) {
			break
		}

		s--
	}

	return Address{Bits: a.Bits & mask(s), Scope: s}
}

// Reexpress widens or narrows a to newScope (spec.md §4.1 reexpress).
//
// Narrowing strips high bits only if they are zero; otherwise it fails with
// OutOfScope so the caller (per spec.md §4.8) knows to keep the wider form.
// Widening requires a prefix to prepend from the routing context the caller
// supplies (there is no implicit value to widen into, since "a prefix from
// a routing context" per §4.1 is node-specific state PNA itself does not
// hold); WidenWithPrefix below does that.
func (a Address) Reexpress(newScope uint8) (Address, error) {
	if newScope == a.Scope {
		return a, nil
	}

	if newScope > a.Scope {
		return Address{}, ergoterr.New(ergoterr.OutOfScope,
			"widening requires a prefix; use WidenWithPrefix")
	}

	if a.Bits & ^mask(newScope) != 0 {
		return Address{}, ergoterr.New(ergoterr.OutOfScope,
			fmt.Sprintf("address %s has nonzero bits above scope %d", a, newScope))
	}

	return Address{Bits: a.Bits & mask(newScope), Scope: newScope}, nil
}

// WidenWithPrefix re-expresses a at a wider newScope by prepending prefix's
// high bits, the way a node widens its local address into its parent's
// address space by prepending its base-in-parent (spec.md §4.8).
//
// prefix must itself be a valid address at newScope whose low a.Scope bits
// are free to be overwritten by a (i.e. prefix acts as the routing context
// supplying everything above a.Scope).
func (a Address) WidenWithPrefix(prefix Address, newScope uint8) (Address, error) {
	return a.WidenWithFree(prefix, a.Scope, newScope)
}

// WidenWithFree generalizes WidenWithPrefix for a node whose own declared
// scope is wider than what it was actually granted (headroom kept for
// future subdivision, per alloc.Rebase): free is the number of a's own low
// bits that are actually significant, which may be narrower than a.Scope.
// Only those free bits of a survive the widen; prefix supplies everything
// from free up through newScope, exactly as alloc.carve's alignment
// convention promises they are free to prepend (spec.md §4.3 Range, §4.8).
// WidenWithPrefix is the free == a.Scope special case.
func (a Address) WidenWithFree(prefix Address, free uint8, newScope uint8) (Address, error) {
	if newScope < free {
		return Address{}, ergoterr.New(ergoterr.OutOfScope, "newScope narrower than free width")
	}

	if prefix.Scope != newScope {
		return Address{}, ergoterr.New(ergoterr.OutOfScope, "prefix scope must equal newScope")
	}

	if a.Scope > newScope {
		return Address{}, ergoterr.New(ergoterr.OutOfScope, "newScope narrower than a.Scope")
	}

	// a is already expressed at the target scope (the common case for a
	// flat, unsubdivided grant: the node's own address IS its global
	// address) — nothing to prepend, and free does not apply to it.
	if a.Scope == newScope {
		return a, nil
	}

	if a.Bits&^mask(free) != 0 {
		return Address{}, ergoterr.New(ergoterr.OutOfScope,
			fmt.Sprintf("address %s has nonzero bits above its free width %d", a, free))
	}

	high := prefix.Bits &^ mask(free)
	bits := high | (a.Bits & mask(free))

	return Make(bits, newScope)
}

// String renders an address in the notation spec.md §6 defines for logs/CLI:
// hex bits followed by ^ and decimal scope, e.g. "3A0^10". Leading zeros
// within the scope are significant.
func (a Address) String() string {
	hexDigits := (int(a.Scope) + 3) / 4
	if hexDigits == 0 {
		hexDigits = 1
	}

	return fmt.Sprintf("%0*X^%d", hexDigits, a.Bits, a.Scope)
}

// Parse parses the notation String produces. "^0" is invalid per spec.md §6.
func Parse(s string) (Address, error) {
	parts := strings.SplitN(s, "^", 2)
	if len(parts) != 2 {
		return Address{}, ergoterr.New(ergoterr.InvalidAddress,
			fmt.Sprintf("%q missing '^scope' suffix", s))
	}

	bits, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return Address{}, ergoterr.New(ergoterr.InvalidAddress,
			fmt.Sprintf("%q has invalid hex bits: %v", s, err))
	}

	scope, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return Address{}, ergoterr.New(ergoterr.InvalidAddress,
			fmt.Sprintf("%q has invalid scope: %v", s, err))
	}

	return Make(uint32(bits), uint8(scope))
}
