package node

// LinkState tracks one attached link through the lifecycle spec.md §4.8
// describes: an unattached link becomes Bound immediately if it faces a
// child, but a parent-facing link must first complete the bootstrap
// handshake (RequestingInitial) before it is usable, and any link can be
// pulled out from under a node (Lost) or deliberately wound down
// (Draining) before removal.
type LinkState uint8

const (
	// Unattached is the zero value, held only for the instant between
	// registering the link and spawning its pump goroutines.
	Unattached LinkState = iota
	// RequestingInitial is a parent-facing link waiting on its first
	// AllocAddresses grant.
	RequestingInitial
	// Bound is a link carrying traffic normally.
	Bound
	// Draining is a link that is being deliberately detached (DetachLink).
	// The link passes straight through it to Lost; packets already in
	// flight are not waited for.
	Draining
	// Lost is a link whose underlying transport failed or whose
	// far-end session was declared dead.
	Lost
)

func (s LinkState) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case RequestingInitial:
		return "requesting-initial"
	case Bound:
		return "bound"
	case Draining:
		return "draining"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}
