// Package ergoterr defines the error kinds named in the ergot protocol
// specification (§7) as a small closed enum plus one carrier type.
//
// Grounded on sarchlab/akita/v4/sim.SendError: the teacher represents a
// send failure as its own constructible pointer type (NewSendError()) rather
// than a generic wrapped error, so callers can compare by identity/type
// instead of string-matching. Ergot generalizes that one-kind pattern to the
// full closed set of kinds spec.md §7 names, while still satisfying the
// standard error interface and errors.Is/As so call sites written against
// plain `error` keep working.
package ergoterr

import "errors"

// Kind enumerates the error kinds spec.md §7 names.
type Kind int

// The error kinds named in spec.md §7.
const (
	InvalidAddress Kind = iota
	Exhausted
	Conflict
	NoRoute
	TTLExpired
	NoSocket
	MailboxFull
	SessionLost
	Timeout
	WouldBlock
	FrameError
	TypeMismatch
	UpstreamRefused
	OutOfScope
	MulticastNotPermitted
	InvalidLen
)

var kindNames = map[Kind]string{
	InvalidAddress:        "invalid address",
	Exhausted:             "exhausted",
	Conflict:              "conflict",
	NoRoute:               "no route",
	TTLExpired:            "ttl expired",
	NoSocket:              "no socket",
	MailboxFull:           "mailbox full",
	SessionLost:           "session lost",
	Timeout:               "timeout",
	WouldBlock:            "would block",
	FrameError:            "frame error",
	TypeMismatch:          "type mismatch",
	UpstreamRefused:       "upstream refused",
	OutOfScope:            "out of scope",
	MulticastNotPermitted: "multicast not permitted",
	InvalidLen:            "invalid len",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "unknown error kind"
}

// sentinel, one per Kind, so callers can use errors.Is(err, ergoterr.ErrNoRoute).
// It is built in its own initializer, not in init(), so the Err* values
// below are read from a populated map.
var sentinels = func() map[Kind]error {
	m := make(map[Kind]error, len(kindNames))
	for k, name := range kindNames {
		m[k] = errors.New(name)
	}
	return m
}()

// Sentinel error values usable with errors.Is.
var (
	ErrInvalidAddress        = sentinels[InvalidAddress]
	ErrExhausted             = sentinels[Exhausted]
	ErrConflict              = sentinels[Conflict]
	ErrNoRoute               = sentinels[NoRoute]
	ErrTTLExpired            = sentinels[TTLExpired]
	ErrNoSocket              = sentinels[NoSocket]
	ErrMailboxFull           = sentinels[MailboxFull]
	ErrSessionLost           = sentinels[SessionLost]
	ErrTimeout               = sentinels[Timeout]
	ErrWouldBlock            = sentinels[WouldBlock]
	ErrFrameError            = sentinels[FrameError]
	ErrTypeMismatch          = sentinels[TypeMismatch]
	ErrUpstreamRefused       = sentinels[UpstreamRefused]
	ErrOutOfScope            = sentinels[OutOfScope]
	ErrMulticastNotPermitted = sentinels[MulticastNotPermitted]
	ErrInvalidLen            = sentinels[InvalidLen]
)

// Error is the one carrier type for every ergot error kind. Context is a
// short human-readable detail (e.g. the offending address or range).
type Error struct {
	Kind    Kind
	Context string
}

// New constructs an *Error of the given kind, mirroring the teacher's
// New<X>Error() constructor style (sim.NewSendError).
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Context == "" {
		return e.Kind.String()
	}

	return e.Kind.String() + ": " + e.Context
}

// Unwrap lets errors.Is(err, ergoterr.ErrNoRoute) succeed against an *Error.
func (e *Error) Unwrap() error {
	return sentinels[e.Kind]
}

// Is reports whether target is the sentinel for this error's Kind, so
// errors.Is works without relying solely on Unwrap's chain.
func (e *Error) Is(target error) bool {
	return target == sentinels[e.Kind]
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}

	return errors.Is(err, sentinels[kind])
}
