// Package racerr implements the error taxonomy shared across the cluster
// core: a small set of tagged kinds that every layer propagates instead of
// ad-hoc error strings.
package racerr

import (
	"fmt"

	logging "github.com/op/go-logging"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("racerr")
}

// Kind is the closed taxonomy of spec §7.
type Kind int

const (
	// Unreachable means the target left the current view.
	Unreachable Kind = iota
	// Timeout means a caller-specified deadline elapsed.
	Timeout
	// Deadlock means the GES detector picked the caller as victim.
	Deadlock
	// RecoveryPending means the block/resource has not finished recovery.
	RecoveryPending
	// Quorum means a view cannot be formed; local writes must halt.
	Quorum
	// Corrupted means a checksum failure or other impossible on-wire state.
	Corrupted
	// Invariant means an internal consistency check failed. Never returned;
	// see Fatal.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "Unreachable"
	case Timeout:
		return "Timeout"
	case Deadlock:
		return "Deadlock"
	case RecoveryPending:
		return "RecoveryPending"
	case Quorum:
		return "Quorum"
	case Corrupted:
		return "Corrupted"
	case Invariant:
		return "Invariant"
	default:
		return "Unknown"
	}
}

// Error is the tagged variant propagated across layers.
type Error struct {
	Kind   Kind
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind, chaining cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	re, ok := err.(*Error)
	return ok && re.Kind == kind
}

// Fatal logs a broken invariant at Critical and panics. The only sound
// response to a broken invariant is to stop; callers never receive an
// Invariant error back.
func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.Criticalf("invariant violated: %v", msg)
	panic(&Error{Kind: Invariant, Msg: msg})
}
