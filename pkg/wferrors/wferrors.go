// Package wferrors defines the engine's fixed error taxonomy (spec §7).
// Retryable vs. fatal is a property of the Kind, not of the call stack;
// callers branch on Kind() rather than string-matching error text.
package wferrors

import "fmt"

// Kind identifies which of the eight error categories an error belongs to.
type Kind int

const (
	// KindValidation rejects a submission before any state is created.
	KindValidation Kind = iota
	// KindInitialization fails a workflow before any Call runs; backend
	// cleanup is still invoked.
	KindInitialization
	// KindCallTransient is retried per the retry policy; surfaced only if
	// attempts are exhausted.
	KindCallTransient
	// KindCallPreempted is retried per the preemption budget; becomes a
	// KindCallTransient once that budget is exhausted.
	KindCallPreempted
	// KindCallFatal marks the Call Failed immediately.
	KindCallFatal
	// KindCacheLookup is logged and treated as a cache miss.
	KindCacheLookup
	// KindCacheCopy rejects the current PriorResult candidate; the next
	// candidate is tried, falling through to a miss if none remain.
	KindCacheCopy
	// KindPersistence is fatal to the owning Workflow: durable progress
	// can no longer be guaranteed.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInitialization:
		return "initialization"
	case KindCallTransient:
		return "call_transient"
	case KindCallPreempted:
		return "call_preempted"
	case KindCallFatal:
		return "call_fatal"
	case KindCacheLookup:
		return "cache_lookup"
	case KindCacheCopy:
		return "cache_copy"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried through the engine. It wraps an
// underlying cause and tags it with a Kind so callers can recover without
// parsing messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}

// LocallyRecoverable reports whether the Workflow SM should attempt local
// recovery (retry / fall through to the next cache candidate) rather than
// propagate the error as a terminal state.
func LocallyRecoverable(kind Kind) bool {
	switch kind {
	case KindCallTransient, KindCacheLookup, KindCacheCopy:
		return true
	default:
		return false
	}
}
