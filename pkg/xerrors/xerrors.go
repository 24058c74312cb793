// Package xerrors implements the error taxonomy from spec.md §7 as a
// concrete struct error, the way syncbase's store package represents
// ErrUnknownKey and friends as structs rather than sentinel values
// (services/syncbase/store, WrapError in store/util.go).
package xerrors

import "fmt"

// Kind is one of the eight error kinds spec.md §7 names.
type Kind string

const (
	// InvariantViolation: a CRDT invariant would be broken. Fatal for
	// the offending op only; logged; never retried.
	InvariantViolation Kind = "invariant_violation"
	// CausalPending: an op's predecessor is unknown; buffered. Not an
	// error surfaced to the caller (propagation policy, §7).
	CausalPending Kind = "causal_pending"
	// StorageUnavailable: current storage tier failed; triggers hybrid
	// demotion.
	StorageUnavailable Kind = "storage_unavailable"
	// StorageCorruption: decode failed for a persisted blob.
	StorageCorruption Kind = "storage_corruption"
	// TransportUnavailable: send path dead; triggers hybrid failover.
	TransportUnavailable Kind = "transport_unavailable"
	// DecodeError: inbound message malformed.
	DecodeError Kind = "decode_error"
	// Timeout: per-call deadline exceeded.
	Timeout Kind = "timeout"
	// Cancelled: operation was cancelled; partial durable state rolled
	// back.
	Cancelled Kind = "cancelled"
)

// Error is the taxonomy's concrete error type. Kind is matched with Is;
// Unwrap exposes any underlying cause for errors.As chains.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind so callers can write errors.Is(err, xerrors.New(xerrors.Timeout, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}

// Retryable reports whether callers should retry the operation that
// produced err per §7's propagation policy (StorageUnavailable,
// TransportUnavailable and Timeout are retried by internal tasks; the
// rest are either terminal or not errors at all).
func Retryable(kind Kind) bool {
	switch kind {
	case StorageUnavailable, TransportUnavailable, Timeout:
		return true
	default:
		return false
	}
}
