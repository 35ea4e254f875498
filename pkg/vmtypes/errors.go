package vmtypes

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the error taxonomy of §7: a fixed set of conditions a
// contract call, deploy, or host operation can fail with. Kinds occurring
// inside a nested call are observable by the calling contract through the
// negative return code of the `c` host import; kinds at the top of a session
// call bubble up as a Go error.
type ErrorKind int

const (
	// KindUnknown is the zero value and never constructed directly.
	KindUnknown ErrorKind = iota
	// KindOutOfGas: metered exhaustion in the current frame.
	KindOutOfGas
	// KindPanic: explicit abort from the contract via the `panic` import.
	KindPanic
	// KindDoesNotExist: call to an unknown contract id.
	KindDoesNotExist
	// KindInitializationError: deploy rejected (duplicate id, failing init,
	// slot collision, or a direct call to `init`).
	KindInitializationError
	// KindMemoryAccessOutOfBounds: a pointer/length pair fell outside the
	// callee's linear memory or the ArgBuffer window. Fatal, not catchable.
	KindMemoryAccessOutOfBounds
	// KindMissingHostQuery: an `hq` call named an unregistered host query.
	KindMissingHostQuery
	// KindMemorySnapshotFailure: mprotect or an equivalent OS-level failure
	// of the CoW substrate. Fatal; the session should be dropped.
	KindMemorySnapshotFailure
	// KindPersistenceError: disk I/O failure in the commit store. Fatal to
	// the operation, not to the session.
	KindPersistenceError
	// KindValidationError: malformed serialized ABI argument.
	KindValidationError
	// KindContractDoesNotExist: API misuse, distinct from KindDoesNotExist:
	// a host-side call referenced a contract id with no deployment at all
	// (as opposed to one whose call tree lookup failed).
	KindContractDoesNotExist
	// KindFeedPulled: a feeder call's blob was already consumed.
	KindFeedPulled
	// KindMissingFeed: `feed` called on a non-feeder invocation.
	KindMissingFeed
)

func (k ErrorKind) String() string {
	switch k {
	case KindOutOfGas:
		return "OutOfGas"
	case KindPanic:
		return "Panic"
	case KindDoesNotExist:
		return "DoesNotExist"
	case KindInitializationError:
		return "InitializationError"
	case KindMemoryAccessOutOfBounds:
		return "MemoryAccessOutOfBounds"
	case KindMissingHostQuery:
		return "MissingHostQuery"
	case KindMemorySnapshotFailure:
		return "MemorySnapshotFailure"
	case KindPersistenceError:
		return "PersistenceError"
	case KindValidationError:
		return "ValidationError"
	case KindContractDoesNotExist:
		return "ContractDoesNotExist"
	case KindFeedPulled:
		return "FeedPulled"
	case KindMissingFeed:
		return "MissingFeed"
	default:
		return "Unknown"
	}
}

// Fatal reports whether errors of this kind are never contract-catchable:
// they are fatal to the current call chain and surface only to the session
// caller (§7 "Propagation").
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindMemoryAccessOutOfBounds, KindMemorySnapshotFailure, KindPersistenceError:
		return true
	default:
		return false
	}
}

// ContractError is the single error type produced by the substrate. A
// failing nested call encodes one of these as a negative return code plus an
// ArgBuffer payload; a failing top-level call returns one as a Go error.
type ContractError struct {
	Kind    ErrorKind
	Message string
	// Source, if non-zero, names the contract that raised the error. Left
	// zero for errors raised by the host itself (e.g. KindDoesNotExist).
	Source ContractID
	cause  error
}

func (e *ContractError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *ContractError) Unwrap() error {
	return e.cause
}

// NewError constructs a ContractError of the given kind with a message.
func NewError(kind ErrorKind, format string, args ...any) *ContractError {
	return &ContractError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs a ContractError of the given kind, wrapping cause so
// that errors.Is/errors.As can still reach the underlying OS or I/O error.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *ContractError {
	return &ContractError{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// IsKind reports whether err is a *ContractError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
