package core

// errors.go - error kinds. Kinds are not library types; they are a small
// closed enum so callers can branch with errors.Is against a sentinel
// rather than string-matching messages, following the same "named error
// values checked with errors.Is" discipline pkg/utils.Wrap callers use
// elsewhere in the module.

import (
	"errors"
	"fmt"
)

// ErrKind enumerates the error kinds callers need to branch on.
type ErrKind int

const (
	KindDecode ErrKind = iota
	KindHashMismatch
	KindNotFound
	KindPermissionDenied
	KindConflictMerge
	KindConnectionClosed
	KindInvalidState
)

func (k ErrKind) String() string {
	switch k {
	case KindDecode:
		return "decode-error"
	case KindHashMismatch:
		return "hash-mismatch"
	case KindNotFound:
		return "not-found"
	case KindPermissionDenied:
		return "permission-denied"
	case KindConflictMerge:
		return "conflict-merge"
	case KindConnectionClosed:
		return "connection-closed"
	case KindInvalidState:
		return "invalid-state"
	default:
		return "unknown-error"
	}
}

// StoreError pairs an ErrKind with the underlying cause so callers can both
// branch on the kind (errors.Is against the Err* sentinels below) and print
// the full chain.
type StoreError struct {
	Kind ErrKind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) work by comparing against the kind
// sentinels declared below, without requiring every call site to construct
// a *StoreError by hand.
func (e *StoreError) Is(target error) bool {
	if ks, ok := target.(kindSentinel); ok {
		return e.Kind == ks.kind
	}
	return false
}

type kindSentinel struct{ kind ErrKind }

func (k kindSentinel) Error() string { return k.kind.String() }

var (
	ErrDecode           error = kindSentinel{KindDecode}
	ErrHashMismatch     error = kindSentinel{KindHashMismatch}
	ErrNotFound         error = kindSentinel{KindNotFound}
	ErrPermissionDenied error = kindSentinel{KindPermissionDenied}
	ErrConflictMerge    error = kindSentinel{KindConflictMerge}
	ErrConnectionClosed error = kindSentinel{KindConnectionClosed}
	ErrInvalidState     error = kindSentinel{KindInvalidState}
)

// ErrAlreadyInitialized and ErrInvalidSecret are fatal-to-the-caller
// conditions from the instance bootstrap contract.
var (
	ErrAlreadyInitialized = errors.New("chumstore: instance already initialized")
	ErrInvalidSecret      = errors.New("chumstore: invalid secret")
)

// wrapKind builds a *StoreError of the given kind, wrapping err for context.
func wrapKind(kind ErrKind, err error) error {
	if err == nil {
		return &StoreError{Kind: kind}
	}
	return &StoreError{Kind: kind, Err: err}
}
