package core

import (
	"errors"
	"fmt"
)

// ErrKind tags a structured error with a stable, machine-checkable identity.
// Errors are propagated as values, never as ad-hoc strings: the Orchestrator
// relies on ErrKind to translate failures into a UI-facing payload.
type ErrKind uint8

const (
	ErrInvalidInput ErrKind = iota
	ErrNotFound
	ErrQuotaExceeded
	ErrIoError
	ErrNetworkUnavailable
	ErrInsufficientShards
	ErrTamperingDetected
	ErrBadPassphrase
	ErrWeakPassphrase
	ErrTimeout
	ErrBackpressure
)

func (k ErrKind) String() string {
	switch k {
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrNotFound:
		return "NotFound"
	case ErrQuotaExceeded:
		return "QuotaExceeded"
	case ErrIoError:
		return "IoError"
	case ErrNetworkUnavailable:
		return "NetworkUnavailable"
	case ErrInsufficientShards:
		return "InsufficientShards"
	case ErrTamperingDetected:
		return "TamperingDetected"
	case ErrBadPassphrase:
		return "BadPassphrase"
	case ErrWeakPassphrase:
		return "WeakPassphrase"
	case ErrTimeout:
		return "Timeout"
	case ErrBackpressure:
		return "Backpressure"
	default:
		return "Unknown"
	}
}

// Error is MeshVault's tagged error value. It wraps an optional underlying
// cause without losing the kind, so callers can both branch on Kind and
// unwrap to the original error with errors.Is/errors.As.
type Error struct {
	Kind    ErrKind
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

// NewError constructs a tagged Error.
func NewError(kind ErrKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapErr tags an existing error with a kind, preserving it as the cause.
func WrapErr(kind ErrKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrKind from err, defaulting to ErrIoError for
// unrecognized errors (a programming bug elsewhere, not a valid outcome).
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrIoError
}

var (
	ErrNotFoundSentinel = NewError(ErrNotFound, "not found")
)
