package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindRoundTrip(t *testing.T) {
	err := NewError(ErrQuotaExceeded, "over budget")
	if KindOf(err) != ErrQuotaExceeded {
		t.Fatal("kind lost")
	}
	if err.Error() != "QuotaExceeded: over budget" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWrapErrPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapErr(ErrIoError, "store block", cause)

	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if KindOf(err) != ErrIoError {
		t.Fatal("kind lost through wrapping")
	}

	// Wrapping with %w keeps the kind discoverable further up the stack.
	outer := fmt.Errorf("vfs write: %w", err)
	if KindOf(outer) != ErrIoError {
		t.Fatal("kind not found through fmt wrapping")
	}
}

func TestKindOfUnknownError(t *testing.T) {
	if KindOf(errors.New("anonymous")) != ErrIoError {
		t.Fatal("unknown errors must default to IoError")
	}
}

func TestKindStrings(t *testing.T) {
	kinds := map[ErrKind]string{
		ErrInvalidInput:       "InvalidInput",
		ErrNotFound:           "NotFound",
		ErrQuotaExceeded:      "QuotaExceeded",
		ErrIoError:            "IoError",
		ErrNetworkUnavailable: "NetworkUnavailable",
		ErrInsufficientShards: "InsufficientShards",
		ErrTamperingDetected:  "TamperingDetected",
		ErrBadPassphrase:      "BadPassphrase",
		ErrWeakPassphrase:     "WeakPassphrase",
		ErrTimeout:            "Timeout",
		ErrBackpressure:       "Backpressure",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Fatalf("kind %d renders %q, want %q", k, k.String(), want)
		}
	}
}
