package store

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers branch with errors.Is; implementations
// wrap them with context via fmt.Errorf("...: %w", kind).
var (
	// ErrNotFound: a code, batch, product, payment or dispute
	// reference does not exist. Never retried automatically.
	ErrNotFound = errors.New("not found")

	// ErrConflict: a uniqueness violation (duplicate code value,
	// duplicate dispute for a payment) or an invalid state change.
	ErrConflict = errors.New("conflict")

	// ErrValidation: a mandatory field is missing or malformed; caught
	// before any store mutation is attempted.
	ErrValidation = errors.New("validation failed")

	// ErrUnavailable: the backing store failed mid-operation. Nothing
	// partial was committed; reads may be retried, writes must not be
	// blindly repeated.
	ErrUnavailable = errors.New("store unavailable")
)

// ValidationError names the offending field so back-office callers can
// surface it to the operator.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// unavailable wraps a driver failure as ErrUnavailable, keeping the
// driver detail in the message for the logs.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}
