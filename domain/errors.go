package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies deterministic abort causes.
type ErrorKind string

const (
	ErrInputMissing           ErrorKind = "INPUT_MISSING"
	ErrInvariantViolation     ErrorKind = "INVARIANT_VIOLATION"
	ErrLineageMismatch        ErrorKind = "LINEAGE_MISMATCH"
	ErrLedgerContinuityBroken ErrorKind = "LEDGER_CONTINUITY_BROKEN"
	ErrActivationRejected     ErrorKind = "ACTIVATION_REJECTED"
	ErrSubstrateIntegrity     ErrorKind = "SUBSTRATE_INTEGRITY"
)

// AbortError is the single typed error channel for deterministic runtime
// failures. Every abort leaves no writes; the kind is machine-readable and
// the detail is for humans.
type AbortError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Abort builds an AbortError with a formatted detail.
func Abort(kind ErrorKind, format string, args ...any) *AbortError {
	return &AbortError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AbortWrap attaches an underlying cause, typically a substrate error.
func AbortWrap(kind ErrorKind, err error, format string, args ...any) *AbortError {
	return &AbortError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err is an AbortError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var abort *AbortError
	if errors.As(err, &abort) {
		return abort.Kind == kind
	}
	return false
}
