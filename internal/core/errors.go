package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of governance failures. The orchestrator
// maps each kind to a candidate-state transition; nothing else inspects
// error strings.
type ErrorKind string

const (
	ErrConstitutionalMismatch ErrorKind = "CONSTITUTIONAL_MISMATCH"
	ErrCompilation            ErrorKind = "COMPILATION_ERROR"
	ErrEvaluation             ErrorKind = "EVALUATION_ERROR"
	ErrVerificationTimeout    ErrorKind = "VERIFICATION_TIMEOUT"
	ErrVerificationUnknown    ErrorKind = "VERIFICATION_UNKNOWN"
	ErrEnsembleInsufficient   ErrorKind = "ENSEMBLE_INSUFFICIENT"
	ErrBiasThresholdExceeded  ErrorKind = "BIAS_THRESHOLD_EXCEEDED"
	ErrSafetyViolation        ErrorKind = "SAFETY_VIOLATION"
	ErrSandboxViolation       ErrorKind = "SANDBOX_VIOLATION"
	ErrAuditAppendFailure     ErrorKind = "AUDIT_APPEND_FAILURE"
	ErrResourceExhausted      ErrorKind = "RESOURCE_EXHAUSTED"
)

// Error is a governance error carrying its taxonomy kind. Wraps an optional
// cause so callers can still errors.Is/As through it.
type Error struct {
	Kind    ErrorKind
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

// NewError builds a governance error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err, or "" if err is not a governance
// error anywhere in its chain.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
