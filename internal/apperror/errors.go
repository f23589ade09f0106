// Package apperror holds the error taxonomy shared by the refund, ledger and order modules.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrForbidden           = errors.New("forbidden")
	ErrPolicyViolation     = errors.New("policy violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrDataIntegrity       = errors.New("data integrity violation")
	ErrDuplicate           = errors.New("duplicate")
)

// PolicyViolation reports a refund the policy engine refused.
type PolicyViolation struct {
	Reason string
}

func (e *PolicyViolation) Error() string { return "refund rejected: " + e.Reason }

func (e *PolicyViolation) Is(target error) bool { return target == ErrPolicyViolation }

// NewPolicyViolation returns a PolicyViolation with the given reason code.
func NewPolicyViolation(reason string) error { return &PolicyViolation{Reason: reason} }

// DataIntegrityViolation means an invariant on stored data would break. It is fatal
// for the operation that raised it.
type DataIntegrityViolation struct {
	Detail string
}

func (e *DataIntegrityViolation) Error() string { return "data integrity violation: " + e.Detail }

func (e *DataIntegrityViolation) Is(target error) bool { return target == ErrDataIntegrity }

// Integrity builds a DataIntegrityViolation from a format string.
func Integrity(format string, args ...interface{}) error {
	return &DataIntegrityViolation{Detail: fmt.Sprintf(format, args...)}
}

// GatewayError wraps a failure returned by a payment provider.
type GatewayError struct {
	Provider  string
	Op        string
	Permanent bool
	Err       error
}

func (e *GatewayError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("gateway %s %s (%s): %v", e.Provider, e.Op, kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Transient marks err as a retryable gateway failure.
func Transient(provider, op string, err error) error {
	return &GatewayError{Provider: provider, Op: op, Err: err}
}

// Permanent marks err as a gateway failure that must not be retried.
func Permanent(provider, op string, err error) error {
	return &GatewayError{Provider: provider, Op: op, Permanent: true, Err: err}
}

// IsPermanent reports whether err carries a permanent GatewayError.
func IsPermanent(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Permanent
}

// Conflict wraps ErrConcurrencyConflict with context.
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConcurrencyConflict)
}

// NotFound wraps ErrNotFound with the missing entity name.
func NotFound(entity string) error {
	return fmt.Errorf("%s %w", entity, ErrNotFound)
}

// Invalid wraps ErrInvalidInput with a message.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}
