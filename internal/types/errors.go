package types

import (
	"errors"
	"fmt"
)

var (
	// ErrIdempotencyKeyMissing rejects a mutating request that arrived
	// without the required Idempotency-Key, before any state changes.
	ErrIdempotencyKeyMissing = errors.New("idempotency key is required")

	// ErrVersionConflict is returned by the order store when a write's
	// expected version no longer matches the stored row.
	ErrVersionConflict = errors.New("order version conflict")
)

// ValidationError marks a client-caused request error. Validation failures
// are cached against the idempotency key and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProviderError classifies a venue failure as transient (network, timeout,
// rate limit) or permanent (deterministic rejection). The distinction drives
// the executor's retry policy.
type ProviderError struct {
	Transient bool
	Code      string
	Message   string
	cause     error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s provider error [%s]: %s: %v", kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s provider error [%s]: %s", kind, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.cause }

// NewTransientProviderError wraps a retryable venue failure.
func NewTransientProviderError(code, message string, cause error) *ProviderError {
	return &ProviderError{Transient: true, Code: code, Message: message, cause: cause}
}

// NewPermanentProviderError wraps a deterministic venue rejection.
func NewPermanentProviderError(code, message string, cause error) *ProviderError {
	return &ProviderError{Transient: false, Code: code, Message: message, cause: cause}
}

// IsTransientProvider reports whether err is a retryable provider failure.
// Unclassified errors are treated as transient so that an unexpected
// transport failure never terminates an order prematurely.
func IsTransientProvider(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

// IsPermanentProvider reports whether err is a deterministic venue rejection.
func IsPermanentProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && !pe.Transient
}
