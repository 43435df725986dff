package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration and validation failures.
var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrMissingCredentials = errors.New("missing credentials")

	ErrInvalidQuery     = errors.New("invalid query")
	ErrInvalidTopK      = errors.New("top_k must be positive")
	ErrTopKTooLarge     = errors.New("top_k too large")
	ErrInvalidThreshold = errors.New("confidence threshold out of range")
	ErrEmptyImage       = errors.New("empty image")
	ErrImageDecode      = errors.New("image could not be decoded")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
