package utils

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the decision and execution pipeline.
var (
	// ErrDataUnavailable means a price, bar history or other market input is missing.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrExternalService means a sentiment, event or regime provider failed.
	ErrExternalService = errors.New("external service failure")
	// ErrPersistence means a store write or read failed.
	ErrPersistence = errors.New("persistence failure")
	// ErrPositionNotFound means the position is not in the active set.
	ErrPositionNotFound = errors.New("position not found")
	// ErrInsufficientBalance means the ledger cannot cover the required margin.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ValidationError represents an error occurring during data validation.
type ValidationError struct {
	Message string
}

// Error returns the error message string.
func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError with a specific message.
//
// Parameters:
//   - message: The validation error message.
//
// Returns:
//   - An error interface wrapping the ValidationError.
func NewValidationError(message string) error {
	return &ValidationError{
		Message: message,
	}
}

// NewValidationErrorf creates a new ValidationError with a formatted message.
//
// Parameters:
//   - format: The format string.
//   - args: Arguments for the format string.
//
// Returns:
//   - An error interface wrapping the ValidationError.
func NewValidationErrorf(format string, args ...interface{}) error {
	return &ValidationError{
		Message: fmt.Sprintf(format, args...),
	}
}

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DataUnavailablef wraps ErrDataUnavailable with context.
func DataUnavailablef(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrDataUnavailable)
}

// PersistenceError wraps a store error so callers can match ErrPersistence.
func PersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
