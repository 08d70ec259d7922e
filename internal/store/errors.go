package store

import (
	"errors"
	"fmt"

	"github.com/phrazzld/contextflow/internal/domain"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested context does not exist.
	// It matches domain.ErrContextNotFound and domain.ErrNotFound.
	ErrNotFound = domain.ErrContextNotFound

	// ErrDuplicate is returned when Put would overwrite an existing context.
	ErrDuplicate = errors.New("entity already exists")

	// ErrClaimConflict is returned when a compare-and-swap loses.
	ErrClaimConflict = domain.ErrClaimConflict

	// ErrInvalidEntity is returned when a context fails validation before
	// being stored. Check the wrapped error for details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// IsDuplicateError checks if the error is a duplicate error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "context")
	Operation string // The operation that failed (e.g., "claim", "update")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
