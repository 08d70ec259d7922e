package taskservice

import (
	"errors"
	"fmt"

	"github.com/phrazzld/contextflow/internal/domain"
)

// ServiceError wraps errors from the task service with context.
type ServiceError struct {
	// Operation is the operation that failed (e.g., "create_context")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("task service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError. Validation and not-found
// errors are caller-visible and returned without wrapping.
func NewServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return &ServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
