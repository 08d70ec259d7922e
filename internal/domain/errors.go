package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by all components.
var (
	// ErrValidation is returned when a job, template or input is malformed.
	// Nothing is persisted when it is returned.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced template, context, job or
	// subject does not exist. It is never retried.
	ErrNotFound = errors.New("not found")

	// ErrTemplateNotFound indicates no template is registered for a purpose.
	ErrTemplateNotFound = fmt.Errorf("%w: template", ErrNotFound)

	// ErrContextNotFound indicates the requested context does not exist.
	ErrContextNotFound = fmt.Errorf("%w: context", ErrNotFound)

	// ErrJobNotFound indicates the requested job definition does not exist.
	ErrJobNotFound = fmt.Errorf("%w: job", ErrNotFound)

	// ErrSubjectNotFound indicates the subject is unknown to a collaborator.
	ErrSubjectNotFound = fmt.Errorf("%w: subject", ErrNotFound)

	// ErrTransientExecution marks a capability failure that may succeed on retry,
	// such as an unreachable service or a timeout.
	ErrTransientExecution = errors.New("transient execution error")

	// ErrPermanentExecution marks a capability failure that must not be retried.
	ErrPermanentExecution = errors.New("permanent execution error")

	// ErrCapabilityUnavailable is returned by the liveness probe fast-fail path.
	ErrCapabilityUnavailable = fmt.Errorf("%w: capability unavailable", ErrTransientExecution)

	// ErrClaimConflict is returned when a compare-and-swap on a context loses
	// the race. Callers move on to the next candidate.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrInvalidTransition is returned for status changes outside the allowed edges.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrImmutable is returned when a completed context would be modified.
	ErrImmutable = errors.New("context is immutable")

	// ErrCancelled is returned when a batch run observes its own cancellation.
	ErrCancelled = errors.New("cancelled")
)

// ExecutionError wraps a failure reported by a capability executor.
type ExecutionError struct {
	Capability Capability
	Transient  bool
	Err        error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Capability != "" {
		return fmt.Sprintf("%s %s execution error: %v", kind, e.Capability, e.Err)
	}
	return fmt.Sprintf("%s execution error: %v", kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrTransientExecution or ErrPermanentExecution.
func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrTransientExecution:
		return e.Transient
	case ErrPermanentExecution:
		return !e.Transient
	}
	return false
}

// Transient wraps err as a retryable execution failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable execution failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Transient: false, Err: err}
}

// IsTransient reports whether err should be retried under a retry policy.
// Deadline expiry and cancellation count as transient, as do unclassified
// errors. Only explicit rejections, validation and not-found are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrTransientExecution) {
		return true
	}
	if errors.Is(err, ErrPermanentExecution) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}

// Kind classifies err into the error kind recorded on a failed context.
func Kind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrCancelled):
		return ErrorKindCancelled
	case IsTransient(err):
		return ErrorKindTransient
	default:
		return ErrorKindPermanent
	}
}

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
