package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/contextflow/internal/api/shared"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
	"github.com/phrazzld/contextflow/internal/redact"
)

// MapErrorToStatusCode maps the domain error taxonomy to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, ident.ErrInvalidID),
		errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrClaimConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrImmutable),
		errors.Is(err, domain.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransientExecution):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrPermanentExecution):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err that never
// carries store, driver or collaborator details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return SanitizeValidationError(verrs)
	case errors.Is(err, ident.ErrInvalidID):
		return "Invalid identifier"
	case errors.Is(err, domain.ErrValidation):
		return "Invalid request: " + validationDetail(err)
	case errors.Is(err, domain.ErrTemplateNotFound):
		return "Template not found"
	case errors.Is(err, domain.ErrContextNotFound):
		return "Context not found"
	case errors.Is(err, domain.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, domain.ErrSubjectNotFound):
		return "Subject not found"
	case errors.Is(err, domain.ErrNotFound):
		return "Resource not found"
	case errors.Is(err, domain.ErrClaimConflict):
		return "Context was modified concurrently"
	case errors.Is(err, domain.ErrImmutable):
		return "Context is already completed"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "Context cannot change to the requested status"
	case errors.Is(err, domain.ErrCancelled):
		return "Operation was cancelled"
	case errors.Is(err, domain.ErrCapabilityUnavailable):
		return "Capability unavailable"
	case errors.Is(err, domain.ErrTransientExecution):
		return "Execution failed temporarily"
	case errors.Is(err, domain.ErrPermanentExecution):
		return "Execution failed"
	default:
		return "An unexpected error occurred"
	}
}

// validationDetail strips the taxonomy prefix from a domain validation
// error. Validation messages are built from request fields only.
func validationDetail(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, domain.ErrValidation.Error()+": "); i >= 0 {
		msg = msg[i+len(domain.ErrValidation.Error())+2:]
	}
	return redact.String(msg)
}

// SanitizeValidationError renders the first failed struct tag as
// "Invalid <field>: <reason>".
func SanitizeValidationError(verrs validator.ValidationErrors) string {
	if len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte", "gt":
		return "too small"
	case "max", "lte", "lt":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the mapped status and safe message for err and logs
// the redacted cause. A non-empty message overrides the safe message.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
