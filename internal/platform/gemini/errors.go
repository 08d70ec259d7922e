package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/phrazzld/contextflow/internal/domain"
	"google.golang.org/genai"
)

var (
	// ErrContentBlocked is returned when safety filters block the response.
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// ErrInvalidResponse is returned when the model response cannot be used.
	ErrInvalidResponse = errors.New("invalid response from model")
)

// classify wraps an API error as a transient or permanent execution error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	exec := &domain.ExecutionError{Capability: domain.CapabilityGenerative, Err: err}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		exec.Transient = true
		return exec
	}
	if code, ok := statusCode(err); ok {
		exec.Transient = code == http.StatusTooManyRequests || code >= 500
		return exec
	}
	if errors.Is(err, ErrContentBlocked) || errors.Is(err, ErrInvalidResponse) {
		return exec
	}
	// Transport-level failures carry no status code.
	exec.Transient = true
	return exec
}

func statusCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}

func invalidResponse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, fmt.Sprintf(format, args...))
}
