package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/phrazzld/contextflow/internal/domain"
)

// Executor invokes a capability service over HTTP.
type Executor struct {
	client     *Client
	capability domain.Capability
}

// NewExecutor creates an executor for one capability.
func NewExecutor(c *Client, capability domain.Capability) *Executor {
	return &Executor{client: c, capability: capability}
}

type executeRequest struct {
	Capability domain.Capability `json:"capability"`
	Template   domain.Template   `json:"template"`
	Request    domain.Request    `json:"request"`
}

type executeResponse struct {
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// Execute runs the template against the request payload.
func (e *Executor) Execute(ctx context.Context, tmpl domain.Template, req domain.Request) (json.RawMessage, error) {
	var resp executeResponse
	err := e.client.do(ctx, http.MethodPost, "/execute", nil, executeRequest{
		Capability: e.capability,
		Template:   tmpl,
		Request:    req,
	}, &resp)
	if err != nil {
		return nil, e.wrap(err)
	}
	if !resp.Success {
		cause := errors.New(resp.Error)
		if resp.Error == "" {
			cause = errors.New("executor reported failure")
		}
		return nil, &domain.ExecutionError{Capability: e.capability, Transient: resp.Retryable, Err: cause}
	}
	return resp.Output, nil
}

// Ping probes the executor's liveness endpoint.
func (e *Executor) Ping(ctx context.Context) error {
	if err := e.client.do(ctx, http.MethodGet, "/healthz", nil, nil, nil); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrCapabilityUnavailable, e.capability, err)
	}
	return nil
}

func (e *Executor) wrap(err error) error {
	var exec *domain.ExecutionError
	if errors.As(err, &exec) {
		return &domain.ExecutionError{Capability: e.capability, Transient: exec.Transient, Err: exec.Err}
	}
	return err
}
