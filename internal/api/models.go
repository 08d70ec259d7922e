package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
)

// CreateContextRequest is the body of POST /api/contexts.
type CreateContextRequest struct {
	Purpose    string            `json:"purpose" validate:"required,max=128"`
	SubjectID  string            `json:"subject_id,omitempty" validate:"max=256"`
	TenantID   string            `json:"tenant_id,omitempty" validate:"max=256"`
	Text       string            `json:"text,omitempty" validate:"required_without=Data"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Priority   string            `json:"priority,omitempty" validate:"omitempty,oneof=high medium low"`
	MaxRetries *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
	Overrides  map[string]any    `json:"overrides,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// CancelRequest is the optional body of POST /api/contexts/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=512"`
}

// RunJobRequest is the optional body of POST /api/jobs/{id}/run. Group is
// required for preference jobs and takes the form feature|frequency|anchor.
type RunJobRequest struct {
	Group string `json:"group,omitempty"`
}

// CreatedResponse acknowledges an asynchronous submission.
type CreatedResponse struct {
	ID string `json:"id"`
}

// RunJobResponse acknowledges a manual job run.
type RunJobResponse struct {
	BatchID string `json:"batch_id"`
}

// ContextResponse is the external view of a context.
type ContextResponse struct {
	ID            string            `json:"id"`
	Status        domain.Status     `json:"status"`
	Capability    domain.Capability `json:"capability"`
	Priority      domain.Priority   `json:"priority"`
	ParentID      string            `json:"parent_id,omitempty"`
	Template      string            `json:"template"`
	SubjectID     string            `json:"subject_id,omitempty"`
	Output        json.RawMessage   `json:"output,omitempty"`
	Error         *domain.ErrorInfo `json:"error,omitempty"`
	Metrics       *domain.Metrics   `json:"metrics,omitempty"`
	Reference     *domain.Reference `json:"reference,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	RetryCount    int               `json:"retry_count"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// BatchResponse is the external view of a batch context.
type BatchResponse struct {
	ContextResponse
	JobID       string              `json:"job_id,omitempty"`
	Progress    *domain.Progress    `json:"progress,omitempty"`
	Items       *domain.BatchItems  `json:"items,omitempty"`
	BySubject   map[string]string   `json:"by_subject,omitempty"`
	ByTenant    map[string][]string `json:"by_tenant,omitempty"`
	Distributed []string            `json:"distributed,omitempty"`
}

// syncFailureResponse reports a failed synchronous execution together with
// the id of the context it left behind.
type syncFailureResponse struct {
	Error     string `json:"error"`
	ContextID string `json:"context_id"`
	TraceID   string `json:"trace_id,omitempty"`
}

func contextToResponse(c *domain.Context) ContextResponse {
	resp := ContextResponse{
		ID:            c.ID,
		Status:        c.Status,
		Capability:    c.Capability,
		Priority:      c.Priority,
		ParentID:      c.ParentID,
		Template:      c.Template.Name,
		SubjectID:     c.Request.SubjectID,
		Tags:          c.Tags,
		RetryCount:    c.RetryCount,
		NextAttemptAt: c.NextAttemptAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if res := c.Results; res != nil {
		resp.Output = res.Output
		resp.Error = res.Error
		resp.Metrics = res.Metrics
		resp.Reference = res.Reference
		resp.CompletedAt = res.CompletedAt
	}
	return resp
}

func batchToResponse(c *domain.Context) BatchResponse {
	resp := BatchResponse{
		ContextResponse: contextToResponse(c),
		JobID:           c.Tags[domain.TagJob],
	}
	if res := c.Results; res != nil {
		resp.Progress = res.Progress
		resp.Items = res.Items
		resp.BySubject = res.BySubject
		resp.ByTenant = res.ByTenant
		resp.Distributed = res.Distributed
	}
	return resp
}
