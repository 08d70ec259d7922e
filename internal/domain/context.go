package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a context.
type Status string

// Context statuses.
const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPending    Status = "pending"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusProcessing, StatusCompleted, StatusFailed, StatusPending:
		return true
	}
	return false
}

// transitions lists the allowed status edges. created->failed and
// pending->failed exist for cancellation only.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusProcessing, StatusFailed},
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether a context may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Capability names the worker family that executes a context.
type Capability string

// Known capabilities. Batch and reference contexts are never claimed by workers.
const (
	CapabilityGenerative    Capability = "generative"
	CapabilityAnalysis      Capability = "analysis"
	CapabilityCommunication Capability = "communication"
	CapabilityBatch         Capability = "batch"
	CapabilityReference     Capability = "reference"
)

// Priority orders dispatch and polling.
type Priority string

// Priorities, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to a sortable integer; lower is more urgent.
// Unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// ErrorKind classifies the error recorded on a failed context.
type ErrorKind string

// Error kinds. A failed context with a transient kind is waiting to be requeued.
const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// Well-known tag keys.
const (
	TagSource = "source"
	TagStatus = "status"
	TagJob    = "job"
	TagKind   = "kind"
	TagBatch  = "batch_id"
)

// Request is the opaque work payload of a context.
type Request struct {
	SubjectID string            `json:"subject_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Text      string            `json:"text,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorInfo describes why a context failed.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Metrics records execution timing for a completed context.
type Metrics struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
}

// Results holds the output of a context. Batch contexts use Items, Progress
// and the indexes; reference contexts use Reference.
type Results struct {
	Output      json.RawMessage     `json:"output,omitempty"`
	Metrics     *Metrics            `json:"metrics,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       *ErrorInfo          `json:"error,omitempty"`
	Items       *BatchItems         `json:"items,omitempty"`
	Progress    *Progress           `json:"progress,omitempty"`
	BySubject   map[string]string   `json:"by_subject,omitempty"`
	ByTenant    map[string][]string `json:"by_tenant,omitempty"`
	Reference   *Reference          `json:"reference,omitempty"`
	Distributed []string            `json:"distributed,omitempty"`
}

// Context is the persisted unit of trackable work.
type Context struct {
	ID            string            `json:"id"`
	Status        Status            `json:"status"`
	Capability    Capability        `json:"capability"`
	Priority      Priority          `json:"priority"`
	ParentID      string            `json:"parent_id,omitempty"`
	Request       Request           `json:"request"`
	Template      Template          `json:"template"`
	Results       *Results          `json:"results,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	RetryCount    int               `json:"retry_count"`
	Retry         RetryPolicy       `json:"retry"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	ClaimedBy     string            `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time        `json:"claimed_at,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
}

// NewContext builds a context in the created status.
func NewContext(id string, capability Capability, req Request, tmpl Template, now time.Time) *Context {
	now = now.UTC()
	c := &Context{
		ID:         id,
		Status:     StatusCreated,
		Capability: capability,
		Priority:   PriorityMedium,
		Request:    req,
		Template:   tmpl,
		Tags:       map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.Tags[TagStatus] = string(StatusCreated)
	return c
}

// Validate checks the fields every persisted context needs.
func (c *Context) Validate() error {
	if c.ID == "" {
		return Validationf("context id is required")
	}
	if !c.Status.Valid() {
		return Validationf("context %s has unknown status %q", c.ID, c.Status)
	}
	if c.Capability == "" {
		return Validationf("context %s has no capability", c.ID)
	}
	if c.RetryCount < 0 {
		return Validationf("context %s has negative retry count", c.ID)
	}
	return nil
}

// IsTerminal reports whether the context has reached a final state. A failed
// context whose error is transient is still waiting to be requeued.
func (c *Context) IsTerminal() bool {
	switch c.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return c.Results == nil || c.Results.Error == nil || c.Results.Error.Kind != ErrorKindTransient
	}
	return false
}

// Succeeded reports whether the context completed.
func (c *Context) Succeeded() bool {
	return c.Status == StatusCompleted
}

// SetStatus moves the context along an allowed edge and mirrors the status
// into its tags.
func (c *Context) SetStatus(to Status, now time.Time) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = now.UTC()
	if c.Tags == nil {
		c.Tags = map[string]string{}
	}
	c.Tags[TagStatus] = string(to)
	return nil
}

// Due reports whether a pending context may be attempted at now.
func (c *Context) Due(now time.Time) bool {
	return c.NextAttemptAt == nil || !c.NextAttemptAt.After(now)
}

// Clone returns a deep copy of the context.
func (c *Context) Clone() *Context {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("domain: clone context %s: %v", c.ID, err))
	}
	var out Context
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("domain: clone context %s: %v", c.ID, err))
	}
	return &out
}

// Template holds the processing instructions frozen into a context at creation.
type Template struct {
	Name         string         `json:"name" yaml:"name" validate:"required"`
	Purpose      string         `json:"purpose" yaml:"purpose" validate:"required"`
	Capability   Capability     `json:"capability" yaml:"capability" validate:"required"`
	Version      string         `json:"version,omitempty" yaml:"version"`
	Instructions string         `json:"instructions,omitempty" yaml:"instructions"`
	Parameters   map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

// WithOverrides returns a copy of t whose parameters are merged with overrides.
// The receiver is never modified.
func (t Template) WithOverrides(overrides map[string]any) Template {
	out := t
	out.Parameters = make(map[string]any, len(t.Parameters)+len(overrides))
	for k, v := range t.Parameters {
		out.Parameters[k] = v
	}
	for k, v := range overrides {
		out.Parameters[k] = v
	}
	return out
}
