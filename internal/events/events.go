package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/contextflow/internal/domain"
)

// Event types emitted by the context manager.
const (
	TypeContextCompleted = "context.completed"
	TypeContextFailed    = "context.failed"
	TypeContextCancelled = "context.cancelled"
)

// ContextEvent reports that a context reached a terminal state.
type ContextEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* constants
	Type string `json:"type"`

	ContextID  string            `json:"context_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Capability domain.Capability `json:"capability"`
	Status     domain.Status     `json:"status"`
	Tags       map[string]string `json:"tags,omitempty"`

	// Payload is the context's results serialized as JSON
	Payload json.RawMessage `json:"payload,omitempty"`

	// OccurredAt is the timestamp when the event was created
	OccurredAt time.Time `json:"occurred_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *ContextEvent) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewContextEvent builds an event describing c.
func NewContextEvent(eventType string, c *domain.Context) (*ContextEvent, error) {
	var payload json.RawMessage
	if c.Results != nil {
		data, err := json.Marshal(c.Results)
		if err != nil {
			return nil, err
		}
		payload = data
	}

	tags := make(map[string]string, len(c.Tags))
	for k, v := range c.Tags {
		tags[k] = v
	}

	return &ContextEvent{
		ID:         uuid.New(),
		Type:       eventType,
		ContextID:  c.ID,
		ParentID:   c.ParentID,
		Capability: c.Capability,
		Status:     c.Status,
		Tags:       tags,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *ContextEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *ContextEvent) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *ContextEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the manager to publish events without knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *ContextEvent) error
}
