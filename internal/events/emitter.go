package events

import (
	"context"
	"log/slog"
	"sync"
)

// InMemoryEventEmitter stores registered handlers in memory and dispatches
// events to them synchronously.
type InMemoryEventEmitter struct {
	handlers []EventHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewInMemoryEventEmitter creates a new instance of InMemoryEventEmitter.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		handlers: make([]EventHandler, 0),
		logger:   logger.With("component", "in_memory_event_emitter"),
	}
}

// RegisterHandler adds a new event handler to receive events.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	e.logger.Debug("registered new event handler", "handler_count", len(e.handlers))
}

// EmitEvent publishes the given event to all registered handlers.
// If any handler returns an error, the event will still be sent to all other handlers,
// and the first error encountered will be returned.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *ContextEvent) error {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	e.logger.Debug("emitting event",
		"event_id", event.ID,
		"event_type", event.Type,
		"context_id", event.ContextID,
		"handler_count", len(handlers))

	if len(handlers) == 0 {
		e.logger.Debug("no handlers registered for event",
			"event_id", event.ID,
			"event_type", event.Type)
		return nil
	}

	var firstErr error
	for i, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			e.logger.Error("handler failed to process event",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"event_type", event.Type,
				"context_id", event.ContextID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// LogOutputHandler is the default output handler: it records every terminal
// context in the structured log.
type LogOutputHandler struct {
	logger *slog.Logger
}

// NewLogOutputHandler creates a LogOutputHandler.
func NewLogOutputHandler(logger *slog.Logger) *LogOutputHandler {
	return &LogOutputHandler{logger: logger.With("component", "output")}
}

// HandleEvent logs the event.
func (h *LogOutputHandler) HandleEvent(ctx context.Context, event *ContextEvent) error {
	level := slog.LevelInfo
	if event.Type != TypeContextCompleted {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "context finished",
		"event_type", event.Type,
		"context_id", event.ContextID,
		"parent_id", event.ParentID,
		"capability", event.Capability,
		"status", event.Status,
		"payload_bytes", len(event.Payload))
	return nil
}
