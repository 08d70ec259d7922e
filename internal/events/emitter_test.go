package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockEventHandler records the events it receives.
type MockEventHandler struct {
	mu           sync.Mutex
	HandledCount int
	LastEvent    *ContextEvent
	ShouldFail   bool
}

func (m *MockEventHandler) HandleEvent(ctx context.Context, event *ContextEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HandledCount++
	m.LastEvent = event
	if m.ShouldFail {
		return errors.New("mock handler failure")
	}
	return nil
}

func completedContext() *domain.Context {
	c := domain.NewContext("ctx_1", domain.CapabilityAnalysis, domain.Request{SubjectID: "u1"}, domain.Template{Name: "t"}, time.Now())
	c.Status = domain.StatusCompleted
	c.Tags[domain.TagJob] = "nightly"
	c.Results = &domain.Results{Output: []byte(`{"score":1}`)}
	return c
}

func TestNewContextEvent(t *testing.T) {
	t.Parallel()

	c := completedContext()
	event, err := NewContextEvent(TypeContextCompleted, c)
	require.NoError(t, err)

	assert.Equal(t, TypeContextCompleted, event.Type)
	assert.Equal(t, "ctx_1", event.ContextID)
	assert.Equal(t, domain.StatusCompleted, event.Status)
	assert.Equal(t, "nightly", event.Tags[domain.TagJob])

	var results domain.Results
	require.NoError(t, event.UnmarshalPayload(&results))
	assert.JSONEq(t, `{"score":1}`, string(results.Output))

	c.Tags[domain.TagJob] = "changed"
	assert.Equal(t, "nightly", event.Tags[domain.TagJob], "event tags must be a copy")
}

func TestInMemoryEventEmitter(t *testing.T) {
	log := logger.Discard()

	t.Run("emit event with no handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(log)
		event, err := NewContextEvent(TypeContextCompleted, completedContext())
		require.NoError(t, err)
		assert.NoError(t, emitter.EmitEvent(context.Background(), event))
	})

	t.Run("emit event with successful handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(log)
		handler1 := &MockEventHandler{}
		handler2 := &MockEventHandler{}
		emitter.RegisterHandler(handler1)
		emitter.RegisterHandler(handler2)
		emitter.RegisterHandler(NewLogOutputHandler(log))

		event, err := NewContextEvent(TypeContextCompleted, completedContext())
		require.NoError(t, err)
		require.NoError(t, emitter.EmitEvent(context.Background(), event))

		assert.Equal(t, 1, handler1.HandledCount)
		assert.Equal(t, 1, handler2.HandledCount)
		assert.Equal(t, event, handler1.LastEvent)
	})

	t.Run("failing handler does not stop the others", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(log)
		failing := &MockEventHandler{ShouldFail: true}
		ok := &MockEventHandler{}
		emitter.RegisterHandler(failing)
		emitter.RegisterHandler(ok)

		var funcCalls int
		emitter.RegisterHandler(EventHandlerFunc(func(ctx context.Context, e *ContextEvent) error {
			funcCalls++
			return nil
		}))

		event, err := NewContextEvent(TypeContextFailed, completedContext())
		require.NoError(t, err)
		err = emitter.EmitEvent(context.Background(), event)

		assert.Error(t, err)
		assert.Equal(t, 1, failing.HandledCount)
		assert.Equal(t, 1, ok.HandledCount)
		assert.Equal(t, 1, funcCalls)
	})
}
