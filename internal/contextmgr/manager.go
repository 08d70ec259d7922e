package contextmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/events"
	"github.com/phrazzld/contextflow/internal/platform/metrics"
	"github.com/phrazzld/contextflow/internal/store"
)

// Config holds the manager's retention and recovery settings.
type Config struct {
	// Retention is how long a terminal context is kept before the TTL sweep
	// deletes it.
	Retention time.Duration

	// SweepInterval is how often the TTL and stale-claim sweeps run.
	SweepInterval time.Duration

	// StaleAfter is how long a context may sit in processing without an
	// update before its claim is considered abandoned.
	StaleAfter time.Duration

	// SweepBatch bounds the number of contexts handled per sweep query.
	SweepBatch int

	// DefaultRetry supplies backoff delays for contexts whose own retry
	// policy leaves them unset.
	DefaultRetry domain.RetryPolicy
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Retention:     7 * 24 * time.Hour,
		SweepInterval: 10 * time.Minute,
		StaleAfter:    15 * time.Minute,
		SweepBatch:    500,
		DefaultRetry:  domain.RetryPolicy{BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute},
	}
}

// Manager wraps a ContextStore with lifecycle rules.
type Manager struct {
	store   store.ContextStore
	emitter events.EventEmitter
	metrics *metrics.Collector
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a Manager. emitter may be nil when no output handler is
// attached.
func NewManager(s store.ContextStore, emitter events.EventEmitter, config Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.SweepBatch <= 0 {
		config.SweepBatch = def.SweepBatch
	}
	config.DefaultRetry = config.DefaultRetry.WithDefaults(def.DefaultRetry)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      s,
		emitter:    emitter,
		config:     config,
		logger:     logger.With("component", "context_manager"),
		now:        time.Now,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// WithMetrics attaches a metrics collector.
func (m *Manager) WithMetrics(c *metrics.Collector) *Manager {
	m.metrics = c
	return m
}

// WithClock replaces the manager's clock. It is intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Store returns the underlying context store.
func (m *Manager) Store() store.ContextStore {
	return m.store
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Create persists a new context in the created status.
func (m *Manager) Create(ctx context.Context, c *domain.Context) error {
	if c.Status != domain.StatusCreated {
		return domain.Validationf("new context %s must be created, not %s", c.ID, c.Status)
	}
	if c.Tags == nil {
		c.Tags = map[string]string{}
	}
	c.Tags[domain.TagStatus] = string(c.Status)
	c.Version = 0

	if err := m.store.Put(ctx, c); err != nil {
		return fmt.Errorf("failed to create context %s: %w", c.ID, err)
	}
	m.logger.Debug("context created",
		"context_id", c.ID,
		"capability", c.Capability,
		"parent_id", c.ParentID)
	return nil
}

// Get returns a context by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Context, error) {
	return m.store.Get(ctx, id)
}

// Claim moves a context along an allowed edge through the store's atomic claim.
func (m *Manager) Claim(ctx context.Context, id string, from, to domain.Status, owner string) (*domain.Context, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return m.store.AtomicClaim(ctx, id, from, to, owner)
}

// Save writes workflow fields of c through a compare-and-swap on expected.
// Completed contexts are immutable.
func (m *Manager) Save(ctx context.Context, c *domain.Context, expected domain.Status) error {
	if expected == domain.StatusCompleted {
		return fmt.Errorf("%w: %s", domain.ErrImmutable, c.ID)
	}
	if c.Status != expected && !domain.CanTransition(expected, c.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, c.Status)
	}
	c.UpdatedAt = m.now().UTC()
	return m.store.Update(ctx, c, expected)
}

// Complete records output for a processing context and marks it completed.
// Only the writer whose compare-and-swap succeeds routes the context to the
// output handlers, so each context is delivered exactly once.
func (m *Manager) Complete(ctx context.Context, c *domain.Context, output json.RawMessage, execMetrics *domain.Metrics) error {
	now := m.now().UTC()
	next := c.Clone()
	if err := next.SetStatus(domain.StatusCompleted, now); err != nil {
		return err
	}
	if next.Results == nil {
		next.Results = &domain.Results{}
	}
	next.Results.Output = output
	next.Results.Metrics = execMetrics
	next.Results.CompletedAt = &now
	next.Results.Error = nil
	next.NextAttemptAt = nil
	expires := now.Add(m.config.Retention)
	next.ExpiresAt = &expires

	if err := m.store.Update(ctx, next, domain.StatusProcessing); err != nil {
		return fmt.Errorf("failed to complete context %s: %w", c.ID, err)
	}
	*c = *next

	m.route(ctx, events.TypeContextCompleted, next)
	return nil
}

// Fail applies the retry policy to a failed execution of a processing
// context. Transient failures with retry budget left increment retry_count
// and requeue the context as pending after an exponential backoff; all other
// failures are terminal. It reports whether the context was requeued.
func (m *Manager) Fail(ctx context.Context, c *domain.Context, cause error) (bool, error) {
	return m.fail(ctx, c, cause, true)
}

// FailTerminal marks a processing context failed without consulting the
// retry policy. It is used by the synchronous execution path.
func (m *Manager) FailTerminal(ctx context.Context, c *domain.Context, cause error) error {
	_, err := m.fail(ctx, c, cause, false)
	return err
}

func (m *Manager) fail(ctx context.Context, c *domain.Context, cause error, allowRetry bool) (bool, error) {
	now := m.now().UTC()
	kind := domain.Kind(cause)
	log := m.logger.With(
		"context_id", c.ID,
		"capability", c.Capability,
		"retry_count", c.RetryCount,
		"max_retries", c.Retry.MaxRetries)

	next := c.Clone()
	if err := next.SetStatus(domain.StatusFailed, now); err != nil {
		return false, err
	}
	if next.Results == nil {
		next.Results = &domain.Results{}
	}
	next.ClaimedBy = ""
	next.ClaimedAt = nil

	if allowRetry && kind == domain.ErrorKindTransient && next.RetryCount < next.Retry.MaxRetries {
		next.RetryCount++
		next.Results.Error = &domain.ErrorInfo{Kind: domain.ErrorKindTransient, Message: cause.Error(), At: now}
		if err := m.store.Update(ctx, next, domain.StatusProcessing); err != nil {
			return false, fmt.Errorf("failed to record failure of %s: %w", c.ID, err)
		}

		*c = *next
		m.metrics.RecordFailed(string(c.Capability), string(domain.ErrorKindTransient))

		// A failed requeue leaves the context failed with kind transient;
		// ReclaimStale picks it up from there.
		if err := m.requeue(ctx, next, now); err != nil {
			return false, fmt.Errorf("failed to requeue %s: %w", c.ID, err)
		}
		*c = *next

		log.Warn("context requeued after transient failure",
			"error", cause,
			"attempt", next.RetryCount,
			"next_attempt_at", next.NextAttemptAt)
		return true, nil
	}

	message := cause.Error()
	if kind == domain.ErrorKindTransient {
		kind = domain.ErrorKindPermanent
		if allowRetry {
			message = fmt.Sprintf("retries exhausted after %d attempts: %s", next.RetryCount+1, message)
		}
	}
	next.Results.Error = &domain.ErrorInfo{Kind: kind, Message: message, At: now}
	next.NextAttemptAt = nil
	expires := now.Add(m.config.Retention)
	next.ExpiresAt = &expires

	if err := m.store.Update(ctx, next, domain.StatusProcessing); err != nil {
		return false, fmt.Errorf("failed to record failure of %s: %w", c.ID, err)
	}
	*c = *next

	m.metrics.RecordFailed(string(c.Capability), string(kind))
	log.Error("context failed", "error", cause, "kind", kind)
	m.route(ctx, events.TypeContextFailed, next)
	return false, nil
}

// requeue moves a context failed with kind transient back to pending with
// next_attempt_at set from its retry policy. c is updated only on success.
func (m *Manager) requeue(ctx context.Context, c *domain.Context, now time.Time) error {
	next := c.Clone()
	delay := next.Retry.WithDefaults(m.config.DefaultRetry).Backoff(max(next.RetryCount, 1))
	at := now.Add(delay)
	next.NextAttemptAt = &at
	if err := next.SetStatus(domain.StatusPending, now); err != nil {
		return err
	}
	if err := m.store.Update(ctx, next, domain.StatusFailed); err != nil {
		return err
	}
	*c = *next
	return nil
}

// Cancel marks a non-terminal context failed with a cancellation reason.
// In-flight executions are not interrupted; their write-back will lose the
// compare-and-swap.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*domain.Context, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return nil, fmt.Errorf("%w: context %s is already %s", domain.ErrInvalidTransition, id, c.Status)
	}

	now := m.now().UTC()
	expected := c.Status
	if c.Status != domain.StatusFailed {
		if err := c.SetStatus(domain.StatusFailed, now); err != nil {
			return nil, err
		}
	} else {
		c.UpdatedAt = now
	}
	if c.Results == nil {
		c.Results = &domain.Results{}
	}
	if reason == "" {
		reason = "cancelled"
	}
	c.Results.Error = &domain.ErrorInfo{Kind: domain.ErrorKindCancelled, Message: reason, At: now}
	c.NextAttemptAt = nil
	expires := now.Add(m.config.Retention)
	c.ExpiresAt = &expires

	if err := m.store.Update(ctx, c, expected); err != nil {
		return nil, fmt.Errorf("failed to cancel %s: %w", id, err)
	}

	m.logger.Info("context cancelled", "context_id", id, "capability", c.Capability, "reason", reason)
	m.route(ctx, events.TypeContextCancelled, c)
	return c, nil
}

// Finish writes the terminal state of a context the caller has already
// prepared (status completed or failed, results filled in) and routes it.
// It is used by the batch processor for batch contexts.
func (m *Manager) Finish(ctx context.Context, c *domain.Context, expected domain.Status) error {
	if !c.IsTerminal() {
		return domain.Validationf("context %s is not terminal", c.ID)
	}
	now := m.now().UTC()
	c.UpdatedAt = now
	expires := now.Add(m.config.Retention)
	c.ExpiresAt = &expires
	if err := m.store.Update(ctx, c, expected); err != nil {
		return err
	}

	eventType := events.TypeContextCompleted
	if c.Status == domain.StatusFailed {
		eventType = events.TypeContextFailed
	}
	m.route(ctx, eventType, c)
	return nil
}

// Purge deletes the given contexts regardless of state. It is the manual
// administrative entry point and returns the number deleted.
func (m *Manager) Purge(ctx context.Context, ids ...string) (int, error) {
	if bulk, ok := m.store.(store.BatchDeleter); ok && len(ids) > 1 {
		deleted, err := bulk.DeleteMany(ctx, ids)
		if err != nil {
			return 0, fmt.Errorf("failed to purge %d contexts: %w", len(ids), err)
		}
		m.metrics.RecordSweep("purged", deleted)
		m.logger.Info("purged contexts", "requested", len(ids), "deleted", deleted)
		return deleted, nil
	}

	deleted := 0
	for _, id := range ids {
		err := m.store.Delete(ctx, id)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, store.ErrNotFound):
			m.logger.Debug("purge skipped missing context", "context_id", id)
		default:
			return deleted, fmt.Errorf("failed to purge %s: %w", id, err)
		}
	}
	m.metrics.RecordSweep("purged", deleted)
	m.logger.Info("purged contexts", "requested", len(ids), "deleted", deleted)
	return deleted, nil
}

// References lists the reference contexts attached to a subject.
func (m *Manager) References(ctx context.Context, subjectID string, limit int) ([]*domain.Context, error) {
	return m.store.FindBySubject(ctx, subjectID, domain.CapabilityReference, limit)
}

// route hands a terminal context to the output handlers. Handler errors are
// logged; the state change has already been persisted.
func (m *Manager) route(ctx context.Context, eventType string, c *domain.Context) {
	if m.emitter == nil {
		return
	}
	event, err := events.NewContextEvent(eventType, c)
	if err != nil {
		m.logger.Error("failed to build context event", "context_id", c.ID, "error", err)
		return
	}
	if err := m.emitter.EmitEvent(ctx, event); err != nil {
		m.logger.Error("output handler failed",
			"context_id", c.ID,
			"capability", c.Capability,
			"event_type", eventType,
			"error", err)
	}
}
