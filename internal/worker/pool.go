package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/phrazzld/contextflow/internal/contextmgr"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/metrics"
	"github.com/phrazzld/contextflow/internal/store"
	"golang.org/x/time/rate"
)

// Executor runs contexts against one downstream capability.
type Executor interface {
	// Execute processes req under tmpl and returns the output document.
	Execute(ctx context.Context, tmpl domain.Template, req domain.Request) (json.RawMessage, error)

	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error
}

// Config holds configuration for a worker pool
type Config struct {
	// Instances is the number of independent poll loops.
	// If zero or negative, defaults to 1
	Instances int

	// PollInterval is the idle sleep between polls that found no work.
	PollInterval time.Duration

	// BatchSize bounds the candidates read per poll.
	BatchSize int

	// CallTimeout is the deadline of a single Execute call.
	CallTimeout time.Duration

	// ProbeInterval is how long a liveness probe result is trusted.
	ProbeInterval time.Duration

	// RequestsPerSecond limits Execute calls across the pool. Zero disables
	// the limit.
	RequestsPerSecond float64

	// Burst is the limiter burst size.
	Burst int
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Instances:     2,
		PollInterval:  time.Second,
		BatchSize:     10,
		CallTimeout:   30 * time.Second,
		ProbeInterval: 15 * time.Second,
	}
}

// Pool manages the worker instances of one capability.
type Pool struct {
	// capability is the worker family this pool serves
	capability domain.Capability

	// executor performs the actual work
	executor Executor

	// manager writes results back; store serves the polling hot path
	manager *contextmgr.Manager
	store   store.ContextStore

	// limiter bounds the execution rate across all instances
	limiter *rate.Limiter

	// probe caches the last liveness check
	probeMu   sync.Mutex
	probedAt  time.Time
	probeErr  error
	probeOnce bool

	config  Config
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	// wg tracks running instances for clean shutdown
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool for capability.
func NewPool(capability domain.Capability, executor Executor, manager *contextmgr.Manager, config Config, logger *slog.Logger) (*Pool, error) {
	if capability == "" || executor == nil || manager == nil {
		return nil, domain.Validationf("worker pool needs a capability, an executor and a context manager")
	}
	if capability == domain.CapabilityBatch || capability == domain.CapabilityReference {
		return nil, domain.Validationf("capability %q is not executable", capability)
	}

	def := DefaultConfig()
	log := logger.With("component", "worker_pool", "capability", capability)
	if config.Instances <= 0 {
		log.Warn("invalid instance count specified, using default",
			"specified_count", config.Instances,
			"default_count", 1)
		config.Instances = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = def.CallTimeout
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		capability: capability,
		executor:   executor,
		manager:    manager,
		store:      manager.Store(),
		limiter:    rate.NewLimiter(limit, burst),
		config:     config,
		logger:     log,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// WithMetrics attaches a metrics collector.
func (p *Pool) WithMetrics(c *metrics.Collector) *Pool {
	p.metrics = c
	return p
}

// Capability returns the capability served by the pool.
func (p *Pool) Capability() domain.Capability {
	return p.capability
}

// Start launches the pool's instances.
func (p *Pool) Start() {
	p.logger.Info("starting worker pool", "instances", p.config.Instances)
	for i := 0; i < p.config.Instances; i++ {
		p.wg.Add(1)
		go p.run(fmt.Sprintf("%s-%d", p.capability, i))
	}
}

// Stop signals every instance to stop and waits for in-flight executions
// to be written back.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(workerID string) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", workerID)
	log.Debug("starting worker")

	for {
		if p.ctx.Err() != nil {
			log.Debug("stopping worker")
			return
		}
		worked, err := p.PollOnce(p.ctx, workerID)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("poll failed", "error", err)
		}
		if worked {
			continue
		}

		// Jitter keeps idle instances from polling in lockstep.
		sleep := p.config.PollInterval + rand.N(p.config.PollInterval/2+1)
		select {
		case <-p.ctx.Done():
			log.Debug("stopping worker")
			return
		case <-time.After(sleep):
		}
	}
}

// PollOnce claims and executes at most one context. It reports whether a
// context was executed.
func (p *Pool) PollOnce(ctx context.Context, workerID string) (bool, error) {
	if err := p.alive(ctx); err != nil {
		return false, err
	}

	candidates, err := p.store.FindRunnable(ctx, p.capability, p.now(), p.config.BatchSize)
	if err != nil {
		return false, fmt.Errorf("failed to find runnable contexts: %w", err)
	}
	for _, c := range candidates {
		claimed, err := p.store.AtomicClaim(ctx, c.ID, c.Status, domain.StatusProcessing, workerID)
		if errors.Is(err, store.ErrClaimConflict) {
			p.metrics.RecordClaimConflict(string(p.capability))
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to claim %s: %w", c.ID, err)
		}
		p.metrics.RecordClaim(string(p.capability))
		p.process(ctx, claimed, workerID)
		return true, nil
	}
	return false, nil
}

// process executes a claimed context and writes the outcome back. Write-back
// is not tied to ctx so a stopping pool does not strand claimed contexts.
func (p *Pool) process(ctx context.Context, c *domain.Context, workerID string) {
	log := p.logger.With(
		"context_id", c.ID,
		"worker_id", workerID,
		"attempt", c.RetryCount+1)
	writeCtx := context.WithoutCancel(ctx)

	out, started, err := p.execute(ctx, c)
	if err == nil {
		if err := p.complete(writeCtx, c, out, started); err != nil {
			log.Error("failed to write back result", "error", err)
		}
		return
	}

	log.Warn("execution failed", "error", err, "transient", domain.IsTransient(err))
	requeued, ferr := p.manager.Fail(writeCtx, c, err)
	if ferr != nil {
		log.Error("failed to record execution failure", "error", ferr)
		return
	}
	if !requeued {
		log.Error("context failed permanently", "error", err, "retry_count", c.RetryCount)
	}
}

func (p *Pool) execute(ctx context.Context, c *domain.Context) (json.RawMessage, time.Time, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, p.now(), err
	}
	started := p.now()
	callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
	defer cancel()

	out, err := p.executor.Execute(callCtx, c.Template, c.Request)
	if err == nil && len(out) == 0 {
		err = domain.Permanent(errors.New("executor returned no output"))
	}
	return out, started, err
}

func (p *Pool) complete(ctx context.Context, c *domain.Context, out json.RawMessage, started time.Time) error {
	latency := p.now().Sub(started)
	err := p.manager.Complete(ctx, c, out, &domain.Metrics{
		StartedAt:  started.UTC(),
		DurationMs: latency.Milliseconds(),
		Attempts:   c.RetryCount + 1,
	})
	if err != nil {
		return err
	}
	p.metrics.RecordCompleted(string(p.capability), latency)
	p.logger.Debug("context completed", "context_id", c.ID, "duration_ms", latency.Milliseconds())
	return nil
}

// alive returns the cached liveness of the capability, probing again once the
// cached result is older than ProbeInterval.
func (p *Pool) alive(ctx context.Context) error {
	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	now := p.now()
	if p.probeOnce && now.Sub(p.probedAt) < p.config.ProbeInterval {
		return p.probeErr
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
	defer cancel()

	err := p.executor.Ping(probeCtx)
	if err != nil && !errors.Is(err, domain.ErrCapabilityUnavailable) {
		err = fmt.Errorf("%w: %s: %w", domain.ErrCapabilityUnavailable, p.capability, err)
	}
	if err != nil {
		p.metrics.RecordProbeFailure(string(p.capability))
		if p.probeErr == nil {
			p.logger.Warn("capability unavailable", "error", err)
		}
	} else if p.probeErr != nil {
		p.logger.Info("capability available again")
	}
	p.probeOnce = true
	p.probedAt = now
	p.probeErr = err
	return err
}

// ExecuteNow claims and executes one context synchronously. A failure is
// terminal: the context is marked failed and the error returned.
func (p *Pool) ExecuteNow(ctx context.Context, id string) (*domain.Context, error) {
	if err := p.alive(ctx); err != nil {
		return nil, err
	}
	c, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Capability != p.capability {
		return nil, domain.Validationf("context %s needs capability %s, not %s", id, c.Capability, p.capability)
	}
	if c.Status != domain.StatusCreated && c.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: context %s is %s", domain.ErrInvalidTransition, id, c.Status)
	}

	claimed, err := p.store.AtomicClaim(ctx, id, c.Status, domain.StatusProcessing, "sync")
	if err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			p.metrics.RecordClaimConflict(string(p.capability))
		}
		return nil, err
	}
	p.metrics.RecordClaim(string(p.capability))
	writeCtx := context.WithoutCancel(ctx)

	out, started, err := p.execute(ctx, claimed)
	if err != nil {
		if ferr := p.manager.FailTerminal(writeCtx, claimed, err); ferr != nil {
			p.logger.Error("failed to record execution failure", "context_id", id, "error", ferr)
		}
		return claimed, err
	}
	if err := p.complete(writeCtx, claimed, out, started); err != nil {
		return nil, err
	}
	return claimed, nil
}
