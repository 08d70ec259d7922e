package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/contextflow/internal/batch"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
	"github.com/phrazzld/contextflow/internal/platform/metrics"
	"github.com/phrazzld/contextflow/internal/preference"
)

// Runner executes one batch run.
type Runner interface {
	Run(ctx context.Context, job domain.JobDefinition, opts batch.RunOptions) (*batch.Result, error)
}

// JobCatalog lists job definitions.
type JobCatalog interface {
	Jobs() []domain.JobDefinition
	Job(id string) (domain.JobDefinition, error)
}

// Preferences is the scheduler's view of the preference client.
type Preferences interface {
	Refresh(ctx context.Context) ([]domain.GroupKey, error)
	Snapshot() *preference.Snapshot
}

// Run modes recorded in statistics and metrics.
const (
	ModeScheduled = "scheduled"
	ModeRetry     = "retry"
	ModeManual    = "manual"
)

// Config tunes the scheduler.
type Config struct {
	// PollInterval is the time between cycles.
	PollInterval time.Duration
	// HistorySize bounds the executions kept per job.
	HistorySize int
	// SnapshotTTL is the age after which a preference snapshot that could
	// not be refreshed stops driving triggers.
	SnapshotTTL time.Duration
	// Source is the id source tag used for batch ids minted for async runs.
	Source string
	// DefaultRetry fills unset delays of job retry policies.
	DefaultRetry domain.RetryPolicy
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		HistorySize:  50,
		SnapshotTTL:  5 * time.Minute,
		Source:       "scheduler",
		DefaultRetry: domain.RetryPolicy{BaseDelay: time.Minute, MaxDelay: 30 * time.Minute},
	}
}

// Scheduler fires due triggers on a polling loop.
type Scheduler struct {
	jobs    JobCatalog
	runner  Runner
	prefs   Preferences
	metrics *metrics.Collector
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes writers of triggers; readers load the pointer.
	mu       sync.Mutex
	triggers atomic.Pointer[map[string]Trigger]
	running  map[string]bool

	stats *statsBook

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	inflight   sync.WaitGroup
}

// New creates a scheduler. prefs may be nil when no preference jobs exist.
func New(jobs JobCatalog, runner Runner, prefs Preferences, config Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.SnapshotTTL <= 0 {
		config.SnapshotTTL = def.SnapshotTTL
	}
	if config.Source == "" {
		config.Source = def.Source
	}
	if config.DefaultRetry.BaseDelay <= 0 {
		config.DefaultRetry = def.DefaultRetry
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:       jobs,
		runner:     runner,
		prefs:      prefs,
		config:     config,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		running:    map[string]bool{},
		stats:      newStatsBook(config.HistorySize),
		ctx:        ctx,
		cancelFunc: cancel,
	}
	empty := map[string]Trigger{}
	s.triggers.Store(&empty)
	return s
}

// WithMetrics attaches a metrics collector.
func (s *Scheduler) WithMetrics(c *metrics.Collector) *Scheduler {
	s.metrics = c
	return s
}

// WithClock replaces the scheduler's clock. It is intended for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start begins the polling loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the polling loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.cancelFunc()
	s.wg.Wait()
	s.inflight.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.logger.Info("starting scheduler", "poll_interval", s.config.PollInterval)
	s.Cycle(s.ctx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("stopping scheduler")
			return
		case <-ticker.C:
			s.Cycle(s.ctx)
		}
	}
}

// Triggers returns the current trigger set ordered by key.
func (s *Scheduler) Triggers() []Trigger {
	return sortedTriggers(*s.triggers.Load())
}

// Stats returns per-job statistics.
func (s *Scheduler) Stats() []JobStats {
	return s.stats.snapshot()
}

// Cycle refreshes preferences, rebuilds the trigger set and fires every due
// trigger. Runs execute in the background; a trigger that is still running is
// not fired again.
func (s *Scheduler) Cycle(ctx context.Context) {
	now := s.now().UTC()
	snap, fresh := s.refresh(ctx, now)

	s.mu.Lock()
	prev := *s.triggers.Load()
	next := buildTriggers(s.jobs.Jobs(), snap, prev, now)
	if !fresh {
		keepPreference(next, prev)
	}

	due := dueTriggers(next, now, !fresh)
	var fire []Trigger
	for _, t := range due {
		if s.running[t.Key] {
			continue
		}
		mode := ModeScheduled
		if t.Attempt > 0 {
			mode = ModeRetry
		}
		// Arm the next occurrence now so the trigger is not fired again while
		// it runs; a transient failure re-arms it sooner.
		armed := t
		if n, err := t.Schedule.Next(now); err == nil {
			armed.NextRun = n
		}
		next[t.Key] = armed
		s.running[t.Key] = true
		fire = append(fire, t)
		s.metrics.RecordSchedulerFire(t.JobID, mode)
	}
	s.triggers.Store(&next)
	s.mu.Unlock()

	if len(fire) > 0 {
		s.logger.Info("firing due triggers", "count", len(fire), "triggers", len(next))
	}
	for _, t := range fire {
		s.inflight.Add(1)
		go func(t Trigger) {
			defer s.inflight.Done()
			s.fire(ctx, t, now)
		}(t)
	}
}

// refresh asks the preference client for changes. It returns the snapshot to
// build from and whether preference triggers may fire this cycle.
func (s *Scheduler) refresh(ctx context.Context, now time.Time) (*preference.Snapshot, bool) {
	if s.prefs == nil {
		return nil, true
	}
	changed, err := s.prefs.Refresh(ctx)
	snap := s.prefs.Snapshot()
	if err != nil {
		if snap == nil || snap.Stale(now, s.config.SnapshotTTL) {
			s.logger.Warn("preference snapshot stale, suppressing preference triggers", "error", err)
			return snap, false
		}
		s.logger.Warn("preference refresh failed, using current snapshot", "error", err, "version", snap.Version)
		return snap, true
	}
	if len(changed) > 0 {
		s.logger.Info("preference groups changed", "groups", len(changed), "version", snap.Version)
	}
	return snap, true
}

func (s *Scheduler) fire(ctx context.Context, t Trigger, firedAt time.Time) {
	defer func() {
		s.mu.Lock()
		delete(s.running, t.Key)
		s.mu.Unlock()
	}()

	job, err := s.jobs.Job(t.JobID)
	if err != nil {
		s.logger.Error("scheduled job disappeared", "job_id", t.JobID, "error", err)
		return
	}
	mode := ModeScheduled
	if t.Attempt > 0 {
		mode = ModeRetry
	}
	_, runErr := s.execute(ctx, job, batch.RunOptions{Group: t.Group, Trigger: t.Key}, mode)
	s.rearm(t, job, runErr, firedAt)
}

// rearm schedules a retry of a transiently failed run when the job's retry
// budget allows it, and clears the attempt counter otherwise.
func (s *Scheduler) rearm(t Trigger, job domain.JobDefinition, runErr error, firedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.triggers.Load()
	cur, ok := current[t.Key]
	if !ok {
		return
	}
	next := make(map[string]Trigger, len(current))
	for k, v := range current {
		next[k] = v
	}

	retry := runErr != nil &&
		!errors.Is(runErr, domain.ErrCancelled) &&
		domain.IsTransient(runErr) &&
		t.Attempt < job.Retry.MaxRetries
	if retry {
		cur.Attempt = t.Attempt + 1
		delay := job.Retry.WithDefaults(s.config.DefaultRetry).Backoff(cur.Attempt)
		at := s.now().UTC().Add(delay)
		if at.Before(cur.NextRun) {
			cur.NextRun = at
		}
		s.logger.Warn("batch run failed, retrying",
			"job_id", job.ID,
			"trigger", t.Key,
			"attempt", cur.Attempt,
			"next_run", cur.NextRun,
			"error", runErr)
	} else {
		cur.Attempt = 0
		if runErr != nil {
			s.logger.Error("batch run failed",
				"job_id", job.ID,
				"trigger", t.Key,
				"fired_at", firedAt,
				"next_run", cur.NextRun,
				"error", runErr)
		}
	}
	next[t.Key] = cur
	s.triggers.Store(&next)
}

// RunNow runs a job immediately and waits for it. group is required for
// preference jobs.
func (s *Scheduler) RunNow(ctx context.Context, jobID string, group *domain.GroupKey) (*batch.Result, error) {
	job, err := s.jobs.Job(jobID)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSchedulerFire(job.ID, ModeManual)
	return s.execute(ctx, job, batch.RunOptions{Group: group, Trigger: ModeManual}, ModeManual)
}

// Submit starts a job in the background and returns the id of its batch
// context. The run outlives ctx and stops when the scheduler stops.
func (s *Scheduler) Submit(ctx context.Context, jobID string, group *domain.GroupKey) (string, error) {
	job, err := s.jobs.Job(jobID)
	if err != nil {
		return "", err
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.Strategy == domain.StrategyPreference && group == nil {
		return "", domain.Validationf("job %s: preference run needs a group", job.ID)
	}
	batchID, err := ident.New(ident.PrefixBatch, s.config.Source, s.now())
	if err != nil {
		return "", fmt.Errorf("failed to mint batch id: %w", err)
	}

	s.metrics.RecordSchedulerFire(job.ID, ModeManual)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		opts := batch.RunOptions{BatchID: batchID, Group: group, Trigger: ModeManual}
		if _, err := s.execute(s.ctx, job, opts, ModeManual); err != nil {
			s.logger.Error("submitted batch run failed", "job_id", job.ID, "batch_id", batchID, "error", err)
		}
	}()
	return batchID, nil
}

// execute runs job and records statistics.
func (s *Scheduler) execute(ctx context.Context, job domain.JobDefinition, opts batch.RunOptions, mode string) (*batch.Result, error) {
	started := s.now().UTC()
	log := s.logger.With("job_id", job.ID, "mode", mode)
	if opts.Group != nil {
		log = log.With("group", opts.Group.String())
	}
	log.Info("batch run started", "trigger", opts.Trigger)

	res, err := s.runner.Run(ctx, job, opts)

	finished := s.now().UTC()
	e := Execution{
		Trigger:    opts.Trigger,
		Mode:       mode,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		BatchID:    opts.BatchID,
	}
	if res != nil {
		e.BatchID = res.BatchID
		e.Status = string(res.Status)
		e.Processed = res.Progress.Processed
		e.Succeeded = res.Progress.Succeeded
		e.Failed = res.Progress.Failed
	}
	if err != nil {
		e.Error = err.Error()
		if e.Status == "" {
			e.Status = string(domain.StatusFailed)
		}
	}

	featureType := ""
	if job.Strategy == domain.StrategyPreference {
		featureType = job.Source.FeatureType
	}
	s.stats.record(job.ID, featureType, e)

	log.Info("batch run finished",
		"batch_id", e.BatchID,
		"status", e.Status,
		"processed", e.Processed,
		"succeeded", e.Succeeded,
		"failed", e.Failed,
		"duration_ms", e.Duration.Milliseconds())
	return res, err
}
