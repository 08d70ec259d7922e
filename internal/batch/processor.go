package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/phrazzld/contextflow/internal/contextmgr"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/metrics"
	"github.com/phrazzld/contextflow/internal/taskservice"
)

// DataSource supplies batch input.
type DataSource interface {
	FetchItems(ctx context.Context, filter map[string]string, limit int, cursor string) (domain.ItemPage, error)
	FetchCategory(ctx context.Context, categoryID string, filter map[string]string) (json.RawMessage, error)
}

// SubjectValidator partitions subject ids into known and unknown ones.
type SubjectValidator interface {
	Validate(ctx context.Context, ids []string) (valid []string, invalid []string, err error)
}

// PreferenceProvider exposes preference groups and per-subject preferences.
type PreferenceProvider interface {
	Membership(ctx context.Context, key domain.GroupKey) ([]string, error)
	Preferences(ctx context.Context, subjectID string) (domain.Preferences, error)
}

// DistributionSink attaches references to batch results.
type DistributionSink interface {
	AttachReference(ctx context.Context, subjectID, batchID string, metadata map[string]string) error
}

// Config tunes batch runs.
type Config struct {
	// Concurrency bounds simultaneous child creations within a chunk.
	Concurrency int
	// ChunkSize is the number of items dispatched and awaited together.
	ChunkSize int
	// PageSize is the default data source page size.
	PageSize int
	// AwaitPollInterval is the delay between child status polls.
	AwaitPollInterval time.Duration
	// AgingInterval is the wait after which a queued run gains one priority level.
	AgingInterval time.Duration
	// Heartbeat bounds the time between writes to a running batch context so
	// the stale-claim sweep does not reclaim it.
	Heartbeat time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       20,
		ChunkSize:         50,
		PageSize:          100,
		AwaitPollInterval: 500 * time.Millisecond,
		AgingInterval:     2 * time.Minute,
		Heartbeat:         5 * time.Minute,
	}
}

// Dependencies are the collaborators of a Processor. Data, Validator,
// Preferences and Sink are optional; a job whose strategy needs a missing
// collaborator fails validation.
type Dependencies struct {
	Manager     *contextmgr.Manager
	Tasks       taskservice.Service
	Data        DataSource
	Validator   SubjectValidator
	Preferences PreferenceProvider
	Sink        DistributionSink
	Metrics     *metrics.Collector
	Gate        *Gate
}

// RunOptions parameterize one run.
type RunOptions struct {
	// BatchID pre-assigns the batch context id so callers can return it
	// before the run finishes.
	BatchID string
	// Group selects the preference group of a preference job.
	Group *domain.GroupKey
	// Trigger describes what started the run, for logging.
	Trigger string
}

// Result summarizes a finished run.
type Result struct {
	BatchID    string
	JobID      string
	Strategy   domain.Strategy
	Status     domain.Status
	Progress   domain.Progress
	Invalid    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Processor executes batch jobs.
type Processor struct {
	deps     Dependencies
	config   Config
	gate     *Gate
	planners map[domain.Strategy]planner
	logger   *slog.Logger
	now      func() time.Time
	owner    string
}

// NewProcessor creates a processor.
func NewProcessor(deps Dependencies, config Config, logger *slog.Logger) (*Processor, error) {
	if deps.Manager == nil || deps.Tasks == nil {
		return nil, domain.Validationf("batch processor needs a context manager and a task service")
	}
	def := DefaultConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = def.ChunkSize
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.AwaitPollInterval <= 0 {
		config.AwaitPollInterval = def.AwaitPollInterval
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = def.Heartbeat
	}
	gate := deps.Gate
	if gate == nil {
		gate = NewGate(config.AgingInterval)
	}

	p := &Processor{
		deps:   deps,
		config: config,
		gate:   gate,
		logger: logger.With("component", "batch_processor"),
		now:    time.Now,
		owner:  "batch-processor",
	}
	p.planners = map[domain.Strategy]planner{
		domain.StrategyIndividual: p.planIndividual,
		domain.StrategyObject:     p.planObject,
		domain.StrategyCombined:   p.planCombined,
		domain.StrategyPreference: p.planPreference,
	}
	return p, nil
}

// run is the in-flight state of one batch run. It is never shared between
// goroutines except through the chunk result slices.
type run struct {
	job      domain.JobDefinition
	tmpl     domain.Template
	opts     RunOptions
	batch    *domain.Context
	items    *domain.BatchItems
	log      *slog.Logger
	started  time.Time
	lastSave time.Time
	// indexed reports whether results are indexed by subject and tenant.
	indexed  bool
	tenantOf map[string]string
}

// Run executes job once and returns when every dispatched item is terminal
// or the run fails. Batch-level failures are recorded on the batch context
// and returned; the caller decides whether to retry the run.
func (p *Processor) Run(ctx context.Context, job domain.JobDefinition, opts RunOptions) (*Result, error) {
	started := p.now().UTC()
	log := p.logger.With("job_id", job.ID, "strategy", job.Strategy)

	// initialize
	log.Debug("batch phase", "phase", "initialize", "trigger", opts.Trigger)
	plan, tmpl, err := p.prepare(job, opts)
	if err != nil {
		return nil, err
	}
	batch, err := p.deps.Tasks.CreateBatchContext(ctx, job, tmpl, opts.BatchID)
	if err != nil {
		return nil, err
	}
	claimed, err := p.deps.Manager.Claim(ctx, batch.ID, domain.StatusCreated, domain.StatusProcessing, p.owner)
	if err != nil {
		p.discard(ctx, batch, err, log)
		return nil, fmt.Errorf("failed to start batch %s: %w", batch.ID, err)
	}
	batch = claimed
	if batch.Results == nil {
		batch.Results = &domain.Results{}
	}
	if batch.Results.Items == nil {
		batch.Results.Items = domain.NewBatchItems()
	}

	r := &run{
		job:      job,
		tmpl:     tmpl,
		opts:     opts,
		batch:    batch,
		items:    batch.Results.Items,
		log:      log.With("batch_id", batch.ID),
		started:  started,
		lastSave: started,
		indexed:  job.Strategy == domain.StrategyPreference,
		tenantOf: map[string]string{},
	}

	// fetch_data
	r.log.Info("batch phase", "phase", "fetch_data")
	work, err := plan(ctx, r)
	if err != nil {
		return p.abort(ctx, r, fmt.Errorf("fetch_data: %w", err))
	}

	// dispatch
	r.log.Info("batch phase", "phase", "dispatch", "items", len(work), "invalid", len(r.items.InvalidUsers))
	chunks, err := p.dispatch(ctx, r, work)
	if err != nil {
		return p.abort(ctx, r, fmt.Errorf("dispatch: %w", err))
	}

	// await_completion
	r.log.Info("batch phase", "phase", "await_completion", "chunks", len(chunks))
	if err := p.await(ctx, r, chunks); err != nil {
		return p.abort(ctx, r, fmt.Errorf("await_completion: %w", err))
	}

	// finalize
	return p.finalize(ctx, r)
}

// prepare validates the job and resolves its template before anything is
// persisted.
func (p *Processor) prepare(job domain.JobDefinition, opts RunOptions) (planner, domain.Template, error) {
	if err := job.Validate(); err != nil {
		return nil, domain.Template{}, err
	}
	plan, ok := p.planners[job.Strategy]
	if !ok {
		return nil, domain.Template{}, domain.Validationf("job %s: no planner for strategy %q", job.ID, job.Strategy)
	}
	switch job.Strategy {
	case domain.StrategyIndividual, domain.StrategyObject, domain.StrategyCombined:
		if p.deps.Data == nil {
			return nil, domain.Template{}, domain.Validationf("job %s: strategy %s needs a data source", job.ID, job.Strategy)
		}
	case domain.StrategyPreference:
		if p.deps.Preferences == nil {
			return nil, domain.Template{}, domain.Validationf("job %s: preference strategy needs a preference provider", job.ID)
		}
		if opts.Group == nil {
			return nil, domain.Template{}, domain.Validationf("job %s: preference run needs a group", job.ID)
		}
		if opts.Group.FeatureType != job.Source.FeatureType {
			return nil, domain.Template{}, domain.Validationf("job %s: group %s does not match feature %s", job.ID, opts.Group, job.Source.FeatureType)
		}
	}
	if len(job.Distribution) > 0 && p.deps.Sink == nil {
		return nil, domain.Template{}, domain.Validationf("job %s: distribution list needs a sink", job.ID)
	}

	tmpl, err := p.deps.Tasks.ResolveTemplate(job.Template)
	if err != nil {
		return nil, domain.Template{}, err
	}
	return plan, tmpl, nil
}

// discard fails a batch context that could not be claimed so it does not
// remain in created. A context already moved on by someone else, or purged,
// is left alone.
func (p *Processor) discard(ctx context.Context, batch *domain.Context, cause error, log *slog.Logger) {
	writeCtx := context.WithoutCancel(ctx)
	current, err := p.deps.Manager.Get(writeCtx, batch.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error("failed to load unclaimed batch", "batch_id", batch.ID, "error", err)
		}
		return
	}
	if current.Status != domain.StatusCreated {
		return
	}

	now := p.now().UTC()
	if err := current.SetStatus(domain.StatusFailed, now); err != nil {
		log.Error("failed to discard unclaimed batch", "batch_id", batch.ID, "error", err)
		return
	}
	if current.Results == nil {
		current.Results = &domain.Results{}
	}
	current.Results.Error = &domain.ErrorInfo{
		Kind:    domain.ErrorKindPermanent,
		Message: fmt.Sprintf("batch could not be started: %v", cause),
		At:      now,
	}
	if err := p.deps.Manager.Finish(writeCtx, current, domain.StatusCreated); err != nil {
		log.Error("failed to discard unclaimed batch", "batch_id", batch.ID, "error", err, "cause", cause)
		return
	}
	log.Warn("discarded unclaimed batch", "batch_id", batch.ID, "error", cause)
}

// abort marks the batch failed after a batch-level error. Cancellation of the
// batch context by an operator is not overwritten.
func (p *Processor) abort(ctx context.Context, r *run, cause error) (*Result, error) {
	if errors.Is(cause, domain.ErrCancelled) {
		r.log.Warn("batch cancelled", "error", cause)
		res := p.result(r, domain.StatusFailed)
		p.deps.Metrics.RecordBatch(string(r.job.Strategy), "cancelled", res.Duration(), res.Progress.Succeeded, res.Progress.Failed, res.Invalid)
		return res, cause
	}

	writeCtx := ctx
	if ctx.Err() != nil {
		writeCtx = context.WithoutCancel(ctx)
	}
	kind := domain.Kind(cause)
	if ctx.Err() != nil {
		kind = domain.ErrorKindCancelled
	}
	// A batch context is never requeued; a retry of the run starts a new one.
	if kind == domain.ErrorKindTransient {
		kind = domain.ErrorKindPermanent
	}

	now := p.now().UTC()
	prog := domain.Tally(r.items)
	r.batch.Results.Items = r.items
	r.batch.Results.Progress = &prog
	r.batch.Results.Error = &domain.ErrorInfo{Kind: kind, Message: cause.Error(), At: now}
	if err := r.batch.SetStatus(domain.StatusFailed, now); err != nil {
		return nil, err
	}
	if err := p.deps.Manager.Finish(writeCtx, r.batch, domain.StatusProcessing); err != nil {
		r.log.Error("failed to record batch failure", "error", err, "cause", cause)
	}

	r.log.Error("batch failed", "error", cause, "kind", kind)
	res := p.result(r, domain.StatusFailed)
	p.deps.Metrics.RecordBatch(string(r.job.Strategy), string(domain.StatusFailed), res.Duration(), prog.Succeeded, prog.Failed, res.Invalid)
	return res, cause
}

func (p *Processor) finalize(ctx context.Context, r *run) (*Result, error) {
	r.log.Info("batch phase", "phase", "finalize")
	now := p.now().UTC()
	prog := domain.Tally(r.items)
	if !prog.Consistent() {
		return p.abort(ctx, r, fmt.Errorf("inconsistent progress %+v", prog))
	}

	if r.indexed {
		p.index(r)
	}
	if prog.Succeeded > 0 && len(r.job.Distribution) > 0 {
		r.batch.Results.Distributed = p.distribute(ctx, r)
	}

	r.batch.Results.Items = r.items
	r.batch.Results.Progress = &prog
	r.batch.Results.CompletedAt = &now

	status := domain.StatusCompleted
	if prog.Total > 0 && prog.Succeeded == 0 {
		status = domain.StatusFailed
		r.batch.Results.Error = &domain.ErrorInfo{
			Kind:    domain.ErrorKindPermanent,
			Message: fmt.Sprintf("all %d items failed", prog.Total),
			At:      now,
		}
	}
	if err := r.batch.SetStatus(status, now); err != nil {
		return nil, err
	}
	if err := p.deps.Manager.Finish(ctx, r.batch, domain.StatusProcessing); err != nil {
		if latest, gerr := p.deps.Manager.Get(ctx, r.batch.ID); gerr == nil && latest.IsTerminal() {
			return p.abort(ctx, r, fmt.Errorf("%w: batch %s finished elsewhere", domain.ErrCancelled, r.batch.ID))
		}
		return nil, fmt.Errorf("failed to finalize batch %s: %w", r.batch.ID, err)
	}

	res := p.result(r, status)
	r.log.Info("batch finished",
		"status", status,
		"processed", prog.Processed,
		"succeeded", prog.Succeeded,
		"failed", prog.Failed,
		"invalid", res.Invalid,
		"duration_ms", res.Duration().Milliseconds())
	p.deps.Metrics.RecordBatch(string(r.job.Strategy), string(status), res.Duration(), prog.Succeeded, prog.Failed, res.Invalid)
	return res, nil
}

func (p *Processor) result(r *run, status domain.Status) *Result {
	return &Result{
		BatchID:    r.batch.ID,
		JobID:      r.job.ID,
		Strategy:   r.job.Strategy,
		Status:     status,
		Progress:   domain.Tally(r.items),
		Invalid:    len(r.items.InvalidUsers),
		StartedAt:  r.started,
		FinishedAt: p.now().UTC(),
	}
}

// index fills the by-subject and by-tenant indexes of a preference batch.
func (p *Processor) index(r *run) {
	bySubject := map[string]string{}
	byTenant := map[string][]string{}
	for _, key := range r.items.Keys() {
		item := r.items.Entries[key]
		if item.SubjectID == "" || item.ChildContextID == "" {
			continue
		}
		bySubject[item.SubjectID] = item.ChildContextID
	}
	for subject, tenant := range r.tenantOf {
		if child, ok := bySubject[subject]; ok && tenant != "" {
			byTenant[tenant] = append(byTenant[tenant], child)
		}
	}
	for _, children := range byTenant {
		sort.Strings(children)
	}
	r.batch.Results.BySubject = bySubject
	r.batch.Results.ByTenant = byTenant
}

// distribute attaches a reference to the batch for every distributee. Sink
// failures are logged and do not fail the batch.
func (p *Processor) distribute(ctx context.Context, r *run) []string {
	meta := map[string]string{
		"job_id":   r.job.ID,
		"strategy": string(r.job.Strategy),
		"template": r.tmpl.Name,
	}
	var done []string
	for _, subject := range r.job.Distribution {
		if err := p.deps.Sink.AttachReference(ctx, subject, r.batch.ID, meta); err != nil {
			r.log.Warn("failed to distribute batch reference", "subject_id", subject, "error", err)
			continue
		}
		done = append(done, subject)
	}
	r.log.Info("distributed batch references", "requested", len(r.job.Distribution), "attached", len(done))
	return done
}
