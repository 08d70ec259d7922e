package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/contextflow/internal/api"
	"github.com/phrazzld/contextflow/internal/batch"
	"github.com/phrazzld/contextflow/internal/catalog"
	"github.com/phrazzld/contextflow/internal/config"
	"github.com/phrazzld/contextflow/internal/contextmgr"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/events"
	"github.com/phrazzld/contextflow/internal/platform/metrics"
	"github.com/phrazzld/contextflow/internal/platform/rediscache"
	"github.com/phrazzld/contextflow/internal/platform/remote"
	"github.com/phrazzld/contextflow/internal/preference"
	"github.com/phrazzld/contextflow/internal/scheduler"
	"github.com/phrazzld/contextflow/internal/store"
	"github.com/phrazzld/contextflow/internal/taskservice"
	"github.com/phrazzld/contextflow/internal/worker"
)

// application holds the wired components and owns their lifecycle.
type application struct {
	config *config.Config
	logger *slog.Logger

	db    *sql.DB
	cache *rediscache.Cache
	store store.ContextStore

	metrics   *metrics.Collector
	catalog   *catalog.Catalog
	manager   *contextmgr.Manager
	tasks     taskservice.Service
	prefs     *preference.Client
	workers   *worker.Set
	batches   *batch.Processor
	scheduler *scheduler.Scheduler
}

// newApplication wires every component from cfg. Nothing is started.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger, metrics: metrics.NewCollector()}
	if err := app.init(ctx); err != nil {
		app.cleanup()
		return nil, err
	}
	return app, nil
}

func (app *application) init(ctx context.Context) error {
	cfg, logger := app.config, app.logger

	var err error
	if app.store, app.db, err = openStore(ctx, cfg.Database, logger); err != nil {
		return err
	}

	if cfg.Catalog.Path != "" {
		app.catalog, err = catalog.Load(cfg.Catalog.Path)
	} else {
		logger.Warn("no catalog configured; no templates or jobs are available")
		app.catalog, err = catalog.New(nil, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(events.NewLogOutputHandler(logger))

	app.manager = contextmgr.NewManager(app.store, emitter, contextmgr.Config{
		Retention:     cfg.Retention.TTL,
		SweepInterval: cfg.Retention.SweepInterval,
		StaleAfter:    cfg.Retention.StaleAfter,
		SweepBatch:    cfg.Retention.SweepBatch,
		DefaultRetry: domain.RetryPolicy{
			BaseDelay: cfg.Workers.BackoffBase,
			MaxDelay:  cfg.Workers.BackoffMax,
		},
	}, logger).WithMetrics(app.metrics)

	app.tasks, err = taskservice.NewService(app.catalog, app.manager, cfg.IDs.Source, logger)
	if err != nil {
		return fmt.Errorf("failed to create task service: %w", err)
	}

	if err := app.initPreferences(ctx); err != nil {
		return err
	}
	if err := app.initWorkers(ctx); err != nil {
		return err
	}
	if err := app.initBatches(); err != nil {
		return err
	}

	var prefs scheduler.Preferences
	if app.prefs != nil {
		prefs = app.prefs
	}
	app.scheduler = scheduler.New(app.catalog, app.batches, prefs, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		HistorySize:  cfg.Scheduler.HistorySize,
		SnapshotTTL:  cfg.Preferences.TTL,
		Source:       cfg.IDs.Source,
	}, logger).WithMetrics(app.metrics)

	logger.Info("application initialized",
		"store", cfg.Database.Driver,
		"templates", len(app.catalog.Templates()),
		"jobs", len(app.catalog.Jobs()),
		"capabilities", app.workers.Capabilities())
	return nil
}

func (app *application) initPreferences(ctx context.Context) error {
	cfg := app.config
	if cfg.Remote.PreferenceURL == "" {
		return nil
	}
	client, err := newRemoteClient(cfg.Remote, cfg.Remote.PreferenceURL, app.logger)
	if err != nil {
		return fmt.Errorf("preference source: %w", err)
	}
	app.prefs = preference.NewClient(remote.NewPreferenceSource(client), preference.Config{
		TTL:       cfg.Preferences.TTL,
		CacheSize: cfg.Preferences.CacheSize,
		KeyPrefix: cfg.Redis.KeyPrefix + "prefs:",
	}, app.logger)

	if cfg.Redis.Addr == "" {
		return nil
	}
	app.cache, err = rediscache.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	app.prefs.WithSharedCache(app.cache)
	app.logger.Info("shared preference cache enabled", "addr", cfg.Redis.Addr)
	return nil
}

func (app *application) initWorkers(ctx context.Context) error {
	cfg := app.config
	executors, err := buildExecutors(ctx, cfg, app.logger)
	if err != nil {
		return err
	}

	pools := make([]*worker.Pool, 0, len(executors))
	for capability, exec := range executors {
		instances := cfg.Workers.Instances[string(capability)]
		if instances <= 0 {
			instances = 1
		}
		pool, err := worker.NewPool(capability, exec, app.manager, worker.Config{
			Instances:         instances,
			PollInterval:      cfg.Workers.PollInterval,
			BatchSize:         cfg.Workers.BatchSize,
			CallTimeout:       cfg.Workers.CallTimeout,
			ProbeInterval:     cfg.Workers.ProbeInterval,
			RequestsPerSecond: cfg.Workers.RequestsPerSecond,
			Burst:             cfg.Workers.Burst,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("worker pool %s: %w", capability, err)
		}
		pools = append(pools, pool.WithMetrics(app.metrics))
	}

	app.workers, err = worker.NewSet(app.store, pools...)
	return err
}

func (app *application) initBatches() error {
	cfg := app.config
	deps := batch.Dependencies{
		Manager: app.manager,
		Tasks:   app.tasks,
		Sink:    contextmgr.NewReferenceSink(app.manager, cfg.IDs.Source),
		Metrics: app.metrics,
	}
	if app.prefs != nil {
		deps.Preferences = app.prefs
	}
	if cfg.Remote.DataSourceURL != "" {
		client, err := newRemoteClient(cfg.Remote, cfg.Remote.DataSourceURL, app.logger)
		if err != nil {
			return fmt.Errorf("data source: %w", err)
		}
		deps.Data = remote.NewDataSource(client)
	}
	if cfg.Remote.ValidatorURL != "" {
		client, err := newRemoteClient(cfg.Remote, cfg.Remote.ValidatorURL, app.logger)
		if err != nil {
			return fmt.Errorf("subject validator: %w", err)
		}
		deps.Validator = remote.NewSubjectValidator(client)
	}

	var err error
	app.batches, err = batch.NewProcessor(deps, batch.Config{
		Concurrency:       cfg.Batch.Concurrency,
		ChunkSize:         cfg.Batch.ChunkSize,
		PageSize:          cfg.Batch.PageSize,
		AwaitPollInterval: cfg.Batch.AwaitPollInterval,
		AgingInterval:     cfg.Batch.AgingInterval,
		Heartbeat:         cfg.Retention.StaleAfter / 3,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create batch processor: %w", err)
	}
	return nil
}

// router builds the HTTP handler over the wired components.
func (app *application) router() (http.Handler, error) {
	contexts := api.NewContextHandler(app.manager, app.tasks, app.workers).
		WithDefaultRetries(app.config.Workers.MaxRetries)
	return api.NewRouter(api.RouterConfig{
		Contexts:  contexts,
		Jobs:      api.NewJobHandler(app.scheduler),
		Metrics:   app.metrics.Handler(),
		JWTSecret: app.config.Auth.JWTSecret,
		Logger:    app.logger,
	})
}

// start launches the background loops. The scheduler only runs when
// enabled so that several API replicas can share one scheduling process.
func (app *application) start(withScheduler bool) {
	app.manager.Start()
	app.workers.Start()
	if withScheduler {
		app.scheduler.Start()
	}
}

// stop halts the background loops in reverse start order.
func (app *application) stop() {
	app.scheduler.Stop()
	app.workers.Stop()
	app.manager.Stop()
}

// cleanup releases external connections.
func (app *application) cleanup() {
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.Error("failed to close redis cache", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
}
