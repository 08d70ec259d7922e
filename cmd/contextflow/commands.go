package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/contextflow/internal/config"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/phrazzld/contextflow/internal/platform/sqlstore"
	"github.com/spf13/cobra"
)

// cliState carries what the persistent pre-run resolves for subcommands.
type cliState struct {
	configPath string
	config     *config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	state := &cliState{}

	root := &cobra.Command{
		Use:          "contextflow",
		Short:        "Context-based task processing and batch orchestration",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return state.bootstrap(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&state.configPath, "config", "c", "",
		"path to a YAML config file (defaults to ./config.yaml when present)")

	root.AddCommand(
		newServeCommand(state),
		newMigrateCommand(state),
		newRunJobCommand(state),
		newPurgeCommand(state),
	)
	return root
}

func (s *cliState) bootstrap(cmd *cobra.Command) error {
	cfg, err := config.LoadFile(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	s.config = cfg
	s.logger = logger.SetupWithWriter(cfg.Server, cmd.ErrOrStderr())
	return nil
}

func newServeCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with workers, maintenance and (if enabled) the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := newApplication(ctx, state.config, state.logger)
			if err != nil {
				return err
			}
			defer app.cleanup()

			router, err := app.router()
			if err != nil {
				return err
			}

			app.start(state.config.Scheduler.Enabled)
			defer app.stop()

			return app.startHTTPServer(ctx, router)
		},
	}
}

func newMigrateCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|reset|status|version]",
		Short:     "Apply or inspect database schema migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "reset", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := state.config.Database
			if cfg.Driver == "memory" {
				return fmt.Errorf("%w: migrations need a postgres or sqlite database", domain.ErrValidation)
			}
			db, dialect, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return sqlstore.Migrate(cmd.Context(), db, dialect, args[0], state.logger)
		},
	}
}

// runJobOutput is the JSON printed by run-job.
type runJobOutput struct {
	BatchID  string          `json:"batch_id"`
	JobID    string          `json:"job_id"`
	Strategy domain.Strategy `json:"strategy"`
	Status   domain.Status   `json:"status"`
	Progress domain.Progress `json:"progress"`
	Invalid  int             `json:"invalid"`
	Duration string          `json:"duration"`
}

func newRunJobCommand(state *cliState) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "run-job <job-id>",
		Short: "Run one job to completion and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key *domain.GroupKey
			if group != "" {
				parsed, err := domain.ParseGroupKey(group)
				if err != nil {
					return err
				}
				key = &parsed
			}

			ctx := cmd.Context()
			app, err := newApplication(ctx, state.config, state.logger)
			if err != nil {
				return err
			}
			defer app.cleanup()

			app.start(false)
			defer app.stop()

			res, err := app.scheduler.RunNow(ctx, args[0], key)
			if res == nil {
				return err
			}
			out := runJobOutput{
				BatchID:  res.BatchID,
				JobID:    res.JobID,
				Strategy: res.Strategy,
				Status:   res.Status,
				Progress: res.Progress,
				Invalid:  res.Invalid,
				Duration: res.Duration().Round(time.Millisecond).String(),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(out); encErr != nil {
				return encErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "preference group key as feature|frequency|anchor")
	return cmd
}

func newPurgeCommand(state *cliState) *cobra.Command {
	var expired, reclaim bool
	cmd := &cobra.Command{
		Use:   "purge [context-id...]",
		Short: "Delete contexts by id, sweep expired ones or reclaim stale claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !expired && !reclaim {
				return fmt.Errorf("%w: give context ids, --expired or --reclaim-stale", domain.ErrValidation)
			}

			ctx := cmd.Context()
			app, err := newApplication(ctx, state.config, state.logger)
			if err != nil {
				return err
			}
			defer app.cleanup()

			return runPurge(ctx, app, cmd, args, expired, reclaim)
		},
	}
	cmd.Flags().BoolVar(&expired, "expired", false, "delete terminal contexts past retention")
	cmd.Flags().BoolVar(&reclaim, "reclaim-stale", false, "return stale claimed contexts to pending")
	return cmd
}

func runPurge(ctx context.Context, app *application, cmd *cobra.Command, ids []string, expired, reclaim bool) error {
	out := cmd.OutOrStdout()
	if len(ids) > 0 {
		n, err := app.manager.Purge(ctx, ids...)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "purged %d context(s)\n", n)
	}
	if expired {
		n, err := app.manager.SweepExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "swept %d expired context(s)\n", n)
	}
	if reclaim {
		n, err := app.manager.ReclaimStale(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "reclaimed %d stale context(s)\n", n)
	}
	return nil
}
