package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/contextflow/internal/config"
	"github.com/phrazzld/contextflow/internal/platform/memory"
	"github.com/phrazzld/contextflow/internal/platform/sqlstore"
	"github.com/phrazzld/contextflow/internal/store"
)

// openStore builds the context store selected by cfg. The returned *sql.DB
// is nil for the memory driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.ContextStore, *sql.DB, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory context store; contexts do not survive a restart")
		return memory.NewContextStore(), nil, nil
	}

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := sqlstore.Migrate(ctx, db, dialect, "up", logger); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	logger.Info("context store ready", "driver", string(dialect))
	return sqlstore.NewContextStore(db, dialect), db, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, sqlstore.Dialect, error) {
	dialect, err := sqlstore.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	db, err := sqlstore.Open(ctx, dialect, cfg.URL, cfg.MaxOpenConns)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open context store: %w", err)
	}
	return db, dialect, nil
}
