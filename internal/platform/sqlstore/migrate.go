package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pressly/goose/v3"
)

// MigrationTableName is the goose version table.
const MigrationTableName = "schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// slogGooseLogger adapts the goose logger interface to use slog
type slogGooseLogger struct {
	logger *slog.Logger
}

// Printf implements the goose.Logger Printf method by forwarding messages to slog.Info
func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf implements the goose.Logger Fatalf method by forwarding error messages to slog.Error.
// It does not exit; the error is returned to the caller instead.
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Migrate runs a goose command (up, down, reset, status, version) against db
// using the embedded migrations.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, command string, logger *slog.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	migrationLogger := logger.With("component", "migrations", "dialect", string(dialect))
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(&slogGooseLogger{logger: migrationLogger})
	goose.SetTableName(MigrationTableName)
	if err := goose.SetDialect(dialect.gooseDialect()); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	migrationLogger.Info("running migration command", "command", command)

	var err error
	switch command {
	case "up":
		err = goose.UpContext(ctx, db, "migrations")
	case "down":
		err = goose.DownContext(ctx, db, "migrations")
	case "reset":
		err = goose.ResetContext(ctx, db, "migrations")
	case "status":
		err = goose.StatusContext(ctx, db, "migrations")
	case "version":
		err = goose.VersionContext(ctx, db, "migrations")
	default:
		return fmt.Errorf(
			"unknown migration command: %s (expected up, down, reset, status, or version)",
			command,
		)
	}
	if err != nil {
		migrationLogger.Error("migration command failed", "command", command, "error", err)
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}
