// Package testdb provides a PostgreSQL database for integration tests.
//
// Tests call Postgres, which skips unless a database URL is configured
// through one of URLEnvVars, migrates the schema and empties the contexts
// table so each test starts clean.
package testdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/phrazzld/contextflow/internal/platform/sqlstore"
	"github.com/phrazzld/contextflow/internal/redact"
	"github.com/stretchr/testify/require"
)

// URLEnvVars are checked in order for a test database URL.
var URLEnvVars = []string{"CONTEXTFLOW_TEST_DATABASE_URL", "DATABASE_URL"}

// URL returns the first configured test database URL, or "".
func URL() string {
	for _, name := range URLEnvVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// Postgres returns a migrated, empty PostgreSQL database. The test is
// skipped when no URL is configured.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	url := URL()
	if url == "" {
		t.Skip("no test database configured; set CONTEXTFLOW_TEST_DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sqlstore.Open(ctx, sqlstore.Postgres, url, 4)
	require.NoError(t, err, "failed to connect to %s", redact.String(url))
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.Postgres, "up", logger.Discard()))
	_, err = db.ExecContext(ctx, `TRUNCATE contexts`)
	require.NoError(t, err)
	return db
}
