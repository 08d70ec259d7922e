package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Register the database/sql drivers for both dialects.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dialect Dialect, url string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open(dialect.DriverName(), url)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	if dialect == SQLite {
		// SQLite serializes writers; a single connection avoids lock errors.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	return db, nil
}
