package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var dbSeq atomic.Int64

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:txtest%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	return n
}

func TestRunInTransaction_Commit(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	err := RunInTransaction(context.Background(), db, "test", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db))
}

func TestRunInTransaction_RollbackOnError(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	expectedErr := errors.New("function failed")
	err := RunInTransaction(context.Background(), db, "test", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`); err != nil {
			return err
		}
		return expectedErr
	})
	assert.ErrorIs(t, err, expectedErr)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Contains(t, err.Error(), "test")
	assert.Equal(t, 0, countRows(t, db))
}

func TestRunInTransaction_RollbackOnPanic(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	assert.Panics(t, func() {
		_ = RunInTransaction(context.Background(), db, "test", func(ctx context.Context, tx *sql.Tx) error {
			_, _ = tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
			panic("boom")
		})
	})
	assert.Equal(t, 0, countRows(t, db))
}

func TestRunInTransaction_BeginFailure(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	require.NoError(t, db.Close())

	called := false
	err := RunInTransaction(context.Background(), db, "delete_many", func(context.Context, *sql.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Contains(t, err.Error(), "delete_many: begin")
	assert.False(t, called)
}

func TestStoreErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := NewStoreError("context", "claim", "lost race", ErrClaimConflict)
	assert.ErrorIs(t, err, ErrClaimConflict)
	assert.Contains(t, err.Error(), "claim operation on context failed")
	assert.True(t, IsNotFoundError(fmt.Errorf("wrap: %w", ErrNotFound)))
	assert.True(t, IsDuplicateError(ErrDuplicate))
}
