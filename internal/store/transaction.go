package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/phrazzld/contextflow/internal/platform/logger"
)

// TxFn runs context store statements inside one transaction.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// RunInTransaction runs fn in a transaction on db and commits if fn returns
// nil. On error or panic the transaction is rolled back. op names the store
// operation in logs and errors. Every returned error matches
// ErrTransactionFailed and wraps the underlying cause.
func RunInTransaction(ctx context.Context, db *sql.DB, op string, fn TxFn) error {
	log := logger.FromContext(ctx).With("entity", "context", "op", op)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("could not open context transaction", "error", err)
		return fmt.Errorf("%w: %s: begin: %w", ErrTransactionFailed, op, err)
	}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("rollback after panic failed", "error", rbErr, "panic", p)
		} else {
			log.Error("context transaction rolled back after panic", "panic", p)
		}
		// ALLOW-PANIC: re-raised after rollback
		panic(p)
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("rollback failed", "error", rbErr, "cause", err)
			return fmt.Errorf("%w: %s: rollback: %v (cause: %w)", ErrTransactionFailed, op, rbErr, err)
		}
		log.Debug("context transaction rolled back", "cause", err)
		return fmt.Errorf("%w: %s: %w", ErrTransactionFailed, op, err)
	}

	if err := tx.Commit(); err != nil {
		log.Error("context transaction commit failed", "error", err)
		return fmt.Errorf("%w: %s: commit: %w", ErrTransactionFailed, op, err)
	}
	log.Debug("context transaction committed")
	return nil
}
