package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/phrazzld/contextflow/internal/store"
)

const selectColumns = `status, version, document`

// ContextStore implements store.ContextStore over database/sql.
type ContextStore struct {
	db      store.DBTX
	dialect Dialect
	now     func() time.Time
}

var (
	_ store.ContextStore = (*ContextStore)(nil)
	_ store.BatchDeleter = (*ContextStore)(nil)
)

// NewContextStore creates a store using db, which may be a *sql.DB or *sql.Tx.
func NewContextStore(db store.DBTX, dialect Dialect) *ContextStore {
	return &ContextStore{db: db, dialect: dialect, now: time.Now}
}

// WithDB returns a store bound to a different handle, typically a transaction.
func (s *ContextStore) WithDB(db store.DBTX) *ContextStore {
	return &ContextStore{db: db, dialect: s.dialect, now: s.now}
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// Put inserts a new context.
func (s *ContextStore) Put(ctx context.Context, c *domain.Context) error {
	log := logger.FromContext(ctx)

	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return store.NewStoreError("context", "put", "failed to encode document", err)
	}

	query := s.dialect.Rebind(`
		INSERT INTO contexts (id, status, capability, priority_rank, subject_id, parent_id,
			version, created_at, updated_at, next_attempt_at, expires_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		string(c.Status),
		string(c.Capability),
		c.Priority.Rank(),
		c.Request.SubjectID,
		c.ParentID,
		c.Version,
		c.CreatedAt.UnixNano(),
		c.UpdatedAt.UnixNano(),
		nanos(c.NextAttemptAt),
		nanos(c.ExpiresAt),
		string(doc),
	)
	if err != nil {
		log.Error("failed to insert context",
			"context_id", c.ID,
			"capability", c.Capability,
			"error", err)
		return MapError(err)
	}
	return nil
}

// Get returns the context with the given id.
func (s *ContextStore) Get(ctx context.Context, id string) (*domain.Context, error) {
	query := s.dialect.Rebind(`SELECT ` + selectColumns + ` FROM contexts WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)

	c, err := scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, MapError(err)
	}
	return c, nil
}

// FindByStatusAndCapability returns matching contexts by priority then age.
func (s *ContextStore) FindByStatusAndCapability(ctx context.Context, status domain.Status, capability domain.Capability, limit int) ([]*domain.Context, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM contexts
		WHERE status = ? AND capability = ?
		ORDER BY priority_rank ASC, created_at ASC, id ASC
		LIMIT ?
	`, string(status), string(capability), limitOrAll(limit))
}

// FindRunnable returns created and due pending contexts by priority then age.
func (s *ContextStore) FindRunnable(ctx context.Context, capability domain.Capability, now time.Time, limit int) ([]*domain.Context, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM contexts
		WHERE capability = ?
			AND (status = ? OR (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)))
		ORDER BY priority_rank ASC, created_at ASC, id ASC
		LIMIT ?
	`, string(capability), string(domain.StatusCreated), string(domain.StatusPending), now.UnixNano(), limitOrAll(limit))
}

// AtomicClaim moves a context from one status to another if uncontested.
func (s *ContextStore) AtomicClaim(ctx context.Context, id string, from, to domain.Status, owner string) (*domain.Context, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != from {
		return nil, fmt.Errorf("%w: context %s is %s, not %s", store.ErrClaimConflict, id, c.Status, from)
	}

	now := s.now().UTC()
	if err := c.SetStatus(to, now); err != nil {
		return nil, err
	}
	c.ClaimedBy = owner
	c.ClaimedAt = &now

	if err := s.swap(ctx, c, from); err != nil {
		return nil, err
	}
	return c, nil
}

// Update replaces a context if its status and version are unchanged.
func (s *ContextStore) Update(ctx context.Context, c *domain.Context, expected domain.Status) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	return s.swap(ctx, c, expected)
}

// swap writes c guarded by the expected status and c's current version, and
// increments c.Version on success.
func (s *ContextStore) swap(ctx context.Context, c *domain.Context, expected domain.Status) error {
	expectedVersion := c.Version
	c.Version++
	doc, err := json.Marshal(c)
	if err != nil {
		c.Version = expectedVersion
		return store.NewStoreError("context", "update", "failed to encode document", err)
	}

	query := s.dialect.Rebind(`
		UPDATE contexts
		SET status = ?, priority_rank = ?, subject_id = ?, version = ?, updated_at = ?,
			next_attempt_at = ?, expires_at = ?, document = ?
		WHERE id = ? AND status = ? AND version = ?
	`)
	result, err := s.db.ExecContext(ctx, query,
		string(c.Status),
		c.Priority.Rank(),
		c.Request.SubjectID,
		c.Version,
		c.UpdatedAt.UnixNano(),
		nanos(c.NextAttemptAt),
		nanos(c.ExpiresAt),
		string(doc),
		c.ID,
		string(expected),
		expectedVersion,
	)
	if err != nil {
		c.Version = expectedVersion
		return MapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		c.Version = expectedVersion
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		c.Version = expectedVersion
		if _, getErr := s.Get(ctx, c.ID); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("%w: context %s no longer %s@%d", store.ErrClaimConflict, c.ID, expected, expectedVersion)
	}
	return nil
}

// Delete removes a context.
func (s *ContextStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM contexts WHERE id = ?`), id)
	if err != nil {
		return MapError(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteMany removes the contexts in one transaction and returns how many
// existed. A store already bound to a transaction deletes within it.
func (s *ContextStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return s.deleteAll(ctx, ids)
	}

	var deleted int
	err := store.RunInTransaction(ctx, db, "delete_many", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		deleted, err = s.WithDB(tx).deleteAll(ctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *ContextStore) deleteAll(ctx context.Context, ids []string) (int, error) {
	query := s.dialect.Rebind(`DELETE FROM contexts WHERE id = ?`)
	deleted := 0
	for _, id := range ids {
		result, err := s.db.ExecContext(ctx, query, id)
		if err != nil {
			return deleted, MapError(err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

// FindExpired returns contexts whose expiry has passed.
func (s *ContextStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Context, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM contexts
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, now.UnixNano(), limitOrAll(limit))
}

// FindStale returns contexts left in status since before updatedBefore.
func (s *ContextStore) FindStale(ctx context.Context, status domain.Status, updatedBefore time.Time, limit int) ([]*domain.Context, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM contexts
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, string(status), updatedBefore.UnixNano(), limitOrAll(limit))
}

// FindBySubject returns a subject's contexts of one capability, newest first.
func (s *ContextStore) FindBySubject(ctx context.Context, subjectID string, capability domain.Capability, limit int) ([]*domain.Context, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM contexts
		WHERE subject_id = ? AND capability = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, subjectID, string(capability), limitOrAll(limit))
}

func (s *ContextStore) query(ctx context.Context, query string, args ...any) ([]*domain.Context, error) {
	log := logger.FromContext(ctx)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		log.Error("failed to query contexts", "error", err)
		return nil, MapError(err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Error("failed to close rows", "error", closeErr)
		}
	}()

	var out []*domain.Context
	for rows.Next() {
		c, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (*domain.Context, error) {
	var (
		status  string
		version int64
		doc     string
	)
	if err := row.Scan(&status, &version, &doc); err != nil {
		return nil, err
	}

	var c domain.Context
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, store.NewStoreError("context", "decode", "failed to decode document", err)
	}
	// Columns are authoritative for the CAS fields.
	c.Status = domain.Status(status)
	c.Version = version
	return &c, nil
}

// limitOrAll maps a non-positive limit to an effectively unbounded one.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
