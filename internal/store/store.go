package store

import (
	"context"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
)

// ContextStore persists context documents keyed by their identifier.
//
// Every mutating write is a compare-and-swap: implementations must guarantee
// that of two concurrent writers expecting the same status and version, at
// most one succeeds and the other receives ErrClaimConflict.
type ContextStore interface {
	// Put inserts a new context. It returns ErrDuplicate if the id exists.
	Put(ctx context.Context, c *domain.Context) error

	// Get returns the context with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Context, error)

	// FindByStatusAndCapability returns up to limit contexts in the given
	// status and capability, ordered by priority rank then creation time.
	FindByStatusAndCapability(ctx context.Context, status domain.Status, capability domain.Capability, limit int) ([]*domain.Context, error)

	// FindRunnable returns up to limit contexts of a capability that a worker
	// may claim at now: every created context and every pending context whose
	// next attempt is unset or at or before now. Both statuses share one
	// ordering by priority rank, creation time then id.
	FindRunnable(ctx context.Context, capability domain.Capability, now time.Time, limit int) ([]*domain.Context, error)

	// AtomicClaim moves the context from status from to status to, recording
	// owner as the claim holder. It succeeds only if the stored status still
	// equals from; otherwise it returns ErrClaimConflict. The updated context
	// is returned.
	AtomicClaim(ctx context.Context, id string, from, to domain.Status, owner string) (*domain.Context, error)

	// Update replaces the stored document with c if the stored status equals
	// expected and the stored version equals c.Version. On success c.Version
	// is incremented. A lost race returns ErrClaimConflict.
	Update(ctx context.Context, c *domain.Context, expected domain.Status) error

	// Delete removes the context. It returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, id string) error

	// FindExpired returns up to limit contexts whose expiry is at or before now.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Context, error)

	// FindStale returns up to limit contexts in status whose last update is
	// before updatedBefore.
	FindStale(ctx context.Context, status domain.Status, updatedBefore time.Time, limit int) ([]*domain.Context, error)

	// FindBySubject returns up to limit contexts of a capability whose request
	// targets subjectID, newest first.
	FindBySubject(ctx context.Context, subjectID string, capability domain.Capability, limit int) ([]*domain.Context, error)
}

// BatchDeleter is implemented by stores that can remove many contexts
// atomically. Missing ids are skipped and not counted.
type BatchDeleter interface {
	DeleteMany(ctx context.Context, ids []string) (int, error)
}
