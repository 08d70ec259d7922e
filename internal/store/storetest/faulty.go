package storetest

import (
	"context"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/store"
)

// FaultyStore wraps a ContextStore and lets tests intercept individual
// operations. A nil hook passes the call through to the wrapped store.
type FaultyStore struct {
	store.ContextStore

	PutFn          func(ctx context.Context, c *domain.Context) error
	GetFn          func(ctx context.Context, id string) (*domain.Context, error)
	FindRunnableFn func(ctx context.Context, capability domain.Capability, now time.Time, limit int) ([]*domain.Context, error)
	AtomicClaimFn  func(ctx context.Context, id string, from, to domain.Status, owner string) (*domain.Context, error)
	UpdateFn       func(ctx context.Context, c *domain.Context, expected domain.Status) error
}

var _ store.ContextStore = (*FaultyStore)(nil)

// NewFaultyStore wraps inner with no hooks installed.
func NewFaultyStore(inner store.ContextStore) *FaultyStore {
	return &FaultyStore{ContextStore: inner}
}

func (f *FaultyStore) Put(ctx context.Context, c *domain.Context) error {
	if f.PutFn != nil {
		return f.PutFn(ctx, c)
	}
	return f.ContextStore.Put(ctx, c)
}

func (f *FaultyStore) Get(ctx context.Context, id string) (*domain.Context, error) {
	if f.GetFn != nil {
		return f.GetFn(ctx, id)
	}
	return f.ContextStore.Get(ctx, id)
}

func (f *FaultyStore) FindRunnable(ctx context.Context, capability domain.Capability, now time.Time, limit int) ([]*domain.Context, error) {
	if f.FindRunnableFn != nil {
		return f.FindRunnableFn(ctx, capability, now, limit)
	}
	return f.ContextStore.FindRunnable(ctx, capability, now, limit)
}

func (f *FaultyStore) AtomicClaim(ctx context.Context, id string, from, to domain.Status, owner string) (*domain.Context, error) {
	if f.AtomicClaimFn != nil {
		return f.AtomicClaimFn(ctx, id, from, to, owner)
	}
	return f.ContextStore.AtomicClaim(ctx, id, from, to, owner)
}

func (f *FaultyStore) Update(ctx context.Context, c *domain.Context, expected domain.Status) error {
	if f.UpdateFn != nil {
		return f.UpdateFn(ctx, c, expected)
	}
	return f.ContextStore.Update(ctx, c, expected)
}
