// Package storetest holds a behavioural test suite that every
// store.ContextStore implementation runs against itself.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
	"github.com/phrazzld/contextflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.ContextStore

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// NewContext builds a created context with a fresh id for tests.
func NewContext(t *testing.T, capability domain.Capability, priority domain.Priority, created time.Time) *domain.Context {
	t.Helper()
	id, err := ident.New(ident.PrefixContext, "test", created)
	require.NoError(t, err)
	c := domain.NewContext(id, capability, domain.Request{SubjectID: "u1", Text: "hello"}, domain.Template{
		Name: "sentiment", Purpose: "sentiment", Capability: capability, Version: "1",
	}, created)
	c.Priority = priority
	return c
}

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("PutDuplicate", func(t *testing.T) { testPutDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("FindOrdering", func(t *testing.T) { testFindOrdering(t, newStore(t)) })
	t.Run("FindRunnable", func(t *testing.T) { testFindRunnable(t, newStore(t)) })
	t.Run("AtomicClaim", func(t *testing.T) { testAtomicClaim(t, newStore(t)) })
	t.Run("AtomicClaimRace", func(t *testing.T) { testAtomicClaimRace(t, newStore(t)) })
	t.Run("UpdateCAS", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("FindExpiredAndStale", func(t *testing.T) { testFindExpiredAndStale(t, newStore(t)) })
	t.Run("FindBySubject", func(t *testing.T) { testFindBySubject(t, newStore(t)) })
}

func testPutGet(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	c := NewContext(t, domain.CapabilityAnalysis, domain.PriorityHigh, base)
	c.Tags[domain.TagJob] = "nightly"
	require.NoError(t, s.Put(ctx, c))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, domain.StatusCreated, got.Status)
	assert.Equal(t, "nightly", got.Tags[domain.TagJob])
	assert.Equal(t, "sentiment", got.Template.Name)
	assert.True(t, base.Equal(got.CreatedAt))

	got.Tags["mutated"] = "yes"
	again, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.NotContains(t, again.Tags, "mutated", "returned documents must not alias stored state")
}

func testPutDuplicate(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	c := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	require.NoError(t, s.Put(ctx, c))
	assert.ErrorIs(t, s.Put(ctx, c), store.ErrDuplicate)
}

func testGetMissing(t *testing.T, s store.ContextStore) {
	_, err := s.Get(context.Background(), "ctx_000000000000_test_000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testFindOrdering(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	low := NewContext(t, domain.CapabilityAnalysis, domain.PriorityLow, base)
	highLate := NewContext(t, domain.CapabilityAnalysis, domain.PriorityHigh, base.Add(2*time.Minute))
	highEarly := NewContext(t, domain.CapabilityAnalysis, domain.PriorityHigh, base.Add(time.Minute))
	medium := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	other := NewContext(t, domain.CapabilityGenerative, domain.PriorityHigh, base)
	for _, c := range []*domain.Context{low, highLate, highEarly, medium, other} {
		require.NoError(t, s.Put(ctx, c))
	}

	found, err := s.FindByStatusAndCapability(ctx, domain.StatusCreated, domain.CapabilityAnalysis, 10)
	require.NoError(t, err)
	require.Len(t, found, 4)
	assert.Equal(t, []string{highEarly.ID, highLate.ID, medium.ID, low.ID}, ids(found))

	limited, err := s.FindByStatusAndCapability(ctx, domain.StatusCreated, domain.CapabilityAnalysis, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{highEarly.ID, highLate.ID}, ids(limited))
}

// Pending returns a pending context whose next attempt is at next.
func Pending(t *testing.T, capability domain.Capability, priority domain.Priority, created time.Time, next *time.Time) *domain.Context {
	t.Helper()
	c := NewContext(t, capability, priority, created)
	c.Status = domain.StatusPending
	c.Tags[domain.TagStatus] = string(domain.StatusPending)
	c.RetryCount = 1
	c.NextAttemptAt = next
	return c
}

func testFindRunnable(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	later := base.Add(time.Hour)
	earlier := base.Add(-time.Minute)

	backingOff := Pending(t, domain.CapabilityAnalysis, domain.PriorityHigh, base.Add(-time.Hour), &later)
	dueLow := Pending(t, domain.CapabilityAnalysis, domain.PriorityLow, base.Add(-time.Hour), &earlier)
	dueExact := Pending(t, domain.CapabilityAnalysis, domain.PriorityMedium, base, &base)
	unscheduled := Pending(t, domain.CapabilityAnalysis, domain.PriorityMedium, base.Add(-time.Minute), nil)
	createdHigh := NewContext(t, domain.CapabilityAnalysis, domain.PriorityHigh, base)
	createdLow := NewContext(t, domain.CapabilityAnalysis, domain.PriorityLow, base.Add(-2*time.Hour))
	processing := NewContext(t, domain.CapabilityAnalysis, domain.PriorityHigh, base.Add(-3*time.Hour))
	processing.Status = domain.StatusProcessing
	processing.Tags[domain.TagStatus] = string(domain.StatusProcessing)
	other := Pending(t, domain.CapabilityGenerative, domain.PriorityHigh, base.Add(-time.Hour), nil)
	for _, c := range []*domain.Context{backingOff, dueLow, dueExact, unscheduled, createdHigh, createdLow, processing, other} {
		require.NoError(t, s.Put(ctx, c))
	}

	found, err := s.FindRunnable(ctx, domain.CapabilityAnalysis, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{createdHigh.ID, unscheduled.ID, dueExact.ID, createdLow.ID, dueLow.ID}, ids(found),
		"created and due pending contexts share one priority ordering")

	limited, err := s.FindRunnable(ctx, domain.CapabilityAnalysis, base, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{createdHigh.ID, unscheduled.ID}, ids(limited))

	afterBackoff, err := s.FindRunnable(ctx, domain.CapabilityAnalysis, later, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{backingOff.ID}, ids(afterBackoff))
}

func testAtomicClaim(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	c := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	require.NoError(t, s.Put(ctx, c))

	claimed, err := s.AtomicClaim(ctx, c.ID, domain.StatusCreated, domain.StatusProcessing, "analysis-0")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, claimed.Status)
	assert.Equal(t, "analysis-0", claimed.ClaimedBy)
	assert.Equal(t, "processing", claimed.Tags[domain.TagStatus])
	require.NotNil(t, claimed.ClaimedAt)

	_, err = s.AtomicClaim(ctx, c.ID, domain.StatusCreated, domain.StatusProcessing, "analysis-1")
	assert.ErrorIs(t, err, store.ErrClaimConflict)

	_, err = s.AtomicClaim(ctx, "ctx_000000000000_test_000000000000", domain.StatusCreated, domain.StatusProcessing, "x")
	assert.ErrorIs(t, err, store.ErrNotFound)

	stored, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
	assert.Equal(t, "analysis-0", stored.ClaimedBy)
}

func testAtomicClaimRace(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	const contexts = 10
	const claimers = 8

	var targets []*domain.Context
	for i := 0; i < contexts; i++ {
		c := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Put(ctx, c))
		targets = append(targets, c)
	}

	for _, target := range targets {
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for w := 0; w < claimers; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				<-start
				_, err := s.AtomicClaim(ctx, target.ID, domain.StatusCreated, domain.StatusProcessing, fmt.Sprintf("w-%d", worker))
				switch {
				case err == nil:
					wins.Add(1)
				case assert.ErrorIs(t, err, store.ErrClaimConflict):
					conflicts.Add(1)
				}
			}(w)
		}
		close(start)
		wg.Wait()

		assert.EqualValues(t, 1, wins.Load(), "exactly one claimer must win %s", target.ID)
		assert.EqualValues(t, claimers-1, conflicts.Load())
	}
}

func testUpdateCAS(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	c := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	require.NoError(t, s.Put(ctx, c))
	claimed, err := s.AtomicClaim(ctx, c.ID, domain.StatusCreated, domain.StatusProcessing, "w")
	require.NoError(t, err)

	stale := claimed.Clone()

	require.NoError(t, claimed.SetStatus(domain.StatusCompleted, base.Add(time.Minute)))
	claimed.Results = &domain.Results{Output: []byte(`{"score":0.9}`)}
	version := claimed.Version
	require.NoError(t, s.Update(ctx, claimed, domain.StatusProcessing))
	assert.Equal(t, version+1, claimed.Version)

	require.NoError(t, stale.SetStatus(domain.StatusFailed, base.Add(time.Minute)))
	err = s.Update(ctx, stale, domain.StatusProcessing)
	assert.ErrorIs(t, err, store.ErrClaimConflict, "a second writer with the old status must lose")

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"score":0.9}`, string(got.Results.Output))

	missing := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	assert.ErrorIs(t, s.Update(ctx, missing, domain.StatusCreated), store.ErrNotFound)
}

func testDelete(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	c := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	require.NoError(t, s.Put(ctx, c))
	require.NoError(t, s.Delete(ctx, c.ID))
	_, err := s.Get(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, c.ID), store.ErrNotFound)
}

func testFindExpiredAndStale(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	expired := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	past := base.Add(-time.Hour)
	expired.ExpiresAt = &past
	fresh := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	future := base.Add(time.Hour)
	fresh.ExpiresAt = &future
	stale := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base.Add(-2*time.Hour))
	stale.Status = domain.StatusProcessing
	stale.Tags[domain.TagStatus] = string(domain.StatusProcessing)
	for _, c := range []*domain.Context{expired, fresh, stale} {
		require.NoError(t, s.Put(ctx, c))
	}

	found, err := s.FindExpired(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{expired.ID}, ids(found))

	staleFound, err := s.FindStale(ctx, domain.StatusProcessing, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids(staleFound))
}

func testFindBySubject(t *testing.T, s store.ContextStore) {
	ctx := context.Background()
	older := NewContext(t, domain.CapabilityReference, domain.PriorityMedium, base)
	older.Request.SubjectID = "u1"
	newer := NewContext(t, domain.CapabilityReference, domain.PriorityMedium, base.Add(time.Minute))
	newer.Request.SubjectID = "u1"
	otherSubject := NewContext(t, domain.CapabilityReference, domain.PriorityMedium, base)
	otherSubject.Request.SubjectID = "u2"
	otherCapability := NewContext(t, domain.CapabilityAnalysis, domain.PriorityMedium, base)
	for _, c := range []*domain.Context{older, newer, otherSubject, otherCapability} {
		require.NoError(t, s.Put(ctx, c))
	}

	found, err := s.FindBySubject(ctx, "u1", domain.CapabilityReference, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{newer.ID, older.ID}, ids(found))
}

func ids(cs []*domain.Context) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}
