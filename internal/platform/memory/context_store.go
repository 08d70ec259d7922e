package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/store"
)

// ContextStore is a mutex-guarded map of context documents.
type ContextStore struct {
	mu   sync.RWMutex
	docs map[string]record
	now  func() time.Time
}

type record struct {
	status  domain.Status
	version int64
	data    []byte
}

var _ store.ContextStore = (*ContextStore)(nil)

// NewContextStore returns an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{
		docs: make(map[string]record),
		now:  time.Now,
	}
}

// WithClock replaces the clock used to stamp claims. It is intended for tests.
func (s *ContextStore) WithClock(now func() time.Time) *ContextStore {
	s.now = now
	return s
}

// Len returns the number of stored contexts.
func (s *ContextStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func encode(c *domain.Context) (record, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return record{}, store.NewStoreError("context", "encode", "failed to encode document", err)
	}
	return record{status: c.Status, version: c.Version, data: data}, nil
}

func decode(r record) (*domain.Context, error) {
	var c domain.Context
	if err := json.Unmarshal(r.data, &c); err != nil {
		return nil, store.NewStoreError("context", "decode", "failed to decode document", err)
	}
	return &c, nil
}

// Put inserts a new context.
func (s *ContextStore) Put(ctx context.Context, c *domain.Context) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	rec, err := encode(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[c.ID]; ok {
		return fmt.Errorf("%w: context %s", store.ErrDuplicate, c.ID)
	}
	s.docs[c.ID] = rec
	return nil
}

// Get returns a copy of the stored context.
func (s *ContextStore) Get(ctx context.Context, id string) (*domain.Context, error) {
	s.mu.RLock()
	rec, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return decode(rec)
}

// FindByStatusAndCapability returns matching contexts by priority then age.
func (s *ContextStore) FindByStatusAndCapability(ctx context.Context, status domain.Status, capability domain.Capability, limit int) ([]*domain.Context, error) {
	return s.scan(limit, func(c *domain.Context) bool {
		return c.Status == status && c.Capability == capability
	}, byPriority)
}

// FindRunnable returns created and due pending contexts by priority then age.
func (s *ContextStore) FindRunnable(ctx context.Context, capability domain.Capability, now time.Time, limit int) ([]*domain.Context, error) {
	return s.scan(limit, func(c *domain.Context) bool {
		if c.Capability != capability {
			return false
		}
		return c.Status == domain.StatusCreated || (c.Status == domain.StatusPending && c.Due(now))
	}, byPriority)
}

func byPriority(a, b *domain.Context) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// AtomicClaim moves a context from one status to another if uncontested.
func (s *ContextStore) AtomicClaim(ctx context.Context, id string, from, to domain.Status, owner string) (*domain.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.status != from {
		return nil, fmt.Errorf("%w: context %s is %s, not %s", store.ErrClaimConflict, id, rec.status, from)
	}

	c, err := decode(rec)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := c.SetStatus(to, now); err != nil {
		return nil, err
	}
	c.ClaimedBy = owner
	c.ClaimedAt = &now
	c.Version++

	next, err := encode(c)
	if err != nil {
		return nil, err
	}
	s.docs[id] = next
	return c, nil
}

// Update replaces a context if its status and version are unchanged.
func (s *ContextStore) Update(ctx context.Context, c *domain.Context, expected domain.Status) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	if rec.status != expected || rec.version != c.Version {
		return fmt.Errorf("%w: context %s is %s@%d, expected %s@%d",
			store.ErrClaimConflict, c.ID, rec.status, rec.version, expected, c.Version)
	}

	c.Version++
	next, err := encode(c)
	if err != nil {
		c.Version--
		return err
	}
	s.docs[c.ID] = next
	return nil
}

// Delete removes a context.
func (s *ContextStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// FindExpired returns contexts whose expiry has passed.
func (s *ContextStore) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Context, error) {
	return s.scan(limit, func(c *domain.Context) bool {
		return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
	}, func(a, b *domain.Context) bool {
		return a.ExpiresAt.Before(*b.ExpiresAt)
	})
}

// FindStale returns contexts left in status since before updatedBefore.
func (s *ContextStore) FindStale(ctx context.Context, status domain.Status, updatedBefore time.Time, limit int) ([]*domain.Context, error) {
	return s.scan(limit, func(c *domain.Context) bool {
		return c.Status == status && c.UpdatedAt.Before(updatedBefore)
	}, func(a, b *domain.Context) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

// FindBySubject returns a subject's contexts of one capability, newest first.
func (s *ContextStore) FindBySubject(ctx context.Context, subjectID string, capability domain.Capability, limit int) ([]*domain.Context, error) {
	return s.scan(limit, func(c *domain.Context) bool {
		return c.Request.SubjectID == subjectID && c.Capability == capability
	}, func(a, b *domain.Context) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})
}

func (s *ContextStore) scan(limit int, match func(*domain.Context) bool, less func(a, b *domain.Context) bool) ([]*domain.Context, error) {
	s.mu.RLock()
	var out []*domain.Context
	for _, rec := range s.docs {
		c, err := decode(rec)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		if match(c) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
