package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/store"
)

// Set is the lookup table of pools by capability.
type Set struct {
	pools map[domain.Capability]*Pool
	store store.ContextStore
}

// NewSet builds a set from pools. Two pools may not serve one capability.
func NewSet(s store.ContextStore, pools ...*Pool) (*Set, error) {
	set := &Set{pools: make(map[domain.Capability]*Pool, len(pools)), store: s}
	for _, p := range pools {
		if _, dup := set.pools[p.capability]; dup {
			return nil, domain.Validationf("duplicate worker pool for capability %s", p.capability)
		}
		set.pools[p.capability] = p
	}
	return set, nil
}

// Capabilities returns the served capabilities in sorted order.
func (s *Set) Capabilities() []domain.Capability {
	out := make([]domain.Capability, 0, len(s.pools))
	for c := range s.pools {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pool returns the pool of capability.
func (s *Set) Pool(c domain.Capability) (*Pool, bool) {
	p, ok := s.pools[c]
	return p, ok
}

// Start starts every pool.
func (s *Set) Start() {
	for _, c := range s.Capabilities() {
		s.pools[c].Start()
	}
}

// Stop stops every pool.
func (s *Set) Stop() {
	for _, c := range s.Capabilities() {
		s.pools[c].Stop()
	}
}

// ExecuteNow runs context id synchronously on the pool of its capability.
func (s *Set) ExecuteNow(ctx context.Context, id string) (*domain.Context, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, ok := s.pools[c.Capability]
	if !ok {
		return nil, fmt.Errorf("%w: no worker pool for capability %s", domain.ErrCapabilityUnavailable, c.Capability)
	}
	return p.ExecuteNow(ctx, id)
}
