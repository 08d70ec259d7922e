package batch

import (
	"context"
	"sync"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
)

// Gate serializes the dispatch phase of concurrent batch runs. The holder
// with the best effective priority goes next; within a priority waiters are
// served in arrival order. A waiter's effective priority improves by one
// level for every aging interval it has waited, so low priority runs are
// eventually promoted.
type Gate struct {
	mu      sync.Mutex
	busy    bool
	waiters []*waiter
	seq     uint64
	aging   time.Duration
	now     func() time.Time
}

type waiter struct {
	rank    int
	seq     uint64
	since   time.Time
	ready   chan struct{}
	granted bool
}

// NewGate creates a gate. A non-positive aging interval disables promotion.
func NewGate(aging time.Duration) *Gate {
	return &Gate{aging: aging, now: time.Now}
}

// Acquire blocks until the caller may dispatch. The returned function must be
// called exactly once to hand the gate to the next waiter.
func (g *Gate) Acquire(ctx context.Context, p domain.Priority) (func(), error) {
	g.mu.Lock()
	if !g.busy && len(g.waiters) == 0 {
		g.busy = true
		g.mu.Unlock()
		return g.releaseFunc(), nil
	}
	g.seq++
	w := &waiter{
		rank:  p.Rank(),
		seq:   g.seq,
		since: g.now(),
		ready: make(chan struct{}),
	}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return g.releaseFunc(), nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			g.mu.Unlock()
			g.release()
			return nil, ctx.Err()
		}
		for i, other := range g.waiters {
			if other == w {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Waiting returns the number of blocked callers.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

func (g *Gate) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(g.release) }
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) == 0 {
		g.busy = false
		return
	}
	now := g.now()
	best := 0
	for i := 1; i < len(g.waiters); i++ {
		if g.before(g.waiters[i], g.waiters[best], now) {
			best = i
		}
	}
	next := g.waiters[best]
	g.waiters = append(g.waiters[:best], g.waiters[best+1:]...)
	next.granted = true
	close(next.ready)
}

func (g *Gate) effectiveRank(w *waiter, now time.Time) int {
	rank := w.rank
	if g.aging > 0 {
		rank -= int(now.Sub(w.since) / g.aging)
	}
	if rank < 0 {
		rank = 0
	}
	return rank
}

func (g *Gate) before(a, b *waiter, now time.Time) bool {
	ra, rb := g.effectiveRank(a, now), g.effectiveRank(b, now)
	if ra != rb {
		return ra < rb
	}
	return a.seq < b.seq
}
