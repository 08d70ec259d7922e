package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *gateClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *gateClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// enqueue starts a goroutine that acquires g and reports its name on order
// once granted. It returns after the goroutine is queued.
func enqueue(t *testing.T, g *Gate, p domain.Priority, name string, order chan<- string) {
	t.Helper()
	before := g.Waiting()
	go func() {
		release, err := g.Acquire(context.Background(), p)
		if err != nil {
			order <- "error:" + name
			return
		}
		order <- name
		release()
	}()
	require.Eventually(t, func() bool { return g.Waiting() == before+1 }, time.Second, time.Millisecond)
}

func TestGatePriorityOrder(t *testing.T) {
	g := NewGate(0)
	release, err := g.Acquire(context.Background(), domain.PriorityLow)
	require.NoError(t, err)

	order := make(chan string, 3)
	enqueue(t, g, domain.PriorityLow, "low", order)
	enqueue(t, g, domain.PriorityMedium, "medium", order)
	enqueue(t, g, domain.PriorityHigh, "high", order)

	release()
	got := []string{<-order, <-order, <-order}
	assert.Equal(t, []string{"high", "medium", "low"}, got)
	assert.Equal(t, 0, g.Waiting())
}

func TestGateFIFOWithinPriority(t *testing.T) {
	g := NewGate(0)
	release, err := g.Acquire(context.Background(), domain.PriorityHigh)
	require.NoError(t, err)

	order := make(chan string, 3)
	enqueue(t, g, domain.PriorityMedium, "first", order)
	enqueue(t, g, domain.PriorityMedium, "second", order)
	enqueue(t, g, domain.PriorityMedium, "third", order)

	release()
	assert.Equal(t, []string{"first", "second", "third"}, []string{<-order, <-order, <-order})
}

func TestGateAgingPromotesLowPriority(t *testing.T) {
	clock := &gateClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGate(time.Minute)
	g.now = clock.Now

	release, err := g.Acquire(context.Background(), domain.PriorityMedium)
	require.NoError(t, err)

	order := make(chan string, 2)
	enqueue(t, g, domain.PriorityLow, "aged-low", order)
	clock.Advance(2 * time.Minute)
	enqueue(t, g, domain.PriorityHigh, "fresh-high", order)

	// aged-low has reached high and arrived first.
	release()
	assert.Equal(t, []string{"aged-low", "fresh-high"}, []string{<-order, <-order})
}

func TestGateAcquireCancelled(t *testing.T) {
	g := NewGate(0)
	release, err := g.Acquire(context.Background(), domain.PriorityMedium)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, domain.PriorityHigh)
		done <- err
	}()
	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, g.Waiting())

	release()
	next, err := g.Acquire(context.Background(), domain.PriorityLow)
	require.NoError(t, err)
	next()
}

func TestGateReleaseIdempotent(t *testing.T) {
	g := NewGate(0)
	release, err := g.Acquire(context.Background(), domain.PriorityMedium)
	require.NoError(t, err)
	release()
	release()

	again, err := g.Acquire(context.Background(), domain.PriorityMedium)
	require.NoError(t, err)
	again()
}
