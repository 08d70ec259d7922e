package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/store"
)

// ErrClaimAbandoned is the cause recorded on contexts reclaimed by the
// stale-claim sweep.
var ErrClaimAbandoned = errors.New("claim abandoned")

// Start launches the periodic maintenance loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the maintenance loop and waits for it to exit.
func (m *Manager) Stop() {
	m.cancelFunc()
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.ReclaimStale(m.ctx); err != nil {
				m.logger.Error("stale claim sweep failed", "error", err)
			} else if n > 0 {
				m.logger.Info("reclaimed stale contexts", "count", n)
			}
			if n, err := m.SweepExpired(m.ctx); err != nil {
				m.logger.Error("retention sweep failed", "error", err)
			} else if n > 0 {
				m.logger.Info("deleted expired contexts", "count", n)
			}
		}
	}
}

// SweepExpired deletes terminal contexts whose retention has elapsed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	deleted := 0
	for {
		expired, err := m.store.FindExpired(ctx, m.now().UTC(), m.config.SweepBatch)
		if err != nil {
			return deleted, fmt.Errorf("failed to find expired contexts: %w", err)
		}
		removed := 0
		for _, c := range expired {
			if err := m.store.Delete(ctx, c.ID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return deleted, fmt.Errorf("failed to delete %s: %w", c.ID, err)
			}
			removed++
		}
		deleted += removed
		if len(expired) < m.config.SweepBatch || removed == 0 {
			break
		}
	}
	m.metrics.RecordSweep("expired", deleted)
	return deleted, nil
}

// ReclaimStale returns abandoned processing contexts to the retry path and
// requeues contexts stranded in failed with a transient error.
// Executable contexts go through Fail with a transient cause, so they are
// requeued while retry budget remains. Batch contexts have no worker to
// requeue them and are failed permanently.
func (m *Manager) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.config.StaleAfter)
	stale, err := m.store.FindStale(ctx, domain.StatusProcessing, cutoff, m.config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale contexts: %w", err)
	}

	reclaimed := 0
	for _, c := range stale {
		cause := fmt.Errorf("%w: held by %q since %s", ErrClaimAbandoned, c.ClaimedBy, c.UpdatedAt.Format(time.RFC3339))

		var ferr error
		if c.Capability == domain.CapabilityBatch {
			ferr = m.FailTerminal(ctx, c, domain.Permanent(cause))
		} else {
			_, ferr = m.Fail(ctx, c, domain.Transient(cause))
		}
		if ferr != nil {
			if errors.Is(ferr, domain.ErrClaimConflict) || errors.Is(ferr, store.ErrNotFound) {
				// The holder wrote back or the context was purged meanwhile.
				continue
			}
			m.logger.Error("failed to reclaim stale context",
				"context_id", c.ID,
				"capability", c.Capability,
				"error", ferr)
			continue
		}
		reclaimed++
	}
	requeued, err := m.requeueStranded(ctx, cutoff)
	reclaimed += requeued
	m.metrics.RecordSweep("reclaimed", reclaimed)
	return reclaimed, err
}

// requeueStranded finishes requeues that were interrupted between the
// transient failure write and the move to pending. Such contexts sit in
// failed with kind transient, where no worker polls them. Batch contexts are
// made terminal instead.
func (m *Manager) requeueStranded(ctx context.Context, cutoff time.Time) (int, error) {
	stranded, err := m.store.FindStale(ctx, domain.StatusFailed, cutoff, m.config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to find stranded contexts: %w", err)
	}

	requeued := 0
	for _, c := range stranded {
		if c.IsTerminal() {
			continue
		}
		now := m.now().UTC()
		var rerr error
		if c.Capability == domain.CapabilityBatch {
			c.Results.Error.Kind = domain.ErrorKindPermanent
			rerr = m.Finish(ctx, c, domain.StatusFailed)
		} else {
			rerr = m.requeue(ctx, c, now)
		}
		if rerr != nil {
			if errors.Is(rerr, domain.ErrClaimConflict) || errors.Is(rerr, store.ErrNotFound) {
				continue
			}
			m.logger.Error("failed to requeue stranded context",
				"context_id", c.ID,
				"capability", c.Capability,
				"error", rerr)
			continue
		}
		m.logger.Info("requeued stranded context", "context_id", c.ID, "capability", c.Capability)
		requeued++
	}
	return requeued, nil
}
