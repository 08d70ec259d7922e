package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"golang.org/x/sync/errgroup"
)

// chunk is a dispatched slice of work items and their child context ids.
type chunk struct {
	index int
	keys  []string
}

// dispatch creates child contexts chunk by chunk while holding the priority
// gate. Item creation failures are recorded on the item and do not stop the
// run. The batch context is checked for cancellation before every chunk.
func (p *Processor) dispatch(ctx context.Context, r *run, work []workItem) ([]chunk, error) {
	if len(work) == 0 {
		return nil, nil
	}

	priority := r.job.EffectivePriority()
	waitStart := p.now()
	release, err := p.gate.Acquire(ctx, priority)
	if err != nil {
		return nil, err
	}
	defer release()
	if waited := p.now().Sub(waitStart); waited > time.Second {
		r.log.Info("dispatch gate acquired", "priority", priority, "waited_ms", waited.Milliseconds())
	}

	var chunks []chunk
	for start, n := 0, 0; start < len(work); start, n = start+p.config.ChunkSize, n+1 {
		end := min(start+p.config.ChunkSize, len(work))
		if err := ctx.Err(); err != nil {
			return chunks, err
		}
		if err := p.checkCancelled(ctx, r); err != nil {
			return chunks, err
		}

		part := work[start:end]
		children := make([]*domain.Context, len(part))
		failures := make([]error, len(part))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.config.Concurrency)
		for i, item := range part {
			g.Go(func() error {
				child, err := item.create(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failures[i] = err
					return nil
				}
				children[i] = child
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return chunks, err
		}

		c := chunk{index: n, keys: make([]string, 0, len(part))}
		now := p.now().UTC()
		for i, item := range part {
			c.keys = append(c.keys, item.key)
			if failures[i] != nil {
				r.log.Warn("failed to create child context", "item_key", item.key, "error", failures[i])
				r.items.Set(item.key, domain.ItemResult{
					Status:      domain.ItemFailed,
					SubjectID:   item.subjectID,
					CompletedAt: &now,
					Error:       failures[i].Error(),
				})
				continue
			}
			r.items.Set(item.key, domain.ItemResult{
				Status:         domain.ItemDispatched,
				ChildContextID: children[i].ID,
				SubjectID:      item.subjectID,
			})
		}
		chunks = append(chunks, c)

		if err := p.save(ctx, r); err != nil {
			return chunks, err
		}
		r.log.Debug("dispatched chunk", "chunk", n, "items", len(part))
	}
	return chunks, nil
}

// await polls the children of each chunk until all are terminal, saving
// progress after every chunk.
func (p *Processor) await(ctx context.Context, r *run, chunks []chunk) error {
	for _, c := range chunks {
		for {
			pending, err := p.poll(ctx, r, c)
			if err != nil {
				return err
			}
			if pending == 0 {
				break
			}
			if p.now().Sub(r.lastSave) >= p.config.Heartbeat {
				if err := p.save(ctx, r); err != nil {
					return err
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.AwaitPollInterval):
			}
		}
		if err := p.save(ctx, r); err != nil {
			return err
		}
		prog := domain.Tally(r.items)
		r.log.Info("chunk completed",
			"chunk", c.index,
			"processed", prog.Processed,
			"succeeded", prog.Succeeded,
			"failed", prog.Failed,
			"total", prog.Total)
	}
	return nil
}

// poll refreshes the non-terminal items of a chunk and returns how many are
// still outstanding.
func (p *Processor) poll(ctx context.Context, r *run, c chunk) (int, error) {
	pending := 0
	for _, key := range c.keys {
		item := r.items.Entries[key]
		if item.Terminal() {
			continue
		}
		child, err := p.deps.Manager.Get(ctx, item.ChildContextID)
		if errors.Is(err, domain.ErrNotFound) {
			now := p.now().UTC()
			item.Status = domain.ItemFailed
			item.CompletedAt = &now
			item.Error = "child context disappeared"
			r.items.Set(key, item)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to poll child %s: %w", item.ChildContextID, err)
		}
		if !child.IsTerminal() {
			pending++
			continue
		}

		completedAt := child.UpdatedAt
		if child.Results != nil && child.Results.CompletedAt != nil {
			completedAt = *child.Results.CompletedAt
		}
		item.CompletedAt = &completedAt
		if child.Succeeded() {
			item.Status = domain.ItemSucceeded
		} else {
			item.Status = domain.ItemFailed
			if child.Results != nil && child.Results.Error != nil {
				item.Error = child.Results.Error.Message
			}
		}
		r.items.Set(key, item)
	}
	return pending, nil
}

// save writes the current items and progress to the batch context. A lost
// compare-and-swap against a batch that is no longer processing means the run
// was cancelled.
func (p *Processor) save(ctx context.Context, r *run) error {
	prog := domain.Tally(r.items)
	r.batch.Results.Items = r.items
	r.batch.Results.Progress = &prog

	err := p.deps.Manager.Save(ctx, r.batch, domain.StatusProcessing)
	if err == nil {
		r.lastSave = p.now()
		return nil
	}
	if errors.Is(err, domain.ErrClaimConflict) {
		if cerr := p.checkCancelled(ctx, r); cerr != nil {
			return cerr
		}
	}
	return fmt.Errorf("failed to save batch %s: %w", r.batch.ID, err)
}

// checkCancelled returns ErrCancelled if the stored batch context has left
// the processing state.
func (p *Processor) checkCancelled(ctx context.Context, r *run) error {
	latest, err := p.deps.Manager.Get(ctx, r.batch.ID)
	if err != nil {
		return fmt.Errorf("failed to read batch %s: %w", r.batch.ID, err)
	}
	if latest.Status != domain.StatusProcessing {
		reason := string(latest.Status)
		if latest.Results != nil && latest.Results.Error != nil {
			reason = latest.Results.Error.Message
		}
		return fmt.Errorf("%w: batch %s: %s", domain.ErrCancelled, r.batch.ID, reason)
	}
	return nil
}
