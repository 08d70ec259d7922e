package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/taskservice"
	"golang.org/x/sync/errgroup"
)

// planner fetches the input of a run and returns the items to dispatch.
// Subjects rejected by validation are recorded on r.items.
type planner func(ctx context.Context, r *run) ([]workItem, error)

// workItem is one child context to be created.
type workItem struct {
	key       string
	subjectID string
	tenantID  string
	create    func(ctx context.Context) (*domain.Context, error)
}

// reservedKey is never used as an item key; it holds the rejected subjects.
const reservedKey = "invalid_users"

func (p *Processor) childOptions(r *run) taskservice.CreateOptions {
	return taskservice.CreateOptions{
		Priority: r.job.EffectivePriority(),
		ParentID: r.batch.ID,
		JobID:    r.job.ID,
		Retry:    r.job.Retry,
	}
}

// planIndividual pages through the data source, validates subjects and
// creates one work item per valid item.
func (p *Processor) planIndividual(ctx context.Context, r *run) ([]workItem, error) {
	pageSize := r.job.Source.PageSize
	if pageSize <= 0 {
		pageSize = p.config.PageSize
	}
	maxItems := r.job.Source.MaxItems

	var fetched []domain.Item
	cursor := ""
	for {
		limit := pageSize
		if maxItems > 0 && maxItems-len(fetched) < limit {
			limit = maxItems - len(fetched)
		}
		page, err := p.deps.Data.FetchItems(ctx, r.job.Source.Filter, limit, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch items: %w", err)
		}
		fetched = append(fetched, page.Items...)
		r.log.Debug("fetched item page", "count", len(page.Items), "total", len(fetched))

		if page.NextCursor == "" || len(page.Items) == 0 || (maxItems > 0 && len(fetched) >= maxItems) {
			break
		}
		cursor = page.NextCursor
	}
	if maxItems > 0 && len(fetched) > maxItems {
		fetched = fetched[:maxItems]
	}

	valid, err := p.validateSubjects(ctx, r, subjectsOf(fetched))
	if err != nil {
		return nil, err
	}

	opts := p.childOptions(r)
	seen := map[string]bool{}
	work := make([]workItem, 0, len(fetched))
	for i, item := range fetched {
		if item.SubjectID != "" && !valid[item.SubjectID] {
			continue
		}
		key := item.Key
		if key == "" || key == reservedKey {
			key = "item-" + strconv.Itoa(i)
		}
		if seen[key] {
			r.log.Warn("skipping duplicate item key", "item_key", key)
			continue
		}
		seen[key] = true
		item.Key = key

		work = append(work, workItem{
			key:       key,
			subjectID: item.SubjectID,
			tenantID:  item.TenantID,
			create: func(ctx context.Context) (*domain.Context, error) {
				return p.deps.Tasks.CreateIndividual(ctx, item, r.tmpl, opts)
			},
		})
	}
	return work, nil
}

// planObject fetches one category and wraps it in a single work item.
func (p *Processor) planObject(ctx context.Context, r *run) ([]workItem, error) {
	categoryID := r.job.Source.CategoryID
	payload, err := p.deps.Data.FetchCategory(ctx, categoryID, r.job.Source.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch category %s: %w", categoryID, err)
	}
	opts := p.childOptions(r)
	return []workItem{{
		key: categoryID,
		create: func(ctx context.Context) (*domain.Context, error) {
			return p.deps.Tasks.CreateObjectBatch(ctx, categoryID, payload, r.tmpl, opts)
		},
	}}, nil
}

// planCombined fetches several categories concurrently and merges them into
// a single work item.
func (p *Processor) planCombined(ctx context.Context, r *run) ([]workItem, error) {
	ids := append([]string(nil), r.job.Source.CategoryIDs...)
	sort.Strings(ids)

	var mu sync.Mutex
	payloads := make(map[string]json.RawMessage, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			payload, err := p.deps.Data.FetchCategory(gctx, id, r.job.Source.Filter)
			if err != nil {
				return fmt.Errorf("failed to fetch category %s: %w", id, err)
			}
			mu.Lock()
			payloads[id] = payload
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	opts := p.childOptions(r)
	return []workItem{{
		key: "combined",
		create: func(ctx context.Context) (*domain.Context, error) {
			return p.deps.Tasks.CreateCombinedBatch(ctx, payloads, r.tmpl, opts)
		},
	}}, nil
}

// planPreference loads the members of the run's preference group and creates
// one work item per valid member with the member's template overrides.
func (p *Processor) planPreference(ctx context.Context, r *run) ([]workItem, error) {
	group := *r.opts.Group
	members, err := p.deps.Preferences.Membership(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to load membership of %s: %w", group, err)
	}
	valid, err := p.validateSubjects(ctx, r, members)
	if err != nil {
		return nil, err
	}

	base := p.childOptions(r)
	work := make([]workItem, 0, len(members))
	for _, subject := range members {
		if !valid[subject] {
			continue
		}
		prefs, err := p.deps.Preferences.Preferences(ctx, subject)
		if errors.Is(err, domain.ErrNotFound) {
			r.items.AddInvalid(subject)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load preferences of %s: %w", subject, err)
		}

		data, err := json.Marshal(prefs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode preferences of %s: %w", subject, err)
		}
		item := domain.Item{
			Key:       subject,
			SubjectID: subject,
			TenantID:  prefs.TenantID,
			Data:      data,
		}
		opts := base
		opts.Overrides = prefs.Overrides
		opts.Tags = map[string]string{"group": group.String()}
		r.tenantOf[subject] = prefs.TenantID

		work = append(work, workItem{
			key:       subject,
			subjectID: subject,
			tenantID:  prefs.TenantID,
			create: func(ctx context.Context) (*domain.Context, error) {
				return p.deps.Tasks.CreateIndividual(ctx, item, r.tmpl, opts)
			},
		})
	}
	return work, nil
}

// validateSubjects checks ids with the subject validator, records rejected
// ones and returns the set of accepted ids. Without a validator every id is
// accepted.
func (p *Processor) validateSubjects(ctx context.Context, r *run, ids []string) (map[string]bool, error) {
	valid := make(map[string]bool, len(ids))
	if p.deps.Validator == nil || len(ids) == 0 {
		for _, id := range ids {
			valid[id] = true
		}
		return valid, nil
	}

	ok, invalid, err := p.deps.Validator.Validate(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to validate subjects: %w", err)
	}
	for _, id := range ok {
		valid[id] = true
	}
	// Subjects the validator did not mention are treated as invalid.
	rejected := append([]string(nil), invalid...)
	listed := make(map[string]bool, len(invalid))
	for _, id := range invalid {
		listed[id] = true
	}
	for _, id := range ids {
		if !valid[id] && !listed[id] {
			rejected = append(rejected, id)
			listed[id] = true
		}
	}
	if len(rejected) > 0 {
		r.items.AddInvalid(rejected...)
		r.log.Info("excluded invalid subjects", "count", len(rejected))
	}
	return valid, nil
}

func subjectsOf(items []domain.Item) []string {
	seen := map[string]bool{}
	var ids []string
	for _, item := range items {
		if item.SubjectID == "" || seen[item.SubjectID] {
			continue
		}
		seen[item.SubjectID] = true
		ids = append(ids, item.SubjectID)
	}
	return ids
}
