package preference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/phrazzld/contextflow/internal/domain"
)

// Config controls caching.
type Config struct {
	// TTL bounds how long fetched preferences, memberships and snapshots are
	// trusted before being fetched again.
	TTL time.Duration

	// CacheSize bounds the number of cached subjects and memberships.
	CacheSize int

	// KeyPrefix namespaces keys in the shared cache.
	KeyPrefix string
}

// Client is a read-through cached view of the preference source.
type Client struct {
	source      Source
	shared      Cache
	config      Config
	prefs       *expirable.LRU[string, domain.Preferences]
	memberships *expirable.LRU[string, []string]
	snap        atomic.Pointer[Snapshot]
	refreshMu   sync.Mutex
	logger      *slog.Logger
	now         func() time.Time
}

// NewClient creates a client over source.
func NewClient(source Source, config Config, logger *slog.Logger) *Client {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 10000
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "contextflow:prefs:"
	}
	return &Client{
		source:      source,
		config:      config,
		prefs:       expirable.NewLRU[string, domain.Preferences](config.CacheSize, nil, config.TTL),
		memberships: expirable.NewLRU[string, []string](config.CacheSize, nil, config.TTL),
		logger:      logger.With("component", "preference_client"),
		now:         time.Now,
	}
}

// WithSharedCache adds a second cache level shared between processes.
func (c *Client) WithSharedCache(cache Cache) *Client {
	c.shared = cache
	return c
}

// WithClock replaces the client's clock. It is intended for tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Snapshot returns the current snapshot, which may be nil before the first
// refresh. Callers must treat it as read-only.
func (c *Client) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Preferences returns a subject's preferences through the cache levels.
func (c *Client) Preferences(ctx context.Context, subjectID string) (domain.Preferences, error) {
	if p, ok := c.prefs.Get(subjectID); ok {
		return p, nil
	}
	if c.shared != nil {
		data, ok, err := c.shared.Get(ctx, c.key(subjectID))
		if err != nil {
			c.logger.Warn("shared preference cache read failed", "subject_id", subjectID, "error", err)
		} else if ok {
			var p domain.Preferences
			if err := json.Unmarshal(data, &p); err == nil {
				c.prefs.Add(subjectID, p)
				return p, nil
			}
		}
	}
	return c.fetch(ctx, subjectID)
}

func (c *Client) fetch(ctx context.Context, subjectID string) (domain.Preferences, error) {
	p, err := c.source.GetPreferences(ctx, subjectID)
	if err != nil {
		return domain.Preferences{}, err
	}
	if p.SubjectID == "" {
		p.SubjectID = subjectID
	}
	c.prefs.Add(subjectID, p)
	if c.shared != nil {
		if data, err := json.Marshal(p); err == nil {
			if err := c.shared.Set(ctx, c.key(subjectID), data, c.config.TTL); err != nil {
				c.logger.Warn("shared preference cache write failed", "subject_id", subjectID, "error", err)
			}
		}
	}
	return p, nil
}

func (c *Client) invalidate(ctx context.Context, subjectIDs []string) {
	keys := make([]string, 0, len(subjectIDs))
	for _, id := range subjectIDs {
		c.prefs.Remove(id)
		keys = append(keys, c.key(id))
	}
	c.memberships.Purge()
	if c.shared != nil && len(keys) > 0 {
		if err := c.shared.Delete(ctx, keys...); err != nil {
			c.logger.Warn("shared preference cache invalidation failed", "count", len(keys), "error", err)
		}
	}
}

func (c *Client) key(subjectID string) string {
	return c.config.KeyPrefix + subjectID
}

// Refresh asks the source for changed subjects, refetches them and swaps in a
// new snapshot. It returns the groups whose membership changed. On error the
// current snapshot is left in place.
func (c *Client) Refresh(ctx context.Context) ([]domain.GroupKey, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	prev := c.snap.Load()
	token := ""
	var version uint64
	if prev != nil {
		token = prev.Token
		version = prev.Version
	}

	changed, nextToken, err := c.source.GetChangedSubjects(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed subjects: %w", err)
	}
	c.invalidate(ctx, changed)

	merged := make(map[string]domain.Preferences, prev.Len()+len(changed))
	for _, p := range prev.all() {
		merged[p.SubjectID] = p
	}
	for _, id := range changed {
		p, err := c.fetch(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			delete(merged, id)
		case err != nil:
			return nil, fmt.Errorf("failed to fetch preferences of %s: %w", id, err)
		default:
			merged[id] = p
		}
	}

	prefs := make([]domain.Preferences, 0, len(merged))
	for _, p := range merged {
		prefs = append(prefs, p)
	}
	next := BuildSnapshot(version+1, nextToken, c.now().UTC(), prefs)
	groups := Diff(prev, next)
	c.snap.Store(next)

	c.logger.Info("preference snapshot refreshed",
		"version", next.Version,
		"changed_subjects", len(changed),
		"changed_groups", len(groups),
		"subjects", next.Len())
	return groups, nil
}

// Current returns a snapshot no older than the TTL, refreshing if needed. If
// the refresh fails the stale snapshot is returned together with the error.
func (c *Client) Current(ctx context.Context) (*Snapshot, error) {
	snap := c.snap.Load()
	if !snap.Stale(c.now(), c.config.TTL) {
		return snap, nil
	}
	if _, err := c.Refresh(ctx); err != nil {
		return snap, err
	}
	return c.snap.Load(), nil
}

// Membership returns the members of a group, reconciled with the current
// snapshot so a subject is never reported for a group it has left.
func (c *Client) Membership(ctx context.Context, key domain.GroupKey) ([]string, error) {
	snap, err := c.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("preference snapshot unavailable: %w", err)
	}

	cacheKey := key.String()
	members, ok := c.memberships.Get(cacheKey)
	if !ok {
		members, err = c.source.GetGroupMembership(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load membership of %s: %w", cacheKey, err)
		}
		c.memberships.Add(cacheKey, members)
	}
	return Regroup(snap, key, members), nil
}
