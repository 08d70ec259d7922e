package preference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory preference service with a change log.
type fakeSource struct {
	mu         sync.Mutex
	prefs      map[string]domain.Preferences
	log        []string
	membership map[domain.GroupKey][]string
	fetches    map[string]int
	failNext   error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		prefs:      map[string]domain.Preferences{},
		membership: map[domain.GroupKey][]string{},
		fetches:    map[string]int{},
	}
}

func (f *fakeSource) set(p domain.Preferences) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefs[p.SubjectID] = p
	f.log = append(f.log, p.SubjectID)
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prefs, id)
	f.log = append(f.log, id)
}

func (f *fakeSource) GetPreferences(_ context.Context, id string) (domain.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	p, ok := f.prefs[id]
	if !ok {
		return domain.Preferences{}, fmt.Errorf("%w: %s", domain.ErrSubjectNotFound, id)
	}
	return p, nil
}

func (f *fakeSource) GetChangedSubjects(_ context.Context, since string) ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, "", err
	}
	start := 0
	if since != "" {
		_, _ = fmt.Sscanf(since, "%d", &start)
	}
	seen := map[string]bool{}
	var out []string
	for _, id := range f.log[start:] {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, fmt.Sprintf("%d", len(f.log)), nil
}

func (f *fakeSource) GetGroupMembership(_ context.Context, key domain.GroupKey) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.membership[key]; ok {
		return m, nil
	}
	var out []string
	for id, p := range f.prefs {
		if p.Group() == key {
			out = append(out, id)
		}
	}
	return out, nil
}

func prefs(id string, freq domain.Frequency, anchor string) domain.Preferences {
	return domain.Preferences{SubjectID: id, TenantID: "t1", FeatureType: "digest", Frequency: freq, AnchorTime: anchor}
}

var (
	daily  = domain.GroupKey{FeatureType: "digest", Frequency: domain.FrequencyDaily, AnchorTime: "08:00"}
	weekly = domain.GroupKey{FeatureType: "digest", Frequency: domain.FrequencyWeekly, AnchorTime: "08:00"}
)

func TestBuildSnapshot(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	s := BuildSnapshot(1, "tok", now, []domain.Preferences{
		prefs("u2", domain.FrequencyDaily, "08:00"),
		prefs("u1", domain.FrequencyDaily, "08:00"),
		prefs("u3", domain.FrequencyDaily, "08:00"),
		prefs("u3", domain.FrequencyWeekly, "08:00"),
		{SubjectID: "u4", FeatureType: "digest"},
	})

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []domain.GroupKey{daily, weekly}, s.Groups())
	assert.Equal(t, []string{"u1", "u2"}, s.Members(daily))
	assert.Equal(t, []string{"u3"}, s.Members(weekly))

	g, ok := s.GroupOf("u3")
	require.True(t, ok)
	assert.Equal(t, weekly, g)
	_, ok = s.GroupOf("u4")
	assert.False(t, ok)

	assert.False(t, s.Stale(now.Add(time.Minute), 5*time.Minute))
	assert.True(t, s.Stale(now.Add(6*time.Minute), 5*time.Minute))
	assert.True(t, (*Snapshot)(nil).Stale(now, time.Hour))
}

func TestRegroupIsIdempotent(t *testing.T) {
	t.Parallel()
	s := BuildSnapshot(1, "", time.Now(), []domain.Preferences{
		prefs("u1", domain.FrequencyDaily, "08:00"),
		prefs("u2", domain.FrequencyWeekly, "08:00"),
	})
	membership := []string{"u2", "u1", "u1", "ghost"}

	first := Regroup(s, daily, membership)
	second := Regroup(s, daily, membership)
	assert.Equal(t, []string{"u1"}, first)
	assert.Equal(t, first, second)

	again := BuildSnapshot(2, "", time.Now(), s.all())
	assert.Equal(t, s.Groups(), again.Groups())
	assert.Equal(t, first, Regroup(again, daily, membership))
}

func TestDiff(t *testing.T) {
	t.Parallel()
	prev := BuildSnapshot(1, "", time.Now(), []domain.Preferences{prefs("u1", domain.FrequencyDaily, "08:00")})
	next := BuildSnapshot(2, "", time.Now(), []domain.Preferences{prefs("u1", domain.FrequencyWeekly, "08:00")})

	assert.Equal(t, []domain.GroupKey{daily, weekly}, Diff(prev, next))
	assert.Empty(t, Diff(next, next))
	assert.Equal(t, []domain.GroupKey{daily}, Diff(nil, prev))
}

// A subject that moves from daily to weekly between two refreshes leaves the
// daily group and appears only in the weekly group.
func TestSubjectMovesBetweenGroups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	src.set(prefs("u1", domain.FrequencyDaily, "08:00"))
	src.set(prefs("u2", domain.FrequencyDaily, "08:00"))

	client := NewClient(src, Config{TTL: time.Hour}, logger.Discard())
	changed, err := client.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupKey{daily}, changed)

	first := client.Snapshot()
	src.set(prefs("u1", domain.FrequencyWeekly, "08:00"))
	// The source's membership view lags behind and still lists u1 as daily.
	src.membership[daily] = []string{"u1", "u2"}

	changed, err = client.Refresh(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.GroupKey{daily, weekly}, changed)

	dailyMembers, err := client.Membership(ctx, daily)
	require.NoError(t, err)
	weeklyMembers, err := client.Membership(ctx, weekly)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, dailyMembers)
	assert.Equal(t, []string{"u1"}, weeklyMembers)

	// The earlier snapshot is untouched by the swap.
	assert.Equal(t, []string{"u1", "u2"}, first.Members(daily))
	assert.Equal(t, uint64(2), client.Snapshot().Version)
}

func TestRefreshRemovesMissingSubjects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	src.set(prefs("u1", domain.FrequencyDaily, "08:00"))
	client := NewClient(src, Config{TTL: time.Hour}, logger.Discard())
	_, err := client.Refresh(ctx)
	require.NoError(t, err)

	src.remove("u1")
	changed, err := client.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupKey{daily}, changed)
	assert.Equal(t, 0, client.Snapshot().Len())
}

func TestRefreshErrorKeepsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	src.set(prefs("u1", domain.FrequencyDaily, "08:00"))
	now := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	client := NewClient(src, Config{TTL: time.Minute}, logger.Discard()).WithClock(func() time.Time { return now })
	_, err := client.Refresh(ctx)
	require.NoError(t, err)
	before := client.Snapshot()

	now = now.Add(2 * time.Minute)
	src.failNext = errors.New("connection refused")
	snap, err := client.Current(ctx)
	assert.Error(t, err)
	assert.Same(t, before, snap)
	assert.Same(t, before, client.Snapshot())

	_, err = client.Membership(ctx, daily)
	assert.NoError(t, err, "the next refresh succeeds")
}

func TestPreferencesReadThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newFakeSource()
	src.set(prefs("u1", domain.FrequencyDaily, "08:00"))
	shared := newMapCache()
	client := NewClient(src, Config{TTL: time.Hour}, logger.Discard()).WithSharedCache(shared)

	for i := 0; i < 3; i++ {
		p, err := client.Preferences(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, domain.FrequencyDaily, p.Frequency)
	}
	assert.Equal(t, 1, src.fetches["u1"])
	assert.Contains(t, shared.data, "contextflow:prefs:u1")

	// A second process with a cold local cache is served by the shared cache.
	other := NewClient(src, Config{TTL: time.Hour}, logger.Discard()).WithSharedCache(shared)
	_, err := other.Preferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetches["u1"])

	_, err = client.Preferences(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
