package preference

import (
	"sort"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
)

// Snapshot is an immutable view of subject preferences and the groups they
// form. Each subject belongs to at most one group.
type Snapshot struct {
	Version uint64
	Token   string
	TakenAt time.Time

	subjects map[string]domain.Preferences
	groups   map[domain.GroupKey][]string
}

// BuildSnapshot derives a snapshot from a set of preferences. It is a pure
// function of its input: when a subject appears more than once the last entry
// wins, and entries without a feature type or frequency are ignored.
func BuildSnapshot(version uint64, token string, takenAt time.Time, prefs []domain.Preferences) *Snapshot {
	s := &Snapshot{
		Version:  version,
		Token:    token,
		TakenAt:  takenAt,
		subjects: make(map[string]domain.Preferences, len(prefs)),
		groups:   make(map[domain.GroupKey][]string),
	}
	for _, p := range prefs {
		if p.SubjectID == "" || p.FeatureType == "" || !p.Frequency.Valid() {
			continue
		}
		s.subjects[p.SubjectID] = p
	}
	for id, p := range s.subjects {
		key := p.Group()
		s.groups[key] = append(s.groups[key], id)
	}
	for _, members := range s.groups {
		sort.Strings(members)
	}
	return s
}

// Len returns the number of subjects in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.subjects)
}

// Stale reports whether the snapshot is older than ttl at now.
func (s *Snapshot) Stale(now time.Time, ttl time.Duration) bool {
	return s == nil || now.Sub(s.TakenAt) > ttl
}

// Groups returns the group keys in a stable order.
func (s *Snapshot) Groups() []domain.GroupKey {
	if s == nil {
		return nil
	}
	keys := make([]domain.GroupKey, 0, len(s.groups))
	for k := range s.groups {
		keys = append(keys, k)
	}
	domain.SortGroupKeys(keys)
	return keys
}

// Members returns a copy of the sorted members of a group.
func (s *Snapshot) Members(key domain.GroupKey) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.groups[key]...)
}

// Preferences returns the preferences recorded for a subject.
func (s *Snapshot) Preferences(subjectID string) (domain.Preferences, bool) {
	if s == nil {
		return domain.Preferences{}, false
	}
	p, ok := s.subjects[subjectID]
	return p, ok
}

// GroupOf returns the group a subject belongs to.
func (s *Snapshot) GroupOf(subjectID string) (domain.GroupKey, bool) {
	p, ok := s.Preferences(subjectID)
	if !ok {
		return domain.GroupKey{}, false
	}
	return p.Group(), true
}

func (s *Snapshot) all() []domain.Preferences {
	if s == nil {
		return nil
	}
	out := make([]domain.Preferences, 0, len(s.subjects))
	for _, p := range s.subjects {
		out = append(out, p)
	}
	return out
}

// Diff returns the groups whose membership differs between two snapshots,
// including groups that appeared or disappeared.
func Diff(prev, next *Snapshot) []domain.GroupKey {
	seen := map[domain.GroupKey]bool{}
	var changed []domain.GroupKey
	check := func(k domain.GroupKey) {
		if seen[k] {
			return
		}
		seen[k] = true
		if !equalMembers(prev.Members(k), next.Members(k)) {
			changed = append(changed, k)
		}
	}
	for _, k := range prev.Groups() {
		check(k)
	}
	for _, k := range next.Groups() {
		check(k)
	}
	domain.SortGroupKeys(changed)
	return changed
}

// Regroup reconciles a membership list reported by the source with the
// snapshot: only subjects the snapshot places in key are kept, once each, in
// sorted order. Subjects in transit between groups are therefore dispatched
// for the group the snapshot assigns them to and no other.
func Regroup(s *Snapshot, key domain.GroupKey, members []string) []string {
	seen := make(map[string]bool, len(members))
	out := make([]string, 0, len(members))
	for _, id := range members {
		if seen[id] {
			continue
		}
		seen[id] = true
		if g, ok := s.GroupOf(id); ok && g == key {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func equalMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
