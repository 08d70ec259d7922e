package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Preferences are the per-subject processing preferences reported by the
// preference source.
type Preferences struct {
	SubjectID   string         `json:"subject_id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	FeatureType string         `json:"feature_type"`
	Frequency   Frequency      `json:"frequency"`
	AnchorTime  string         `json:"anchor_time"`
	Overrides   map[string]any `json:"overrides,omitempty"`
}

// Group returns the preference group the subject belongs to.
func (p Preferences) Group() GroupKey {
	return GroupKey{FeatureType: p.FeatureType, Frequency: p.Frequency, AnchorTime: p.AnchorTime}
}

// GroupKey identifies a preference group.
type GroupKey struct {
	FeatureType string    `json:"feature_type"`
	Frequency   Frequency `json:"frequency"`
	AnchorTime  string    `json:"anchor_time"`
}

// String renders the key as feature|frequency|anchor.
func (k GroupKey) String() string {
	return strings.Join([]string{k.FeatureType, string(k.Frequency), k.AnchorTime}, "|")
}

// Schedule converts the key into a schedule, taking weekday and day of month
// from base when the frequency needs them.
func (k GroupKey) Schedule(base Schedule) Schedule {
	s := Schedule{Frequency: k.Frequency, Anchor: k.AnchorTime, Weekday: base.Weekday, DayOfMonth: base.DayOfMonth}
	if s.Weekday == "" {
		s.Weekday = "monday"
	}
	return s
}

// Less orders keys by feature, frequency, then anchor.
func (k GroupKey) Less(o GroupKey) bool {
	if k.FeatureType != o.FeatureType {
		return k.FeatureType < o.FeatureType
	}
	if k.Frequency != o.Frequency {
		return k.Frequency < o.Frequency
	}
	return k.AnchorTime < o.AnchorTime
}

// ParseGroupKey parses the output of GroupKey.String.
func ParseGroupKey(s string) (GroupKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return GroupKey{}, fmt.Errorf("%w: group key %q", ErrValidation, s)
	}
	return GroupKey{FeatureType: parts[0], Frequency: Frequency(parts[1]), AnchorTime: parts[2]}, nil
}

// SortGroupKeys sorts keys in place.
func SortGroupKeys(keys []GroupKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
