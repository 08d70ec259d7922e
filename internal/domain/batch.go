package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ItemStatus is the state of one entry in a batch context.
type ItemStatus string

// Item statuses.
const (
	ItemDispatched ItemStatus = "dispatched"
	ItemSucceeded  ItemStatus = "succeeded"
	ItemFailed     ItemStatus = "failed"
)

// ItemResult tracks one child context of a batch.
type ItemResult struct {
	Status         ItemStatus `json:"status"`
	ChildContextID string     `json:"child_context_id,omitempty"`
	SubjectID      string     `json:"subject_id,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Terminal reports whether the item has been counted as processed.
func (r ItemResult) Terminal() bool {
	return r.Status == ItemSucceeded || r.Status == ItemFailed
}

// invalidUsersKey is the reserved key under which rejected subjects are listed.
const invalidUsersKey = "invalid_users"

// BatchItems maps item keys to their results and records subjects rejected
// by validation. It serializes as a single object with the rejected subjects
// under "invalid_users".
type BatchItems struct {
	Entries      map[string]ItemResult
	InvalidUsers []string
}

// NewBatchItems returns an empty item set.
func NewBatchItems() *BatchItems {
	return &BatchItems{Entries: map[string]ItemResult{}}
}

// Set records the result for key.
func (b *BatchItems) Set(key string, r ItemResult) {
	if b.Entries == nil {
		b.Entries = map[string]ItemResult{}
	}
	b.Entries[key] = r
}

// AddInvalid records a subject rejected before dispatch.
func (b *BatchItems) AddInvalid(ids ...string) {
	b.InvalidUsers = append(b.InvalidUsers, ids...)
	sort.Strings(b.InvalidUsers)
}

// Keys returns entry keys in sorted order.
func (b *BatchItems) Keys() []string {
	keys := make([]string, 0, len(b.Entries))
	for k := range b.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON implements json.Marshaler.
func (b BatchItems) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Entries)+1)
	for k, v := range b.Entries {
		out[k] = v
	}
	invalid := b.InvalidUsers
	if invalid == nil {
		invalid = []string{}
	}
	out[invalidUsersKey] = invalid
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *BatchItems) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Entries = make(map[string]ItemResult, len(raw))
	b.InvalidUsers = nil
	for k, v := range raw {
		if k == invalidUsersKey {
			if err := json.Unmarshal(v, &b.InvalidUsers); err != nil {
				return fmt.Errorf("decode %s: %w", invalidUsersKey, err)
			}
			continue
		}
		var r ItemResult
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode item %q: %w", k, err)
		}
		b.Entries[k] = r
	}
	return nil
}

// Progress aggregates item counts for a batch context.
type Progress struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Consistent reports whether processed = succeeded + failed = total.
func (p Progress) Consistent() bool {
	return p.Processed == p.Succeeded+p.Failed && p.Processed == p.Total
}

// Tally recomputes progress from item entries.
func Tally(items *BatchItems) Progress {
	var p Progress
	if items == nil {
		return p
	}
	p.Total = len(items.Entries)
	for _, r := range items.Entries {
		switch r.Status {
		case ItemSucceeded:
			p.Succeeded++
			p.Processed++
		case ItemFailed:
			p.Failed++
			p.Processed++
		}
	}
	return p
}

// Reference is a lightweight pointer to a batch result stored in a subject's
// own context space.
type Reference struct {
	BatchID   string            `json:"batch_id"`
	JobID     string            `json:"job_id,omitempty"`
	SubjectID string            `json:"subject_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Item is one record returned by a data source.
type Item struct {
	Key       string          `json:"key"`
	SubjectID string          `json:"subject_id,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ItemPage is one page of items from a data source. An empty NextCursor
// marks the last page.
type ItemPage struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}
