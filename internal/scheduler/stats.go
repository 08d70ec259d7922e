package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Execution records one run of a job.
type Execution struct {
	BatchID    string        `json:"batch_id,omitempty"`
	Trigger    string        `json:"trigger"`
	Mode       string        `json:"mode"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
}

// JobStats aggregates the executions of a job, per feature type for
// preference jobs.
type JobStats struct {
	JobID        string        `json:"job_id"`
	FeatureType  string        `json:"feature_type,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	Processed    int           `json:"processed"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	LastStart    time.Time     `json:"last_start"`
	LastEnd      time.Time     `json:"last_end"`
	LastDuration time.Duration `json:"last_duration"`
	History      []Execution   `json:"history"`
}

type statsBook struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*JobStats
}

func newStatsBook(limit int) *statsBook {
	if limit <= 0 {
		limit = 50
	}
	return &statsBook{limit: limit, entries: map[string]*JobStats{}}
}

func (b *statsBook) record(jobID, featureType string, e Execution) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := jobID + "|" + featureType
	s, ok := b.entries[key]
	if !ok {
		s = &JobStats{JobID: jobID, FeatureType: featureType}
		b.entries[key] = s
	}
	s.Runs++
	if e.Error != "" {
		s.Failures++
	}
	s.Processed += e.Processed
	s.Succeeded += e.Succeeded
	s.Failed += e.Failed
	s.LastStart = e.StartedAt
	s.LastEnd = e.FinishedAt
	s.LastDuration = e.Duration

	s.History = append(s.History, e)
	if over := len(s.History) - b.limit; over > 0 {
		s.History = append([]Execution(nil), s.History[over:]...)
	}
}

// snapshot returns copies sorted by job and feature type.
func (b *statsBook) snapshot() []JobStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]JobStats, 0, len(b.entries))
	for _, s := range b.entries {
		c := *s
		c.History = append([]Execution(nil), s.History...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].FeatureType < out[j].FeatureType
	})
	return out
}
