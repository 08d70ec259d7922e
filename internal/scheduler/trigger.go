package scheduler

import (
	"sort"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/preference"
)

// Trigger is one runnable schedule instance.
type Trigger struct {
	Key      string           `json:"key"`
	JobID    string           `json:"job_id"`
	Group    *domain.GroupKey `json:"group,omitempty"`
	Schedule domain.Schedule  `json:"schedule"`
	Priority domain.Priority  `json:"priority"`
	NextRun  time.Time        `json:"next_run"`
	// Attempt counts consecutive transient failures of the current occurrence.
	Attempt int `json:"attempt"`
}

// Preference reports whether the trigger belongs to a preference group.
func (t Trigger) Preference() bool {
	return t.Group != nil
}

func triggerKey(jobID string, group *domain.GroupKey) string {
	if group == nil {
		return jobID
	}
	return jobID + "|" + group.String()
}

// buildTriggers derives the trigger set from the jobs and a preference
// snapshot. Triggers present in prev with an unchanged schedule keep their
// next run and attempt count. The result depends only on its inputs.
func buildTriggers(jobs []domain.JobDefinition, snap *preference.Snapshot, prev map[string]Trigger, now time.Time) map[string]Trigger {
	out := make(map[string]Trigger)
	add := func(job domain.JobDefinition, group *domain.GroupKey, sched domain.Schedule) {
		key := triggerKey(job.ID, group)
		if old, ok := prev[key]; ok && old.Schedule == sched {
			old.Priority = job.EffectivePriority()
			out[key] = old
			return
		}
		next, err := sched.Next(now)
		if err != nil {
			return
		}
		out[key] = Trigger{
			Key:      key,
			JobID:    job.ID,
			Group:    group,
			Schedule: sched,
			Priority: job.EffectivePriority(),
			NextRun:  next,
		}
	}

	for _, job := range jobs {
		if job.Disabled {
			continue
		}
		if job.Scheduled() {
			add(job, nil, job.Schedule)
			continue
		}
		if job.Strategy != domain.StrategyPreference {
			continue
		}
		for _, key := range snap.Groups() {
			if key.FeatureType != job.Source.FeatureType || len(snap.Members(key)) == 0 {
				continue
			}
			group := key
			add(job, &group, key.Schedule(job.Schedule))
		}
	}
	return out
}

// keepPreference copies the preference triggers of prev into next. It is used
// when the snapshot could not be refreshed and the previous groups stand.
func keepPreference(next, prev map[string]Trigger) {
	for k, t := range prev {
		if t.Preference() {
			next[k] = t
		}
	}
}

// dueTriggers returns the triggers due at now, most urgent first.
func dueTriggers(set map[string]Trigger, now time.Time, skipPreference bool) []Trigger {
	var due []Trigger
	for _, t := range set {
		if skipPreference && t.Preference() {
			continue
		}
		if !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.NextRun.Equal(b.NextRun) {
			return a.NextRun.Before(b.NextRun)
		}
		return a.Key < b.Key
	})
	return due
}

func sortedTriggers(set map[string]Trigger) []Trigger {
	out := make([]Trigger, 0, len(set))
	for _, t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
