package domain

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects how a batch job turns data into contexts.
type Strategy string

// Batch strategies.
const (
	StrategyIndividual Strategy = "individual"
	StrategyObject     Strategy = "object"
	StrategyCombined   Strategy = "combined"
	StrategyPreference Strategy = "preference"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyIndividual, StrategyObject, StrategyCombined, StrategyPreference:
		return true
	}
	return false
}

// Frequency is the cadence of a schedule.
type Frequency string

// Schedule frequencies.
const (
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

// Schedule describes when a job runs. Times are interpreted in UTC.
type Schedule struct {
	Frequency  Frequency `json:"frequency" yaml:"frequency"`
	Anchor     string    `json:"anchor,omitempty" yaml:"anchor"`
	Weekday    string    `json:"weekday,omitempty" yaml:"weekday"`
	DayOfMonth int       `json:"day_of_month,omitempty" yaml:"day_of_month"`
}

// Validate checks the schedule fields for the selected frequency.
func (s Schedule) Validate() error {
	if !s.Frequency.Valid() {
		return Validationf("unknown frequency %q", s.Frequency)
	}
	if _, _, err := parseAnchor(s.Anchor); err != nil {
		return err
	}
	if s.Frequency == FrequencyWeekly || s.Frequency == FrequencyBiweekly {
		if _, err := parseWeekday(s.Weekday); err != nil {
			return err
		}
	}
	if s.DayOfMonth < 0 || s.DayOfMonth > 31 {
		return Validationf("day_of_month %d out of range", s.DayOfMonth)
	}
	return nil
}

// Next returns the first occurrence of the schedule strictly after t.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	hour, minute, _ := parseAnchor(s.Anchor)
	t := after.UTC()

	switch s.Frequency {
	case FrequencyHourly:
		next := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, time.UTC)
		if !next.After(t) {
			next = next.Add(time.Hour)
		}
		return next, nil

	case FrequencyDaily:
		next := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case FrequencyWeekly, FrequencyBiweekly:
		wd, _ := parseWeekday(s.Weekday)
		days := (int(wd) - int(t.Weekday()) + 7) % 7
		next := time.Date(t.Year(), t.Month(), t.Day()+days, hour, minute, 0, 0, time.UTC)
		if !next.After(t) {
			next = next.AddDate(0, 0, 7)
		}
		if s.Frequency == FrequencyBiweekly {
			if _, week := next.ISOWeek(); week%2 != 0 {
				next = next.AddDate(0, 0, 7)
			}
		}
		return next, nil

	case FrequencyMonthly:
		day := s.DayOfMonth
		if day == 0 {
			day = 1
		}
		for i := 0; i < 2; i++ {
			month := time.Date(t.Year(), t.Month()+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
			d := day
			if last := daysIn(month); d > last {
				d = last
			}
			next := time.Date(month.Year(), month.Month(), d, hour, minute, 0, 0, time.UTC)
			if next.After(t) {
				return next, nil
			}
		}
	}
	return time.Time{}, Validationf("cannot compute next run for %q", s.Frequency)
}

func daysIn(month time.Time) int {
	return time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseAnchor(anchor string) (int, int, error) {
	if anchor == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", anchor)
	if err != nil {
		return 0, 0, Validationf("anchor %q must be HH:MM", anchor)
	}
	return t.Hour(), t.Minute(), nil
}

func parseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), name) || strings.EqualFold(d.String()[:3], name) {
			return d, nil
		}
	}
	return 0, Validationf("unknown weekday %q", name)
}

// RetryPolicy bounds retries of failed items and batch runs.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	BaseDelay  time.Duration `json:"base_delay,omitempty" yaml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay,omitempty" yaml:"max_delay"`
}

// Backoff returns the delay before retry attempt n (1-based):
// BaseDelay * 2^(n-1), capped at MaxDelay.
func (r RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.BaseDelay <= 0 {
		return 0
	}
	delay := r.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if r.MaxDelay > 0 && delay >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}

// WithDefaults fills unset delays from def.
func (r RetryPolicy) WithDefaults(def RetryPolicy) RetryPolicy {
	if r.BaseDelay <= 0 {
		r.BaseDelay = def.BaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = def.MaxDelay
	}
	return r
}

// DataSourceSpec selects the input of a batch job.
type DataSourceSpec struct {
	Filter      map[string]string `json:"filter,omitempty" yaml:"filter"`
	CategoryID  string            `json:"category_id,omitempty" yaml:"category_id"`
	CategoryIDs []string          `json:"category_ids,omitempty" yaml:"category_ids"`
	FeatureType string            `json:"feature_type,omitempty" yaml:"feature_type"`
	PageSize    int               `json:"page_size,omitempty" yaml:"page_size"`
	MaxItems    int               `json:"max_items,omitempty" yaml:"max_items"`
}

// JobDefinition is the declarative configuration of a batch job.
type JobDefinition struct {
	ID           string         `json:"job_id" yaml:"job_id" validate:"required"`
	Version      int            `json:"version,omitempty" yaml:"version"`
	Strategy     Strategy       `json:"strategy" yaml:"strategy" validate:"required"`
	Source       DataSourceSpec `json:"source" yaml:"source"`
	Template     string         `json:"template" yaml:"template" validate:"required"`
	Schedule     Schedule       `json:"schedule" yaml:"schedule"`
	Priority     Priority       `json:"priority" yaml:"priority"`
	Retry        RetryPolicy    `json:"retry" yaml:"retry"`
	Distribution []string       `json:"distribution,omitempty" yaml:"distribution"`
	Concurrency  int            `json:"concurrency,omitempty" yaml:"concurrency" validate:"gte=0"`
	Disabled     bool           `json:"disabled,omitempty" yaml:"disabled"`
}

// Validate checks strategy-specific requirements of the job.
func (j JobDefinition) Validate() error {
	if j.ID == "" {
		return Validationf("job_id is required")
	}
	if !j.Strategy.Valid() {
		return Validationf("job %s: unknown strategy %q", j.ID, j.Strategy)
	}
	if j.Template == "" {
		return Validationf("job %s: template is required", j.ID)
	}
	if j.Priority != "" && !j.Priority.Valid() {
		return Validationf("job %s: unknown priority %q", j.ID, j.Priority)
	}
	if j.Retry.MaxRetries < 0 {
		return Validationf("job %s: max_retries must not be negative", j.ID)
	}
	switch j.Strategy {
	case StrategyObject:
		if j.Source.CategoryID == "" {
			return Validationf("job %s: object strategy needs source.category_id", j.ID)
		}
	case StrategyCombined:
		if len(j.Source.CategoryIDs) == 0 {
			return Validationf("job %s: combined strategy needs source.category_ids", j.ID)
		}
	case StrategyPreference:
		if j.Source.FeatureType == "" {
			return Validationf("job %s: preference strategy needs source.feature_type", j.ID)
		}
	}
	if j.Strategy != StrategyPreference && j.Schedule.Frequency != "" {
		if err := j.Schedule.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return nil
}

// EffectivePriority returns the job priority, defaulting to medium.
func (j JobDefinition) EffectivePriority() Priority {
	if j.Priority == "" {
		return PriorityMedium
	}
	return j.Priority
}

// Scheduled reports whether the job has a static timed trigger.
func (j JobDefinition) Scheduled() bool {
	return !j.Disabled && j.Strategy != StrategyPreference && j.Schedule.Frequency != ""
}
