// Package model holds the data types shared by the scheduler components.
//
// Types here are plain values; every mutation happens in the owning package
// (circuit, balancer, jobs) and is persisted through internal/storage.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ResourceClass is the budget bucket a job belongs to.
type ResourceClass string

const (
	ClassCritical ResourceClass = "critical"
	ClassHeavy    ResourceClass = "heavy"
	ClassMedium   ResourceClass = "medium"
	ClassLight    ResourceClass = "light"
)

// ParseResourceClass normalizes s. Empty input maps to medium.
func ParseResourceClass(s string) (ResourceClass, error) {
	switch ResourceClass(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ClassMedium, nil
	case ClassCritical:
		return ClassCritical, nil
	case ClassHeavy:
		return ClassHeavy, nil
	case ClassMedium:
		return ClassMedium, nil
	case ClassLight:
		return ClassLight, nil
	}
	return "", fmt.Errorf("unknown resource class %q", s)
}

// Slot returns the execution slot that governs this class.
func (c ResourceClass) Slot() SlotName {
	switch c {
	case ClassHeavy:
		return SlotHeavy
	case ClassLight:
		return SlotLight
	default:
		return SlotDefault
	}
}

// MaxAttempts is the default attempt budget per execution for the class.
func (c ResourceClass) MaxAttempts() int {
	switch c {
	case ClassCritical:
		return 3
	case ClassHeavy, ClassMedium:
		return 2
	default:
		return 1
	}
}

// Frequency is a structured, minute-resolution schedule.
type Frequency string

const (
	FreqNone           Frequency = ""
	FreqEveryMinute    Frequency = "every_minute"
	FreqEvery5Minutes  Frequency = "every_5_minutes"
	FreqEvery10Minutes Frequency = "every_10_minutes"
	FreqEvery15Minutes Frequency = "every_15_minutes"
	FreqEvery30Minutes Frequency = "every_30_minutes"
	FreqHourly         Frequency = "hourly"
	FreqDaily          Frequency = "daily"
	FreqWeekly         Frequency = "weekly"
)

// Step returns the minute step for sub-hourly frequencies and 0 otherwise.
func (f Frequency) Step() int {
	switch f {
	case FreqEveryMinute:
		return 1
	case FreqEvery5Minutes:
		return 5
	case FreqEvery10Minutes:
		return 10
	case FreqEvery15Minutes:
		return 15
	case FreqEvery30Minutes:
		return 30
	}
	return 0
}

func (f Frequency) Valid() bool {
	switch f {
	case FreqEveryMinute, FreqEvery5Minutes, FreqEvery10Minutes, FreqEvery15Minutes,
		FreqEvery30Minutes, FreqHourly, FreqDaily, FreqWeekly:
		return true
	}
	return false
}

// Schedule is one of: a cron/interval spec string, or a structured frequency.
//
// For structured frequencies Minute/Offset of -1 mean "let the optimizer pick".
type Schedule struct {
	Spec      string    `json:"spec,omitempty"`
	Frequency Frequency `json:"frequency,omitempty"`
	Offset    int       `json:"offset,omitempty"`
	Minute    int       `json:"minute,omitempty"`
	Hour      int       `json:"hour,omitempty"`
	Weekday   int       `json:"weekday,omitempty"`
}

func (s Schedule) IsZero() bool { return strings.TrimSpace(s.Spec) == "" && s.Frequency == FreqNone }

// RetryPolicy overrides the class defaults when non-zero.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	BackoffBase time.Duration `json:"backoff_base,omitempty"`
	BackoffMax  time.Duration `json:"backoff_max,omitempty"`
}

// Stats is a rolling aggregate over a trailing window.
type Stats struct {
	Window      time.Duration `json:"window"`
	Executions  int           `json:"executions"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	AvgMemoryMB float64       `json:"avg_memory_mb"`
	MaxMemoryMB float64       `json:"max_memory_mb"`
	AvgCPU      float64       `json:"avg_cpu"`
	MaxCPU      float64       `json:"max_cpu"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SuccessRate is in [0,100]; jobs with no executions report 100.
func (s Stats) SuccessRate() float64 {
	if s.Executions == 0 {
		return 100
	}
	return float64(s.Successes) * 100 / float64(s.Executions)
}

// Baseline holds trailing averages used for anomaly comparison.
type Baseline struct {
	AvgDuration time.Duration `json:"avg_duration"`
	AvgMemoryMB float64       `json:"avg_memory_mb"`
	AvgCPU      float64       `json:"avg_cpu"`
	Samples     int           `json:"samples"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// JobDefinition is a registered periodic task.
//
// Jobs are soft-disabled, never hard-deleted, so execution history keeps a
// valid reference.
type JobDefinition struct {
	Name   string        `json:"name"`
	Script string        `json:"script"`
	Args   []string      `json:"args,omitempty"`
	Class  ResourceClass `json:"class"`

	Schedule          Schedule `json:"schedule"`
	BusinessHoursOnly bool     `json:"business_hours_only,omitempty"`
	Priority          int      `json:"priority,omitempty"`

	Timeout        time.Duration `json:"timeout,omitempty"`
	MemoryBudgetMB float64       `json:"memory_budget_mb,omitempty"`
	CPUBudget      float64       `json:"cpu_budget,omitempty"`
	MaxConcurrency int           `json:"max_concurrency,omitempty"`
	Retry          RetryPolicy   `json:"retry,omitempty"`

	Enabled        bool `json:"enabled"`
	Disabled       bool `json:"disabled,omitempty"` // soft delete
	AlertOnFailure bool `json:"alert_on_failure,omitempty"`
	AlertOnSuccess bool `json:"alert_on_success,omitempty"`
	BypassBreaker  bool `json:"bypass_breaker,omitempty"`
	BypassBalancer bool `json:"bypass_balancer,omitempty"`

	NextScheduledRun time.Time `json:"next_scheduled_run,omitempty"`
	LastRunAt        time.Time `json:"last_run_at,omitempty"`
	ExecutionCount   int64     `json:"execution_count,omitempty"`
	Stats24h         Stats     `json:"stats_24h,omitempty"`
	Baseline         Baseline  `json:"baseline,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Active reports whether the job may be dispatched at all.
func (j JobDefinition) Active() bool { return j.Enabled && !j.Disabled }

// Attempts returns the effective attempt budget.
func (j JobDefinition) Attempts() int {
	if j.Retry.MaxAttempts > 0 {
		return j.Retry.MaxAttempts
	}
	return j.Class.MaxAttempts()
}

// Validate checks the fields every component relies on.
func (j JobDefinition) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name required")
	}
	if strings.ContainsAny(j.Name, `/\`) || strings.Contains(j.Name, "..") {
		return fmt.Errorf("job %q: name must not contain path separators", j.Name)
	}
	if strings.TrimSpace(j.Script) == "" {
		return fmt.Errorf("job %q: script required", j.Name)
	}
	if _, err := ParseResourceClass(string(j.Class)); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	if j.Schedule.IsZero() {
		return fmt.Errorf("job %q: schedule required", j.Name)
	}
	if j.Schedule.Frequency != FreqNone && !j.Schedule.Frequency.Valid() {
		return fmt.Errorf("job %q: unknown frequency %q", j.Name, j.Schedule.Frequency)
	}
	if j.Timeout < 0 {
		return fmt.Errorf("job %q: timeout must be >= 0", j.Name)
	}
	return nil
}
