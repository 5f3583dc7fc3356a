package model

import "time"

// ExecutionStatus classifies one ExecutionRecord.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusTimeout ExecutionStatus = "timeout"
	StatusSkipped ExecutionStatus = "skipped"
)

// ExecutionRecord is one attempt. Records are append-only.
//
// An execution with retries writes one record per attempt, all sharing
// ExecutionID. Every attempt but the last has Retried set; the last one is
// the execution's result.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Job         string          `json:"job"`
	Attempt     int             `json:"attempt"`
	Retried     bool            `json:"retried,omitempty"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at"`
	Duration    time.Duration   `json:"duration"`
	PeakMemMB   float64         `json:"peak_mem_mb"`
	PeakCPU     float64         `json:"peak_cpu"`
	ExitCode    int             `json:"exit_code"`
	Success     bool            `json:"success"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Counted reports whether the record is an execution result for stats.
func (r ExecutionRecord) Counted() bool {
	return r.Status != StatusSkipped && !r.Retried
}

// CircuitStatus is the breaker state.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// CircuitState is the persisted breaker record for one job.
//
// Failures resets to 0 only on a transition into closed.
type CircuitState struct {
	Job              string        `json:"job"`
	State            CircuitStatus `json:"state"`
	Failures         int           `json:"failures"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
	LastSuccess      time.Time     `json:"last_success,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	OpenedAt         time.Time     `json:"opened_at,omitempty"`
	HalfOpenAttempts int           `json:"half_open_attempts"`
	UpdatedAt        time.Time     `json:"updated_at,omitempty"`
}

// NewCircuitState returns the initial closed state for job.
func NewCircuitState(job string) CircuitState {
	return CircuitState{Job: job, State: CircuitClosed}
}

// Equal compares the persisted fields. Times compare by instant so a
// round-trip through a store that drops the monotonic clock still matches.
func (c CircuitState) Equal(o CircuitState) bool {
	return c.Job == o.Job &&
		c.State == o.State &&
		c.Failures == o.Failures &&
		c.LastFailure.Equal(o.LastFailure) &&
		c.LastSuccess.Equal(o.LastSuccess) &&
		c.LastError == o.LastError &&
		c.OpenedAt.Equal(o.OpenedAt) &&
		c.HalfOpenAttempts == o.HalfOpenAttempts
}

// SlotName identifies an execution slot.
type SlotName string

const (
	SlotDefault SlotName = "default"
	SlotHeavy   SlotName = "heavy"
	SlotLight   SlotName = "light"
)

// SlotLimits is the mutable limit set of one execution slot.
type SlotLimits struct {
	MaxConcurrent int     `json:"max_concurrent"`
	MaxMemoryMB   float64 `json:"max_memory_mb"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`
}

// ExecutionSlot is a persisted view of one slot, with the usage observed at save time.
type ExecutionSlot struct {
	Name      SlotName   `json:"name"`
	Limits    SlotLimits `json:"limits"`
	Running   int        `json:"running"`
	MemoryMB  float64    `json:"memory_mb"`
	Tier      string     `json:"tier,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}
