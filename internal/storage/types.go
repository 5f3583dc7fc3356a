package storage

import (
	"context"
	"errors"
	"time"

	"jobwarden/internal/model"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrUnsupported = errors.New("storage: operation not supported by driver")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, dry runs)
//   - "file": JSON snapshots + JSON Lines history under Path
//   - "sqlite": SQLite database file at Path
//   - "redis": circuit/slot state in Redis; jobs and history use the file driver at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// StateStore persists CircuitState and ExecutionSlot records.
type StateStore interface {
	LoadCircuits(ctx context.Context) ([]model.CircuitState, error)
	LoadCircuit(ctx context.Context, job string) (model.CircuitState, bool, error)
	SaveCircuit(ctx context.Context, st model.CircuitState) error

	LoadSlots(ctx context.Context) ([]model.ExecutionSlot, error)
	SaveSlots(ctx context.Context, slots []model.ExecutionSlot) error
}

// JobStore persists job definitions.
type JobStore interface {
	UpsertJob(ctx context.Context, j model.JobDefinition) error
	GetJob(ctx context.Context, name string) (model.JobDefinition, bool, error)
	ListJobs(ctx context.Context) ([]model.JobDefinition, error)
}

// HistoryStore is the append-only execution table.
type HistoryStore interface {
	AppendExecution(ctx context.Context, rec model.ExecutionRecord) error
	// RecentExecutions returns up to n records for job, newest first.
	RecentExecutions(ctx context.Context, job string, n int) ([]model.ExecutionRecord, error)
	// Aggregate summarizes the final attempt of each execution of job started
	// at or after since. Skipped records are not executions.
	Aggregate(ctx context.Context, job string, since time.Time) (model.Stats, error)
	// AggregateAll is Aggregate grouped by job name.
	AggregateAll(ctx context.Context, since time.Time) (map[string]model.Stats, error)
}

// Store is the full persistence API used by the composition root.
type Store interface {
	StateStore
	JobStore
	HistoryStore
	Ping(ctx context.Context) error
	Close() error
}
