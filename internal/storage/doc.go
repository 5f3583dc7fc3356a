// Package storage provides the persistence backends used by the scheduler.
//
// It currently supports:
//   - Circuit breaker state and execution-slot limits (StateStore)
//   - Job definitions with rolling stats and baselines (JobStore)
//   - Append-only execution history with trailing aggregates (HistoryStore)
//
// Drivers: memory, file (JSON snapshots + JSON Lines), sqlite, redis (state only).
package storage
