package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"jobwarden/internal/model"
)

// memoryStore keeps everything in process memory. State is lost on restart.
type memoryStore struct {
	mu       sync.RWMutex
	circuits map[string]model.CircuitState
	slots    map[model.SlotName]model.ExecutionSlot
	jobs     map[string]model.JobDefinition
	history  []model.ExecutionRecord
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		circuits: map[string]model.CircuitState{},
		slots:    map[model.SlotName]model.ExecutionSlot{},
		jobs:     map[string]model.JobDefinition{},
	}
}

func (s *memoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (s *memoryStore) Close() error                   { return nil }

func (s *memoryStore) LoadCircuits(ctx context.Context) ([]model.CircuitState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CircuitState, 0, len(s.circuits))
	for _, c := range s.circuits {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

func (s *memoryStore) LoadCircuit(ctx context.Context, job string) (model.CircuitState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.circuits[strings.TrimSpace(job)]
	return c, ok, nil
}

func (s *memoryStore) SaveCircuit(ctx context.Context, st model.CircuitState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.circuits[st.Job] = st
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) LoadSlots(ctx context.Context) ([]model.ExecutionSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ExecutionSlot, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryStore) SaveSlots(ctx context.Context, slots []model.ExecutionSlot) error {
	s.mu.Lock()
	for _, sl := range slots {
		s.slots[sl.Name] = sl
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) UpsertJob(ctx context.Context, j model.JobDefinition) error {
	s.mu.Lock()
	s.jobs[j.Name] = j
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, name string) (model.JobDefinition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	return j, ok, nil
}

func (s *memoryStore) ListJobs(ctx context.Context) ([]model.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.JobDefinition, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryStore) AppendExecution(ctx context.Context, rec model.ExecutionRecord) error {
	s.mu.Lock()
	s.history = append(s.history, rec)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) RecentExecutions(ctx context.Context, job string, n int) ([]model.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.history, job, n), nil
}

func (s *memoryStore) Aggregate(ctx context.Context, job string, since time.Time) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return aggregateRecords(s.history, job, since), nil
}

func (s *memoryStore) AggregateAll(ctx context.Context, since time.Time) (map[string]model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return aggregateAllRecords(s.history, since), nil
}
