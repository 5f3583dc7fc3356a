package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"jobwarden/internal/model"
	logx "jobwarden/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.circuits.json     (snapshot, rewritten via temp+rename)
//   - <prefix>.slots.json        (snapshot)
//   - <prefix>.jobs.json         (snapshot)
//   - <prefix>.executions.jsonl  (append-only JSON Lines)
//
// Snapshots are re-read on every load so a second process (the CLI) sees
// writes made by the daemon and vice versa.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	circuitsPath string
	slotsPath    string
	jobsPath     string

	historyFile *os.File
	historyPath string
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	historyPath := prefix + ".executions.jsonl"
	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		circuitsPath: prefix + ".circuits.json",
		slotsPath:    prefix + ".slots.json",
		jobsPath:     prefix + ".jobs.json",
		historyFile:  hf,
		historyPath:  historyPath,
	}, nil
}

func (s *fileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("history file closed")
	}
	_, err := os.Stat(s.historyPath)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile != nil {
		err := s.historyFile.Close()
		s.historyFile = nil
		return err
	}
	return nil
}

// ---- circuits ----

func (s *fileStore) LoadCircuits(ctx context.Context) ([]model.CircuitState, error) {
	s.mu.Lock()
	m, err := readSnapshot[model.CircuitState](s.circuitsPath)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]model.CircuitState, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

func (s *fileStore) LoadCircuit(ctx context.Context, job string) (model.CircuitState, bool, error) {
	s.mu.Lock()
	m, err := readSnapshot[model.CircuitState](s.circuitsPath)
	s.mu.Unlock()
	if err != nil {
		return model.CircuitState{}, false, err
	}
	c, ok := m[job]
	return c, ok, nil
}

func (s *fileStore) SaveCircuit(ctx context.Context, st model.CircuitState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := readSnapshot[model.CircuitState](s.circuitsPath)
	if err != nil {
		return err
	}
	m[st.Job] = st
	return writeSnapshot(s.circuitsPath, m)
}

// ---- slots ----

func (s *fileStore) LoadSlots(ctx context.Context) ([]model.ExecutionSlot, error) {
	s.mu.Lock()
	m, err := readSnapshot[model.ExecutionSlot](s.slotsPath)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]model.ExecutionSlot, 0, len(m))
	for _, sl := range m {
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fileStore) SaveSlots(ctx context.Context, slots []model.ExecutionSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := readSnapshot[model.ExecutionSlot](s.slotsPath)
	if err != nil {
		return err
	}
	for _, sl := range slots {
		m[string(sl.Name)] = sl
	}
	return writeSnapshot(s.slotsPath, m)
}

// ---- jobs ----

func (s *fileStore) UpsertJob(ctx context.Context, j model.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := readSnapshot[model.JobDefinition](s.jobsPath)
	if err != nil {
		return err
	}
	m[j.Name] = j
	return writeSnapshot(s.jobsPath, m)
}

func (s *fileStore) GetJob(ctx context.Context, name string) (model.JobDefinition, bool, error) {
	s.mu.Lock()
	m, err := readSnapshot[model.JobDefinition](s.jobsPath)
	s.mu.Unlock()
	if err != nil {
		return model.JobDefinition{}, false, err
	}
	j, ok := m[name]
	return j, ok, nil
}

func (s *fileStore) ListJobs(ctx context.Context) ([]model.JobDefinition, error) {
	s.mu.Lock()
	m, err := readSnapshot[model.JobDefinition](s.jobsPath)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]model.JobDefinition, 0, len(m))
	for _, j := range m {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---- history ----

func (s *fileStore) AppendExecution(ctx context.Context, rec model.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("history file closed")
	}
	return json.NewEncoder(s.historyFile).Encode(rec)
}

func (s *fileStore) RecentExecutions(ctx context.Context, job string, n int) ([]model.ExecutionRecord, error) {
	recs, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	return newestFirst(recs, job, n), nil
}

func (s *fileStore) Aggregate(ctx context.Context, job string, since time.Time) (model.Stats, error) {
	recs, err := s.readHistory()
	if err != nil {
		return model.Stats{}, err
	}
	return aggregateRecords(recs, job, since), nil
}

func (s *fileStore) AggregateAll(ctx context.Context, since time.Time) (map[string]model.Stats, error) {
	recs, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	return aggregateAllRecords(recs, since), nil
}

func (s *fileStore) readHistory() ([]model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.historyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.ExecutionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r model.ExecutionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is skipped, not fatal.
			s.log.Debug("history line skipped", logx.Err(err), logx.String("path", s.historyPath))
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func readSnapshot[T any](path string) (map[string]T, error) {
	m := map[string]T{}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func writeSnapshot[T any](path string, m map[string]T) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
