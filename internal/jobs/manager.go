// Package jobs owns job definitions: registration, due-job selection, and
// the admission -> execution -> accounting path for one run.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jobwarden/internal/balancer"
	"jobwarden/internal/eventbus"
	"jobwarden/internal/lock"
	"jobwarden/internal/model"
	"jobwarden/internal/notifier"
	"jobwarden/internal/schedule"
	"jobwarden/internal/storage"
	"jobwarden/internal/task/engine"
	logx "jobwarden/pkg/logx"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrDisabled = errors.New("job disabled")
)

// Store is the persistence the manager needs.
type Store interface {
	storage.JobStore
	storage.HistoryStore
}

// Admitter decides whether a job may start now and, when it may, reserves
// its slot by returning the job's lock. A nil handle leaves locking to the
// executor. *balancer.Balancer satisfies it.
type Admitter interface {
	Admit(ctx context.Context, job model.JobDefinition) (balancer.Decision, *lock.Handle)
}

// Executor runs one admitted job. *engine.Engine satisfies it.
type Executor interface {
	ExecuteTask(ctx context.Context, job model.JobDefinition, ro engine.RunOptions) engine.Outcome
}

var (
	_ Admitter = (*balancer.Balancer)(nil)
	_ Executor = (*engine.Engine)(nil)
)

type Options struct {
	StatsWindow    time.Duration // default 24h
	BaselineEvery  int           // default 10
	BaselineWindow time.Duration // default 7d
	AnomalyFactor  float64       // default 3
	Thresholds     schedule.Thresholds

	Bus   eventbus.Bus
	Log   logx.Logger
	Alert engine.Alerter
	Now   func() time.Time
}

// ExecOptions are the per-run overrides of ExecuteJob.
type ExecOptions struct {
	BypassBreaker  bool
	BypassBalancer bool
	Trigger        string // "schedule" or "manual"
}

type Manager struct {
	opts     Options
	log      logx.Logger
	store    Store
	planner  *schedule.Optimizer
	analyzer *schedule.Analyzer
	admit    Admitter
	exec     Executor

	// mu serializes read-modify-write of job rows and table swaps.
	mu    sync.Mutex
	table atomic.Pointer[schedule.Table]
}

func NewManager(store Store, planner *schedule.Optimizer, admit Admitter, exec Executor, opts Options) *Manager {
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = 24 * time.Hour
	}
	if opts.BaselineEvery <= 0 {
		opts.BaselineEvery = 10
	}
	if opts.BaselineWindow <= 0 {
		opts.BaselineWindow = 7 * 24 * time.Hour
	}
	if opts.AnomalyFactor <= 0 {
		opts.AnomalyFactor = 3
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		opts:     opts,
		log:      opts.Log.With(logx.String("comp", "jobs")),
		store:    store,
		planner:  planner,
		analyzer: schedule.NewAnalyzer(store, opts.Thresholds, opts.Now),
		admit:    admit,
		exec:     exec,
	}
	m.table.Store(planner.Generate(nil))
	return m
}

// Table is the current dispatch table.
func (m *Manager) Table() *schedule.Table { return m.table.Load() }

func (m *Manager) GetJob(ctx context.Context, name string) (model.JobDefinition, error) {
	j, ok, err := m.store.GetJob(ctx, name)
	if err != nil {
		return model.JobDefinition{}, fmt.Errorf("load job %s: %w", name, err)
	}
	if !ok {
		return model.JobDefinition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return j, nil
}

// ListJobs returns every stored job, soft-disabled ones included, by name.
func (m *Manager) ListJobs(ctx context.Context) ([]model.JobDefinition, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Name < jobs[b].Name })
	return jobs, nil
}

// RegisterJob upserts j. Runtime fields of an existing row (counters, stats,
// baseline) are kept; the next run is recomputed when the schedule changed.
func (m *Manager) RegisterJob(ctx context.Context, j model.JobDefinition) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.Schedule.Spec != "" {
		if _, err := schedule.ParseSpec(j.Schedule.Spec); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	prev, exists, err := m.store.GetJob(ctx, j.Name)
	if err != nil {
		return fmt.Errorf("load job %s: %w", j.Name, err)
	}
	if exists {
		j.CreatedAt = prev.CreatedAt
		j.LastRunAt = prev.LastRunAt
		j.ExecutionCount = prev.ExecutionCount
		j.Stats24h = prev.Stats24h
		j.Baseline = prev.Baseline
		j.NextScheduledRun = prev.NextScheduledRun
	} else {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if err := m.store.UpsertJob(ctx, j); err != nil {
		return fmt.Errorf("save job %s: %w", j.Name, err)
	}

	force := map[string]bool{}
	if !exists || scheduleChanged(prev, j) {
		force[j.Name] = true
	}
	if err := m.replanLocked(ctx, force); err != nil {
		return err
	}
	m.log.Info("job registered",
		logx.Job(j.Name),
		logx.String("class", string(j.Class)),
		logx.Bool("new", !exists),
		logx.Bool("enabled", j.Active()))
	return nil
}

// UpdateJob applies fn to the stored definition and saves it. The name is
// immutable.
func (m *Manager) UpdateJob(ctx context.Context, name string, fn func(*model.JobDefinition)) error {
	j, err := m.GetJob(ctx, name)
	if err != nil {
		return err
	}
	fn(&j)
	if j.Name != name {
		return fmt.Errorf("job %q: name is immutable", name)
	}
	return m.RegisterJob(ctx, j)
}

// DisableJob soft-deletes name; its history stays addressable.
func (m *Manager) DisableJob(ctx context.Context, name string) error {
	return m.UpdateJob(ctx, name, func(j *model.JobDefinition) { j.Disabled = true })
}

func scheduleChanged(a, b model.JobDefinition) bool {
	return a.Schedule != b.Schedule ||
		a.BusinessHoursOnly != b.BusinessHoursOnly ||
		a.Class != b.Class ||
		a.Priority != b.Priority ||
		a.Active() != b.Active()
}

// Replan regenerates the dispatch table and refreshes next runs whose
// placement moved or that were never computed.
func (m *Manager) Replan(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replanLocked(ctx, nil)
}

func (m *Manager) replanLocked(ctx context.Context, force map[string]bool) error {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	old := m.table.Load()
	next := m.planner.Generate(jobs)
	m.table.Store(next)
	for _, name := range next.Overflow {
		m.log.Warn("heavy job over per-minute cap", logx.Job(name))
	}

	now := m.opts.Now()
	for _, j := range jobs {
		if !j.Active() {
			continue
		}
		moved := !sameInts(old.Placement(j.Name), next.Placement(j.Name))
		if !force[j.Name] && !moved && !j.NextScheduledRun.IsZero() {
			continue
		}
		at, err := next.NextRun(j, now, j.LastRunAt)
		if err != nil {
			m.log.Warn("job has no next run", logx.Job(j.Name), logx.Err(err))
			continue
		}
		j.NextScheduledRun = at
		if err := m.store.UpsertJob(ctx, j); err != nil {
			return fmt.Errorf("save job %s: %w", j.Name, err)
		}
		m.log.Debug("next run scheduled", logx.Job(j.Name), logx.Time("at", at))
	}
	return nil
}

func sameInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DueJobs returns active jobs whose next run is at or before now, by
// priority descending then due time.
func (m *Manager) DueJobs(ctx context.Context, now time.Time) ([]model.JobDefinition, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	due := jobs[:0]
	for _, j := range jobs {
		if j.Active() && !j.NextScheduledRun.IsZero() && !j.NextScheduledRun.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		if !due[a].NextScheduledRun.Equal(due[b].NextScheduledRun) {
			return due[a].NextScheduledRun.Before(due[b].NextScheduledRun)
		}
		return due[a].Name < due[b].Name
	})
	return due, nil
}

// ExecuteJob admits and runs name once. The error covers lookup and
// persistence; execution failures are in the Outcome.
//
// A deferred job keeps its due time so the next tick retries it.
func (m *Manager) ExecuteJob(ctx context.Context, name string, eo ExecOptions) (engine.Outcome, error) {
	j, err := m.GetJob(ctx, name)
	if err != nil {
		return engine.Outcome{Job: name}, err
	}
	if !j.Active() {
		return engine.Outcome{Job: name}, fmt.Errorf("%w: %s", ErrDisabled, name)
	}
	if eo.Trigger == "" {
		eo.Trigger = "manual"
	}

	ro := engine.RunOptions{BypassBreaker: eo.BypassBreaker, Trigger: eo.Trigger}
	if !eo.BypassBalancer && !j.BypassBalancer {
		d, h := m.admit.Admit(ctx, j)
		switch {
		case d.Reason == balancer.ReasonRunning:
			m.log.Info("execution skipped, already running", logx.Job(name), logx.String("trigger", eo.Trigger))
			return engine.Outcome{Job: name, Disposition: engine.AlreadyRunning, Reason: "already running"}, nil
		case !d.Admitted:
			return engine.Outcome{Job: name, Disposition: engine.Deferred, Reason: string(d.Reason)}, nil
		}
		ro.Lock = h
	} else {
		m.log.Warn("load balancer bypassed", logx.Job(name), logx.String("trigger", eo.Trigger))
	}

	out := m.exec.ExecuteTask(ctx, j, ro)
	if err := m.account(ctx, j, out); err != nil {
		return out, err
	}
	return out, nil
}

// account persists one record per attempt and refreshes the job's runtime
// fields from the final attempt.
func (m *Manager) account(ctx context.Context, ran model.JobDefinition, out engine.Outcome) error {
	// Persistence outlives a cancelled dispatcher.
	ctx = context.WithoutCancel(ctx)
	attempts := out.Attempts()
	for _, rec := range attempts {
		if err := m.store.AppendExecution(ctx, *rec); err != nil {
			return fmt.Errorf("record execution %s attempt %d: %w", ran.Name, rec.Attempt, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok, err := m.store.GetJob(ctx, ran.Name)
	if err != nil {
		return fmt.Errorf("load job %s: %w", ran.Name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ran.Name)
	}

	now := m.opts.Now()
	executed := out.Disposition == engine.Executed && out.Record != nil
	if executed {
		j.LastRunAt = attempts[0].StartedAt
		j.ExecutionCount++
		m.checkAnomaly(j, out.Record)

		st, err := m.store.Aggregate(ctx, j.Name, now.Add(-m.opts.StatsWindow))
		if err != nil {
			m.log.Warn("stats refresh failed", logx.Job(j.Name), logx.Err(err))
		} else {
			st.Window, st.UpdatedAt = m.opts.StatsWindow, now
			j.Stats24h = st
		}
		if j.ExecutionCount%int64(m.opts.BaselineEvery) == 0 {
			if err := m.refreshBaseline(ctx, &j, now); err != nil {
				m.log.Warn("baseline refresh failed", logx.Job(j.Name), logx.Err(err))
			}
		}
	}

	if at, err := m.table.Load().NextRun(j, now, j.LastRunAt); err == nil {
		j.NextScheduledRun = at
	} else {
		m.log.Warn("job has no next run", logx.Job(j.Name), logx.Err(err))
	}
	if err := m.store.UpsertJob(ctx, j); err != nil {
		return fmt.Errorf("save job %s: %w", j.Name, err)
	}
	return nil
}

func (m *Manager) refreshBaseline(ctx context.Context, j *model.JobDefinition, now time.Time) error {
	st, err := m.store.Aggregate(ctx, j.Name, now.Add(-m.opts.BaselineWindow))
	if err != nil {
		return err
	}
	j.Baseline = model.Baseline{
		AvgDuration: st.AvgDuration,
		AvgMemoryMB: st.AvgMemoryMB,
		AvgCPU:      st.AvgCPU,
		Samples:     st.Executions,
		ComputedAt:  now,
	}
	m.log.Info("baseline recomputed",
		logx.Job(j.Name),
		logx.Duration("avg_duration", st.AvgDuration),
		logx.Float64("avg_memory_mb", st.AvgMemoryMB),
		logx.Int("samples", st.Executions))
	return nil
}

// checkAnomaly compares rec with the stored baseline.
func (m *Manager) checkAnomaly(j model.JobDefinition, rec *model.ExecutionRecord) {
	b := j.Baseline
	if b.Samples == 0 {
		return
	}
	f := m.opts.AnomalyFactor
	if b.AvgDuration > 0 && float64(rec.Duration) > f*float64(b.AvgDuration) {
		m.anomaly(j.Name, "duration", rec.Duration.Seconds(), b.AvgDuration.Seconds())
	}
	if b.AvgMemoryMB > 0 && rec.PeakMemMB > f*b.AvgMemoryMB {
		m.anomaly(j.Name, "memory_mb", rec.PeakMemMB, b.AvgMemoryMB)
	}
}

func (m *Manager) anomaly(job, metric string, value, base float64) {
	m.log.Warn("execution anomaly",
		logx.Job(job),
		logx.String("metric", metric),
		logx.Float64("value", value),
		logx.Float64("baseline", base))
	m.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeAnomaly, Data: eventbus.Anomaly{
		Job: job, Metric: metric, Value: value, Base: base,
	}})
	if m.opts.Alert != nil {
		m.opts.Alert.SendAlert(notifier.SeverityWarning,
			fmt.Sprintf("job %s %s %.1f is over %.0fx baseline %.1f", job, metric, value, m.opts.AnomalyFactor, base),
			map[string]any{"job": job, "metric": metric})
	}
}

// Reanalyze reclassifies jobs from their execution history and replans
// when any class changed.
func (m *Manager) Reanalyze(ctx context.Context) ([]schedule.Classification, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	res, err := m.analyzer.ClassifyAll(ctx, jobs)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]model.JobDefinition, len(jobs))
	for _, j := range jobs {
		byName[j.Name] = j
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	force := map[string]bool{}
	for _, c := range res {
		if !c.Changed() {
			continue
		}
		j := byName[c.Job]
		m.log.Info("job reclassified",
			logx.Job(c.Job),
			logx.String("from", string(c.Declared)),
			logx.String("to", string(c.Class)),
			logx.Duration("avg_duration", c.Stats.AvgDuration),
			logx.Float64("avg_memory_mb", c.Stats.AvgMemoryMB))
		j.Class = c.Class
		j.UpdatedAt = m.opts.Now()
		if err := m.store.UpsertJob(ctx, j); err != nil {
			return res, fmt.Errorf("save job %s: %w", j.Name, err)
		}
		force[j.Name] = true
	}
	if len(force) == 0 {
		return res, nil
	}
	return res, m.replanLocked(ctx, force)
}

// History returns up to n records for name, newest first.
func (m *Manager) History(ctx context.Context, name string, n int) ([]model.ExecutionRecord, error) {
	return m.store.RecentExecutions(ctx, name, n)
}
