package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jobwarden/internal/balancer"
	"jobwarden/internal/eventbus"
	"jobwarden/internal/lock"
	"jobwarden/internal/model"
	"jobwarden/internal/notifier"
	"jobwarden/internal/schedule"
	"jobwarden/internal/storage"
	"jobwarden/internal/task/engine"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type gate struct {
	mu     sync.Mutex
	deny   balancer.Reason
	checks int
}

func (g *gate) Admit(_ context.Context, j model.JobDefinition) (balancer.Decision, *lock.Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if g.deny != "" {
		return balancer.Decision{Reason: g.deny}, nil
	}
	return balancer.Decision{Admitted: true, Reason: balancer.ReasonAdmitted}, nil
}

type fakeExec struct {
	mu       sync.Mutex
	clock    *clock
	duration time.Duration
	memMB    float64
	fail     bool
	retries  int // failed attempts before the final one
	runs     []string
	release  chan struct{}
}

func (f *fakeExec) ExecuteTask(ctx context.Context, j model.JobDefinition, ro engine.RunOptions) engine.Outcome {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, j.Name)
	start := f.clock.now()
	rec := &model.ExecutionRecord{
		ID:        j.Name + "-" + start.Format(time.RFC3339Nano),
		Job:       j.Name,
		Attempt:   1,
		StartedAt: start,
		EndedAt:   start.Add(f.duration),
		Duration:  f.duration,
		PeakMemMB: f.memMB,
		Status:    model.StatusSuccess,
		Success:   true,
	}
	if f.fail {
		rec.Status, rec.Success, rec.ExitCode = model.StatusFailed, false, 1
	}
	var recs []*model.ExecutionRecord
	for i := 0; i < f.retries; i++ {
		recs = append(recs, &model.ExecutionRecord{
			ID:        j.Name + "-retry-" + start.Add(time.Duration(i)).Format(time.RFC3339Nano),
			Job:       j.Name,
			Attempt:   i + 1,
			Retried:   true,
			StartedAt: start.Add(-time.Duration(f.retries-i) * time.Minute),
			Duration:  time.Minute,
			Status:    model.StatusFailed,
			ExitCode:  1,
		})
	}
	rec.Attempt = f.retries + 1
	recs = append(recs, rec)
	return engine.Outcome{Job: j.Name, Disposition: engine.Executed, Record: rec, Records: recs}
}

func (f *fakeExec) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

type alertLog struct {
	mu  sync.Mutex
	got []string
}

func (a *alertLog) SendAlert(_ notifier.Severity, msg string, _ map[string]any) {
	a.mu.Lock()
	a.got = append(a.got, msg)
	a.mu.Unlock()
}

type fixture struct {
	m      *Manager
	store  storage.Store
	clock  *clock
	gate   *gate
	exec   *fakeExec
	alerts *alertLog
	bus    eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 4, 10, 3, 0, 0, time.UTC)}
	f := &fixture{
		store:  storage.NewMemory(),
		clock:  c,
		gate:   &gate{},
		exec:   &fakeExec{clock: c, duration: time.Second, memMB: 10},
		alerts: &alertLog{},
		bus:    eventbus.New(),
	}
	planner := schedule.NewOptimizer(schedule.Options{Location: time.UTC})
	f.m = NewManager(f.store, planner, f.gate, f.exec, Options{
		Bus:   f.bus,
		Alert: f.alerts,
		Now:   c.now,
	})
	return f
}

func every5(name string, offset int) model.JobDefinition {
	return model.JobDefinition{
		Name:     name,
		Script:   name + ".sh",
		Class:    model.ClassLight,
		Enabled:  true,
		Schedule: model.Schedule{Frequency: model.FreqEvery5Minutes, Offset: offset},
	}
}

func TestRegisterComputesNextRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.RegisterJob(ctx, every5("sync", 2)); err != nil {
		t.Fatal(err)
	}
	j, err := f.m.GetJob(ctx, "sync")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 4, 10, 7, 0, 0, time.UTC)
	if !j.NextScheduledRun.Equal(want) || j.CreatedAt.IsZero() {
		t.Fatalf("next = %s created = %s", j.NextScheduledRun, j.CreatedAt)
	}

	bad := every5("cronjob", 0)
	bad.Schedule = model.Schedule{Spec: "*/61 * * * *"}
	if err := f.m.RegisterJob(ctx, bad); err == nil {
		t.Fatal("invalid cron accepted")
	}
}

func TestUpdateKeepsRuntimeFieldsAndReschedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.RegisterJob(ctx, every5("sync", 2)); err != nil {
		t.Fatal(err)
	}
	f.clock.set(time.Date(2024, 3, 4, 10, 7, 0, 0, time.UTC))
	if _, err := f.m.ExecuteJob(ctx, "sync", ExecOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := f.m.UpdateJob(ctx, "sync", func(j *model.JobDefinition) { j.Schedule.Offset = 4 }); err != nil {
		t.Fatal(err)
	}
	j, _ := f.m.GetJob(ctx, "sync")
	if j.ExecutionCount != 1 || j.LastRunAt.IsZero() {
		t.Fatalf("runtime fields lost: %+v", j)
	}
	if want := time.Date(2024, 3, 4, 10, 9, 0, 0, time.UTC); !j.NextScheduledRun.Equal(want) {
		t.Fatalf("next = %s, want %s", j.NextScheduledRun, want)
	}
	if err := f.m.UpdateJob(ctx, "sync", func(j *model.JobDefinition) { j.Name = "other" }); err == nil {
		t.Fatal("rename accepted")
	}
	if err := f.m.UpdateJob(ctx, "missing", func(*model.JobDefinition) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDueJobsOrdering(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	seed := []model.JobDefinition{
		{Name: "low-early", Priority: 1, NextScheduledRun: base},
		{Name: "high-late", Priority: 5, NextScheduledRun: base.Add(2 * time.Minute)},
		{Name: "high-early", Priority: 5, NextScheduledRun: base.Add(time.Minute)},
		{Name: "future", Priority: 9, NextScheduledRun: base.Add(time.Hour)},
		{Name: "disabled", Priority: 9, NextScheduledRun: base, Disabled: true},
		{Name: "never", Priority: 9},
	}
	for _, j := range seed {
		j.Enabled = true
		if err := f.store.UpsertJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	due, err := f.m.DueJobs(ctx, base.Add(3*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"high-early", "high-late", "low-early"}
	if len(due) != len(want) {
		t.Fatalf("due = %v", names(due))
	}
	for i := range want {
		if due[i].Name != want[i] {
			t.Fatalf("due = %v, want %v", names(due), want)
		}
	}
}

func names(js []model.JobDefinition) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.Name
	}
	return out
}

func TestDeferredKeepsDueTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.RegisterJob(ctx, every5("sync", 2)); err != nil {
		t.Fatal(err)
	}
	before, _ := f.m.GetJob(ctx, "sync")
	f.gate.deny = balancer.ReasonSlotFull

	out, err := f.m.ExecuteJob(ctx, "sync", ExecOptions{Trigger: "schedule"})
	if err != nil || out.Disposition != engine.Deferred || out.Reason != string(balancer.ReasonSlotFull) {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	if len(f.exec.ran()) != 0 {
		t.Fatal("deferred job executed")
	}
	after, _ := f.m.GetJob(ctx, "sync")
	if !after.NextScheduledRun.Equal(before.NextScheduledRun) || after.ExecutionCount != 0 {
		t.Fatalf("deferral changed job: %+v", after)
	}

	out, err = f.m.ExecuteJob(ctx, "sync", ExecOptions{BypassBalancer: true})
	if err != nil || out.Disposition != engine.Executed {
		t.Fatalf("bypass outcome = %+v, %v", out, err)
	}
}

func TestExecutePersistsAndRefreshes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.RegisterJob(ctx, every5("sync", 2)); err != nil {
		t.Fatal(err)
	}
	f.clock.set(time.Date(2024, 3, 4, 10, 7, 0, 0, time.UTC))
	out, err := f.m.ExecuteJob(ctx, "sync", ExecOptions{Trigger: "schedule"})
	if err != nil || !out.Succeeded() {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	recs, err := f.m.History(ctx, "sync", 5)
	if err != nil || len(recs) != 1 || recs[0].ID != out.Record.ID {
		t.Fatalf("history = %+v, %v", recs, err)
	}
	j, _ := f.m.GetJob(ctx, "sync")
	if j.ExecutionCount != 1 || j.Stats24h.Executions != 1 || j.Stats24h.Window != 24*time.Hour {
		t.Fatalf("job = %+v", j)
	}
	if want := time.Date(2024, 3, 4, 10, 12, 0, 0, time.UTC); !j.NextScheduledRun.Equal(want) {
		t.Fatalf("next = %s, want %s", j.NextScheduledRun, want)
	}

	if err := f.m.DisableJob(ctx, "sync"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.ExecuteJob(ctx, "sync", ExecOptions{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	if _, err := f.m.ExecuteJob(ctx, "nope", ExecOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestBaselineAndAnomaly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(16)
	defer unsub()
	if err := f.m.RegisterJob(ctx, every5("sync", 2)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		f.clock.set(f.clock.now().Add(time.Minute))
		if _, err := f.m.ExecuteJob(ctx, "sync", ExecOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	j, _ := f.m.GetJob(ctx, "sync")
	if j.Baseline.Samples != 10 || j.Baseline.AvgDuration != time.Second {
		t.Fatalf("baseline = %+v", j.Baseline)
	}
	if len(f.alerts.got) != 0 {
		t.Fatalf("alerts before anomaly: %v", f.alerts.got)
	}

	f.exec.mu.Lock()
	f.exec.duration = 4 * time.Second
	f.exec.mu.Unlock()
	f.clock.set(f.clock.now().Add(time.Minute))
	if _, err := f.m.ExecuteJob(ctx, "sync", ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(f.alerts.got) != 1 {
		t.Fatalf("alerts = %v", f.alerts.got)
	}
	select {
	case e := <-events:
		a, ok := e.Data.(eventbus.Anomaly)
		if e.Type != eventbus.TypeAnomaly || !ok || a.Metric != "duration" || a.Value != 4 || a.Base != 1 {
			t.Fatalf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("anomaly event not published")
	}
}

func TestReanalyzePromotesHeavyJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	j := every5("etl", 1)
	j.Class = model.ClassMedium
	if err := f.m.RegisterJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	f.exec.mu.Lock()
	f.exec.duration = 10 * time.Minute
	f.exec.mu.Unlock()
	if _, err := f.m.ExecuteJob(ctx, "etl", ExecOptions{}); err != nil {
		t.Fatal(err)
	}

	res, err := f.m.Reanalyze(ctx)
	if err != nil || len(res) != 1 || res[0].Class != model.ClassHeavy {
		t.Fatalf("classifications = %+v, %v", res, err)
	}
	got, _ := f.m.GetJob(ctx, "etl")
	if got.Class != model.ClassHeavy {
		t.Fatalf("class = %s", got.Class)
	}
}

func TestDispatcherTick(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if err := f.m.RegisterJob(ctx, every5(name, 2)); err != nil {
			t.Fatal(err)
		}
	}
	f.exec.release = make(chan struct{})
	f.clock.set(time.Date(2024, 3, 4, 10, 7, 0, 0, time.UTC))

	var outcomes sync.WaitGroup
	outcomes.Add(2)
	d := NewDispatcher(f.m, nil, DispatcherOptions{Now: f.clock.now, OnOutcome: func(engine.Outcome) { outcomes.Done() }})
	if n := d.Tick(ctx); n != 2 {
		t.Fatalf("started = %d", n)
	}
	// Both are still in flight.
	if n := d.Tick(ctx); n != 0 {
		t.Fatalf("second tick started %d", n)
	}
	close(f.exec.release)
	outcomes.Wait()
	d.Wait()

	if got := f.exec.ran(); len(got) != 2 {
		t.Fatalf("ran = %v", got)
	}
	if n := d.Tick(ctx); n != 0 {
		t.Fatalf("tick after run started %d; next runs not advanced", n)
	}
}

func TestEveryAttemptPersisted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.RegisterJob(ctx, every5("sync", 2)); err != nil {
		t.Fatal(err)
	}
	f.exec.mu.Lock()
	f.exec.fail, f.exec.retries = true, 1
	f.exec.mu.Unlock()

	out, err := f.m.ExecuteJob(ctx, "sync", ExecOptions{})
	if err != nil || out.Succeeded() {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	recs, err := f.m.History(ctx, "sync", 10)
	if err != nil || len(recs) != 2 {
		t.Fatalf("history = %+v, %v", recs, err)
	}
	if recs[0].Attempt != 2 || recs[0].Retried || recs[1].Attempt != 1 || !recs[1].Retried {
		t.Fatalf("history order = %+v", recs)
	}
	j, _ := f.m.GetJob(ctx, "sync")
	if j.ExecutionCount != 1 || j.Stats24h.Executions != 1 || j.Stats24h.Failures != 1 {
		t.Fatalf("stats count retried attempts: count=%d stats=%+v", j.ExecutionCount, j.Stats24h)
	}
	if !j.LastRunAt.Equal(recs[1].StartedAt) {
		t.Fatalf("last run = %s, want first attempt start %s", j.LastRunAt, recs[1].StartedAt)
	}
}

func TestAlreadyRunningAtAdmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.RegisterJob(ctx, every5("sync", 2)); err != nil {
		t.Fatal(err)
	}
	f.gate.deny = balancer.ReasonRunning
	out, err := f.m.ExecuteJob(ctx, "sync", ExecOptions{})
	if err != nil || out.Disposition != engine.AlreadyRunning || len(f.exec.ran()) != 0 {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
}
