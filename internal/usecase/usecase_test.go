package usecase

import (
	"context"
	"testing"
	"time"

	"jobwarden/internal/balancer"
	"jobwarden/internal/model"
	"jobwarden/internal/monitor"
)

func TestCatalogIsExhaustive(t *testing.T) {
	t.Parallel()
	seen := map[string]ID{}
	for id := ID(1); id <= lastID; id++ {
		m, ok := catalog[id]
		if !ok || m.slug == "" || m.name == "" {
			t.Fatalf("id %d has no catalog entry", id)
		}
		if other, dup := seen[m.slug]; dup {
			t.Fatalf("slug %q used by %d and %d", m.slug, other, id)
		}
		seen[m.slug] = id
		if _, ok := strategies[id]; !ok {
			t.Errorf("%s has no strategy", id)
		}
		if got, ok := ParseID(m.slug); !ok || got != id {
			t.Errorf("ParseID(%q) = %d", m.slug, got)
		}
	}
	if len(catalog) != int(lastID) {
		t.Fatalf("catalog has %d entries, want %d", len(catalog), lastID)
	}
}

func TestUnknownIDUsesConservativeDefault(t *testing.T) {
	t.Parallel()
	s := StrategyFor(UseCase{ID: lastID + 7})
	if s.Name != "conservative" || s.CPUThreshold != 75 || s.MemoryThreshold != 80 {
		t.Fatalf("strategy = %+v", s)
	}
	if ID(99).String() != "usecase(99)" {
		t.Fatal(ID(99).String())
	}
}

func TestConfidenceIsClamped(t *testing.T) {
	t.Parallel()
	if uc := newUseCase(Bursty, 140, nil); uc.Confidence != 100 || uc.Priority != 55 {
		t.Fatalf("%+v", uc)
	}
	if uc := newUseCase(Bursty, -3, nil); uc.Confidence != 0 {
		t.Fatalf("%+v", uc)
	}
}

func TestEvaluateOrdersByPriorityKeepingDetectorOrder(t *testing.T) {
	t.Parallel()
	// Tuesday 03:00: night window (20), plus a major spike (85) and a
	// predicted memory exhaustion (85) that ties with it.
	in := Input{
		Now:        time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC),
		Snapshot:   monitor.Snapshot{Memory: 80},
		Spike:      monitor.SpikeResult{Detected: true, IncreasePct: 120, Confidence: 100},
		MemoryPred: monitor.Prediction{Value: 97, Confidence: 90},
	}
	got := Evaluate(in)
	if len(got) != 3 {
		t.Fatalf("got %d use cases: %+v", len(got), got)
	}
	want := []ID{MajorSpike, PredictedMemoryExhaustion, NightWindow}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("rank %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestSpikeTiers(t *testing.T) {
	t.Parallel()
	cases := []struct {
		inc  float64
		want ID
	}{{60, ModerateSpike}, {100, MajorSpike}, {250, ExtremeSpike}}
	for _, c := range cases {
		got := detectSpike(Input{Spike: monitor.SpikeResult{Detected: true, IncreasePct: c.inc, Confidence: 80}})
		if len(got) != 1 || got[0].ID != c.want {
			t.Errorf("inc %v -> %+v, want %s", c.inc, got, c.want)
		}
	}
}

func TestSustainedNeedsDuration(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var h []monitor.Snapshot
	for i := 0; i <= 30; i++ { // 2.5 minutes at 90
		h = append(h, monitor.Snapshot{Time: start.Add(time.Duration(i) * 5 * time.Second), OverallLoad: 90})
	}
	got := detectSustained(Input{History: h})
	if len(got) != 1 || got[0].ID != SustainedCritical {
		t.Fatalf("got %+v", got)
	}
	if got := detectSustained(Input{History: h[:20]}); len(got) != 0 {
		t.Fatalf("95s at 90 should not be sustained: %+v", got)
	}
}

func TestTemporalRules(t *testing.T) {
	t.Parallel()
	cases := []struct {
		at   time.Time
		load float64
		want []ID
	}{
		{time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC), 60, []ID{BusinessPeak}},
		{time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC), 7.8, nil},
		{time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC), 0, []ID{NightWindow}},
		{time.Date(2024, 1, 6, 2, 0, 0, 0, time.UTC), 0, []ID{NightWindow, WeekendLow}},
		{time.Date(2024, 1, 6, 14, 0, 0, 0, time.UTC), 0, []ID{WeekendLow}},
		{time.Date(2024, 1, 3, 20, 0, 0, 0, time.UTC), 90, nil},
	}
	for _, c := range cases {
		got := detectTemporal(Input{Now: c.at, Snapshot: monitor.Snapshot{OverallLoad: c.load}})
		if len(got) != len(c.want) {
			t.Errorf("%s: got %+v", c.at, got)
			continue
		}
		for i := range got {
			if got[i].ID != c.want[i] {
				t.Errorf("%s: got %s want %s", c.at, got[i].ID, c.want[i])
			}
		}
	}
}

func TestTaskHints(t *testing.T) {
	t.Parallel()
	got := detectTask(Input{Tasks: []string{"nightly-DB-vacuum", "sales-report", "cleanup"}})
	if len(got) != 2 || got[0].ID != DatabaseTask || got[1].ID != BatchTask {
		t.Fatalf("got %+v", got)
	}
}

func TestResourceImbalance(t *testing.T) {
	t.Parallel()
	got := detectResource(Input{Snapshot: monitor.Snapshot{CPU: 92, Memory: 40, Swap: 35, IOWait: 25}})
	ids := map[ID]bool{}
	for _, uc := range got {
		ids[uc.ID] = true
	}
	if !ids[SwapThrashing] || !ids[CPUBound] || !ids[IOBound] || ids[MemoryBound] {
		t.Fatalf("got %+v", got)
	}
}

type recordingOverrider struct{ last *balancer.Override }

func (r *recordingOverrider) ApplyOverride(o *balancer.Override) { r.last = o }

func spikingMonitor() (*monitor.Monitor, time.Time) {
	m := monitor.New(monitor.Options{Samplers: &monitor.Samplers{}})
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 54; i++ {
		m.Record(monitor.Snapshot{Time: ts, OverallLoad: 40, CPU: 40, Memory: 40})
		ts = ts.Add(5 * time.Second)
	}
	for i := 0; i < 3; i++ {
		m.Record(monitor.Snapshot{Time: ts, OverallLoad: 85, CPU: 85, Memory: 85})
		ts = ts.Add(5 * time.Second)
	}
	return m, ts
}

func TestApplyInstallsTopStrategy(t *testing.T) {
	t.Parallel()
	mon, now := spikingMonitor()
	out := &recordingOverrider{}
	e := NewEngine(mon, out, Options{Interval: 30 * time.Second, Now: func() time.Time { return now }})

	res := e.Apply(context.Background())
	if res.Selected == nil || res.Selected.ID != MajorSpike {
		t.Fatalf("selected = %+v (all %+v)", res.Selected, res.UseCases)
	}
	if out.last == nil || out.last.ConcurrencyFactor != 0.5 || out.last.CPUThreshold != 65 {
		t.Fatalf("override = %+v", out.last)
	}
	if len(out.last.Defer) != 1 || out.last.Defer[0] != model.ClassHeavy {
		t.Fatalf("defer = %v", out.last.Defer)
	}
	if !out.last.Expires.Equal(now.Add(time.Minute)) {
		t.Fatalf("expires = %s, want two intervals", out.last.Expires)
	}
	if e.Last().Selected.ID != MajorSpike {
		t.Fatal("Last not recorded")
	}
}

func TestApplyClearsWhenNothingMatches(t *testing.T) {
	t.Parallel()
	m := monitor.New(monitor.Options{Samplers: &monitor.Samplers{}})
	ts := time.Date(2024, 1, 3, 20, 0, 0, 0, time.UTC) // Wednesday evening
	for i := 0; i < 10; i++ {
		m.Record(monitor.Snapshot{Time: ts, OverallLoad: 20, CPU: 20, Memory: 20})
		ts = ts.Add(5 * time.Second)
	}
	out := &recordingOverrider{last: &balancer.Override{Source: "stale"}}
	e := NewEngine(m, out, Options{Now: func() time.Time { return ts }})
	if res := e.Apply(context.Background()); res.Selected != nil {
		t.Fatalf("selected = %+v", res.Selected)
	}
	if out.last != nil {
		t.Fatalf("override not cleared: %+v", out.last)
	}
}

func TestOverrideReachesBalancer(t *testing.T) {
	t.Parallel()
	mon, now := spikingMonitor()
	bal := balancer.New(map[model.SlotName]model.SlotLimits{model.SlotHeavy: {MaxConcurrent: 2}},
		balancer.Options{Now: func() time.Time { return now }})
	e := NewEngine(mon, bal, Options{Now: func() time.Time { return now }})
	e.Apply(context.Background())

	d := bal.CanRun(context.Background(), model.JobDefinition{Name: "rebuild-index", Class: model.ClassHeavy})
	if d.Admitted || d.Reason != balancer.ReasonDeferred {
		t.Fatalf("decision = %s", d)
	}
}

func TestIdleBusinessHoursDefersNothing(t *testing.T) {
	t.Parallel()
	// Tuesday 10:00 on an idle host.
	in := Input{
		Now:      time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		Snapshot: monitor.Snapshot{CPU: 5, Memory: 20, OverallLoad: 7.8},
	}
	for _, uc := range Evaluate(in) {
		if s := StrategyFor(uc); len(s.Defer) > 0 {
			t.Fatalf("%s defers %v on an idle host", uc.Slug, s.Defer)
		}
	}
}

func TestQuietWindowsNeverWidenLimits(t *testing.T) {
	t.Parallel()
	for id := ID(1); id <= lastID; id++ {
		if s := StrategyFor(newUseCase(id, 100, nil)); s.ConcurrencyFactor > 1 {
			t.Errorf("%s strategy %s widens concurrency by %v", id, s.Name, s.ConcurrencyFactor)
		}
	}
}
