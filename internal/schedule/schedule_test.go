package schedule

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"jobwarden/internal/model"
	"jobwarden/internal/storage"
)

func freqJob(name string, class model.ResourceClass, f model.Frequency, offset, minute int) model.JobDefinition {
	return model.JobDefinition{
		Name:     name,
		Script:   name + ".sh",
		Class:    class,
		Enabled:  true,
		Schedule: model.Schedule{Frequency: f, Offset: offset, Minute: minute},
	}
}

func TestEveryFiveMinutesWithOffset(t *testing.T) {
	t.Parallel()
	tab := NewOptimizer(Options{}).Generate([]model.JobDefinition{
		freqJob("rotate", model.ClassLight, model.FreqEvery5Minutes, 2, -1),
	})
	want := []int{2, 7, 12, 17, 22, 27, 32, 37, 42, 47, 52, 57}
	if got := tab.Placement("rotate"); !reflect.DeepEqual(got, want) {
		t.Fatalf("placement = %v, want %v", got, want)
	}
	for m := 0; m < 60; m++ {
		got := tab.TasksForMinute(m, 12, time.Monday)
		due := len(got) == 1 && got[0].Job == "rotate"
		if due != (m%5 == 2) {
			t.Fatalf("minute %d: %+v", m, got)
		}
	}
}

func TestHourlyDailyWeeklyGates(t *testing.T) {
	t.Parallel()
	daily := freqJob("report", model.ClassMedium, model.FreqDaily, -1, 30)
	daily.Schedule.Hour = 3
	weekly := freqJob("archive", model.ClassMedium, model.FreqWeekly, -1, 0)
	weekly.Schedule.Hour, weekly.Schedule.Weekday = 4, int(time.Sunday)
	hourly := freqJob("ping", model.ClassLight, model.FreqHourly, -1, 15)
	tab := NewOptimizer(Options{}).Generate([]model.JobDefinition{daily, weekly, hourly})

	cases := []struct {
		minute, hour int
		dow          time.Weekday
		want         []string
	}{
		{30, 3, time.Tuesday, []string{"report"}},
		{30, 4, time.Tuesday, nil},
		{0, 4, time.Sunday, []string{"archive"}},
		{0, 4, time.Monday, nil},
		{15, 0, time.Friday, []string{"ping"}},
		{15, 17, time.Saturday, []string{"ping"}},
	}
	for _, c := range cases {
		var got []string
		for _, e := range tab.TasksForMinute(c.minute, c.hour, c.dow) {
			got = append(got, e.Job)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%02d:%02d %s = %v, want %v", c.hour, c.minute, c.dow, got, c.want)
		}
	}
	if tab.TasksForMinute(60, 0, time.Monday) != nil {
		t.Fatal("minute 60 must be empty")
	}
}

func TestBusinessHoursOnly(t *testing.T) {
	t.Parallel()
	j := freqJob("sync", model.ClassLight, model.FreqEvery10Minutes, 0, -1)
	j.BusinessHoursOnly = true
	tab := NewOptimizer(Options{}).Generate([]model.JobDefinition{j})
	if len(tab.TasksForMinute(0, 7, time.Monday)) != 0 {
		t.Fatal("07:00 is before business hours")
	}
	if len(tab.TasksForMinute(0, 8, time.Monday)) != 1 || len(tab.TasksForMinute(50, 22, time.Monday)) != 1 {
		t.Fatal("08:00 and 22:50 are inside business hours")
	}
	if len(tab.TasksForMinute(0, 23, time.Monday)) != 0 {
		t.Fatal("23:00 is past business hours")
	}
}

func TestHeavyJobsAreStaggered(t *testing.T) {
	t.Parallel()
	var jobs []model.JobDefinition
	for _, n := range []string{"a", "b", "c", "d"} {
		jobs = append(jobs, freqJob("heavy-"+n, model.ClassHeavy, model.FreqEvery15Minutes, -1, -1))
	}
	// An explicitly placed heavy job takes minute 0 first.
	jobs = append(jobs, freqJob("pinned", model.ClassHeavy, model.FreqHourly, -1, 0))
	tab := NewOptimizer(Options{MaxHeavyPerMinute: 1}).Generate(jobs)

	for m := 0; m < 60; m++ {
		if n := tab.heavyAt(m); n > 1 {
			t.Fatalf("minute %d holds %d heavy jobs: %+v", m, n, tab.Minutes[m])
		}
	}
	if got := tab.Placement("heavy-a"); len(got) != 4 || got[0] == 0 {
		t.Fatalf("heavy-a placed at %v", got)
	}
	if len(tab.Overflow) != 0 {
		t.Fatalf("overflow = %v", tab.Overflow)
	}
}

func TestHeavyOverflowIsReported(t *testing.T) {
	t.Parallel()
	var jobs []model.JobDefinition
	for _, n := range []string{"a", "b", "c"} {
		jobs = append(jobs, freqJob(n, model.ClassHeavy, model.FreqEvery30Minutes, -1, -1))
	}
	// Five-minute heavy jobs fill the remaining free offsets, then collide.
	for _, n := range []string{"v", "w", "x"} {
		jobs = append(jobs, freqJob(n, model.ClassHeavy, model.FreqEvery5Minutes, -1, -1))
	}
	tab := NewOptimizer(Options{MaxHeavyPerMinute: 1}).Generate(jobs)
	if !reflect.DeepEqual(tab.Overflow, []string{"x"}) {
		t.Fatalf("overflow = %v, want [x]", tab.Overflow)
	}
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		src   string
	}{
		{"*/5 * * * *", SpecCron, 0, "cron"},
		{"@hourly", SpecCron, 0, "cron"},
		{"cron:0 3 * * *", SpecCron, 0, "cron"},
		{"55m", SpecInterval, 55 * time.Minute, "duration"},
		{"02:30", SpecInterval, 150 * time.Minute, "hhmm"},
		{"interval:45s", SpecInterval, 45 * time.Second, "duration"},
		{"every:00:10", SpecInterval, 10 * time.Minute, "hhmm"},
	}
	for _, c := range cases {
		sp, err := ParseSpec(c.in)
		if err != nil {
			t.Fatalf("%q: %v", c.in, err)
		}
		if sp.Kind != c.kind || sp.Every != c.every || sp.Source != c.src {
			t.Errorf("%q = %+v", c.in, sp)
		}
	}
	for _, bad := range []string{"", "soon", "0s", "01:75", "* * *", "cron:"} {
		if _, err := ParseSpec(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	rotate := freqJob("rotate", model.ClassLight, model.FreqEvery5Minutes, 2, -1)
	cronJob := model.JobDefinition{Name: "nightly", Script: "n.sh", Enabled: true, Schedule: model.Schedule{Spec: "0 3 * * *"}}
	biz := model.JobDefinition{Name: "biz", Script: "b.sh", Enabled: true, BusinessHoursOnly: true,
		Schedule: model.Schedule{Spec: "0 * * * *"}}
	every := model.JobDefinition{Name: "every", Script: "e.sh", Enabled: true, Schedule: model.Schedule{Spec: "45m"}}
	tab := NewOptimizer(Options{Location: loc}).Generate([]model.JobDefinition{rotate, cronJob, biz, every})

	from := time.Date(2024, 3, 4, 10, 3, 20, 0, loc)
	cases := []struct {
		job  model.JobDefinition
		last time.Time
		want time.Time
	}{
		{rotate, time.Time{}, time.Date(2024, 3, 4, 10, 7, 0, 0, loc)},
		{cronJob, time.Time{}, time.Date(2024, 3, 5, 3, 0, 0, 0, loc)},
		{every, time.Time{}, from.Add(45 * time.Minute)},
		{every, from.Add(-10 * time.Minute), from.Add(35 * time.Minute)},
		{every, from.Add(-2 * time.Hour), from},
	}
	for _, c := range cases {
		got, err := tab.NextRun(c.job, from, c.last)
		if err != nil || !got.Equal(c.want) {
			t.Errorf("%s: %s, %v; want %s", c.job.Name, got, err, c.want)
		}
	}

	late := time.Date(2024, 3, 4, 22, 30, 0, 0, loc)
	got, err := tab.NextRun(biz, late, time.Time{})
	if err != nil || !got.Equal(time.Date(2024, 3, 5, 8, 0, 0, 0, loc)) {
		t.Fatalf("business-hours cron after 22:30 = %s, %v", got, err)
	}

	if _, err := tab.NextRun(model.JobDefinition{Name: "ghost"}, from, time.Time{}); !errors.Is(err, ErrUnscheduled) {
		t.Fatalf("unknown job err = %v", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	th := Thresholds{}
	cases := []struct {
		st   model.Stats
		want model.ResourceClass
	}{
		{model.Stats{AvgDuration: 10 * time.Second, AvgMemoryMB: 20}, model.ClassLight},
		{model.Stats{AvgDuration: 2 * time.Minute}, model.ClassMedium},
		{model.Stats{AvgMemoryMB: 200}, model.ClassMedium},
		{model.Stats{AvgDuration: 6 * time.Minute}, model.ClassHeavy},
		{model.Stats{AvgDuration: time.Second, AvgMemoryMB: 600}, model.ClassHeavy},
	}
	for _, c := range cases {
		if got := th.Classify(c.st); got != c.want {
			t.Errorf("%+v -> %s, want %s", c.st, got, c.want)
		}
	}
}

func TestAnalyzerUsesTrailingWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	add := func(job string, age, dur time.Duration, mem float64) {
		start := now.Add(-age)
		if err := store.AppendExecution(ctx, model.ExecutionRecord{
			ID: job + start.String(), Job: job, Status: model.StatusSuccess, Success: true,
			StartedAt: start, EndedAt: start.Add(dur), Duration: dur, PeakMemMB: mem,
		}); err != nil {
			t.Fatal(err)
		}
	}
	add("etl", 24*time.Hour, 10*time.Minute, 100)
	add("etl", 48*time.Hour, 8*time.Minute, 100)
	add("etl", 60*24*time.Hour, time.Second, 1) // outside the 30-day window
	add("tiny", time.Hour, time.Second, 5)

	an := NewAnalyzer(store, Thresholds{}, func() time.Time { return now })
	c, err := an.Classify(ctx, model.JobDefinition{Name: "etl", Class: model.ClassLight})
	if err != nil || c.Class != model.ClassHeavy || !c.Changed() || c.Stats.Executions != 2 {
		t.Fatalf("etl = %+v, %v", c, err)
	}

	all, err := an.ClassifyAll(ctx, []model.JobDefinition{
		{Name: "tiny", Class: model.ClassHeavy},
		{Name: "new", Class: model.ClassMedium},
		{Name: "etl", Class: model.ClassCritical},
	})
	if err != nil {
		t.Fatal(err)
	}
	if all[0].Class != model.ClassLight || all[1].Class != model.ClassMedium || all[2].Class != model.ClassCritical {
		t.Fatalf("ClassifyAll = %+v", all)
	}
}
