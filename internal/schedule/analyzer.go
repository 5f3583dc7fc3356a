package schedule

import (
	"context"
	"time"

	"jobwarden/internal/model"
)

// Aggregator is the history view the analyzer needs. storage.HistoryStore satisfies it.
type Aggregator interface {
	Aggregate(ctx context.Context, job string, since time.Time) (model.Stats, error)
	AggregateAll(ctx context.Context, since time.Time) (map[string]model.Stats, error)
}

// Thresholds separate classes by average cost. A job is heavy when either
// average exceeds the heavy value, else medium when either exceeds the
// medium value.
type Thresholds struct {
	HeavyDuration  time.Duration // default 5m
	HeavyMemoryMB  float64       // default 512
	MediumDuration time.Duration // default 1m
	MediumMemoryMB float64       // default 128
	Window         time.Duration // default 30 days
}

func (t Thresholds) withDefaults() Thresholds {
	if t.HeavyDuration <= 0 {
		t.HeavyDuration = 5 * time.Minute
	}
	if t.HeavyMemoryMB <= 0 {
		t.HeavyMemoryMB = 512
	}
	if t.MediumDuration <= 0 {
		t.MediumDuration = time.Minute
	}
	if t.MediumMemoryMB <= 0 {
		t.MediumMemoryMB = 128
	}
	if t.Window <= 0 {
		t.Window = 30 * 24 * time.Hour
	}
	return t
}

// Classify maps trailing averages to a class. Critical is never inferred;
// it is an operator decision.
func (t Thresholds) Classify(s model.Stats) model.ResourceClass {
	t = t.withDefaults()
	switch {
	case s.AvgDuration > t.HeavyDuration || s.AvgMemoryMB > t.HeavyMemoryMB:
		return model.ClassHeavy
	case s.AvgDuration > t.MediumDuration || s.AvgMemoryMB > t.MediumMemoryMB:
		return model.ClassMedium
	}
	return model.ClassLight
}

type Analyzer struct {
	hist Aggregator
	th   Thresholds
	now  func() time.Time
}

func NewAnalyzer(hist Aggregator, th Thresholds, now func() time.Time) *Analyzer {
	if now == nil {
		now = time.Now
	}
	return &Analyzer{hist: hist, th: th.withDefaults(), now: now}
}

// Classification is the analyzer's verdict for one job.
type Classification struct {
	Job      string              `json:"job"`
	Class    model.ResourceClass `json:"class"`
	Declared model.ResourceClass `json:"declared"`
	Stats    model.Stats         `json:"stats"`
}

// Changed reports whether observation disagrees with the declared class.
func (c Classification) Changed() bool { return c.Class != c.Declared }

// Classify returns the observed class of job. Jobs without history and
// critical jobs keep their declared class.
func (a *Analyzer) Classify(ctx context.Context, j model.JobDefinition) (Classification, error) {
	st, err := a.hist.Aggregate(ctx, j.Name, a.now().Add(-a.th.Window))
	if err != nil {
		return Classification{}, err
	}
	return a.verdict(j, st), nil
}

func (a *Analyzer) verdict(j model.JobDefinition, st model.Stats) Classification {
	c := Classification{Job: j.Name, Declared: j.Class, Class: j.Class, Stats: st}
	if st.Executions > 0 && j.Class != model.ClassCritical {
		c.Class = a.th.Classify(st)
	}
	return c
}

// ClassifyAll classifies every job with one grouped aggregate query.
func (a *Analyzer) ClassifyAll(ctx context.Context, jobs []model.JobDefinition) ([]Classification, error) {
	all, err := a.hist.AggregateAll(ctx, a.now().Add(-a.th.Window))
	if err != nil {
		return nil, err
	}
	out := make([]Classification, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, a.verdict(j, all[j.Name]))
	}
	return out, nil
}
