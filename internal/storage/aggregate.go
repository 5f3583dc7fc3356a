package storage

import (
	"sort"
	"time"

	"jobwarden/internal/model"
)

// accumulator folds records into model.Stats. Skipped records are admission
// outcomes and retried attempts are superseded; both are ignored.
type accumulator struct {
	n, ok, fail int
	durSum      time.Duration
	durMax      time.Duration
	memSum      float64
	memMax      float64
	cpuSum      float64
	cpuMax      float64
}

func (a *accumulator) add(r model.ExecutionRecord) {
	if !r.Counted() {
		return
	}
	a.n++
	if r.Success {
		a.ok++
	} else {
		a.fail++
	}
	a.durSum += r.Duration
	if r.Duration > a.durMax {
		a.durMax = r.Duration
	}
	a.memSum += r.PeakMemMB
	if r.PeakMemMB > a.memMax {
		a.memMax = r.PeakMemMB
	}
	a.cpuSum += r.PeakCPU
	if r.PeakCPU > a.cpuMax {
		a.cpuMax = r.PeakCPU
	}
}

func (a *accumulator) stats(window time.Duration, now time.Time) model.Stats {
	s := model.Stats{
		Window:      window,
		Executions:  a.n,
		Successes:   a.ok,
		Failures:    a.fail,
		MaxDuration: a.durMax,
		MaxMemoryMB: a.memMax,
		MaxCPU:      a.cpuMax,
		UpdatedAt:   now,
	}
	if a.n > 0 {
		s.AvgDuration = a.durSum / time.Duration(a.n)
		s.AvgMemoryMB = a.memSum / float64(a.n)
		s.AvgCPU = a.cpuSum / float64(a.n)
	}
	return s
}

func aggregateRecords(recs []model.ExecutionRecord, job string, since time.Time) model.Stats {
	var acc accumulator
	for _, r := range recs {
		if r.Job != job || r.StartedAt.Before(since) {
			continue
		}
		acc.add(r)
	}
	now := time.Now()
	return acc.stats(now.Sub(since), now)
}

func aggregateAllRecords(recs []model.ExecutionRecord, since time.Time) map[string]model.Stats {
	accs := map[string]*accumulator{}
	for _, r := range recs {
		if r.StartedAt.Before(since) || !r.Counted() {
			continue
		}
		a := accs[r.Job]
		if a == nil {
			a = &accumulator{}
			accs[r.Job] = a
		}
		a.add(r)
	}
	now := time.Now()
	out := make(map[string]model.Stats, len(accs))
	for job, a := range accs {
		out[job] = a.stats(now.Sub(since), now)
	}
	return out
}

// newestFirst returns up to n records for job ordered by StartedAt descending.
func newestFirst(recs []model.ExecutionRecord, job string, n int) []model.ExecutionRecord {
	out := make([]model.ExecutionRecord, 0, n)
	for _, r := range recs {
		if r.Job == job {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
