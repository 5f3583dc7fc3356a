// Package schedule places jobs on a per-minute dispatch table and classifies
// them by observed cost.
package schedule

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"jobwarden/internal/model"
	logx "jobwarden/pkg/logx"
)

var ErrUnscheduled = errors.New("schedule: job has no dispatch entry")

// Options configures the optimizer. Business hours are [BusinessStart, BusinessEnd).
type Options struct {
	BusinessStart     int // default 8
	BusinessEnd       int // default 23
	MaxHeavyPerMinute int // default 1
	Location          *time.Location
	Log               logx.Logger
}

// Entry is one job's placement in a minute.
type Entry struct {
	Job               string              `json:"job"`
	Class             model.ResourceClass `json:"class"`
	Frequency         model.Frequency     `json:"frequency"`
	Hour              int                 `json:"hour,omitempty"`
	Weekday           int                 `json:"weekday,omitempty"`
	BusinessHoursOnly bool                `json:"business_hours_only,omitempty"`
	Priority          int                 `json:"priority,omitempty"`
}

// matches reports whether the entry fires at hour/dow. The minute is implied
// by the table row.
func (e Entry) matches(hour int, dow time.Weekday, o Options) bool {
	if e.BusinessHoursOnly && (hour < o.BusinessStart || hour >= o.BusinessEnd) {
		return false
	}
	switch e.Frequency {
	case model.FreqDaily:
		return hour == e.Hour
	case model.FreqWeekly:
		return hour == e.Hour && int(dow) == e.Weekday
	}
	return true
}

// Table is the 60-row dispatch table for structured-frequency jobs. Jobs
// scheduled by a cron or interval spec are kept aside and only gated by
// business hours.
type Table struct {
	opts  Options
	specs map[string]Spec
	gates map[string]Entry

	Minutes [60][]Entry
	// Overflow lists heavy jobs placed in a minute already at the heavy cap.
	Overflow []string
}

// Spec returns the parsed spec of a cron or interval job.
func (t *Table) Spec(job string) (Spec, bool) {
	sp, ok := t.specs[job]
	return sp, ok
}

type Optimizer struct {
	opts Options
	log  logx.Logger
}

func NewOptimizer(opts Options) *Optimizer {
	if opts.BusinessStart == 0 && opts.BusinessEnd == 0 {
		opts.BusinessStart, opts.BusinessEnd = 8, 23
	}
	if opts.MaxHeavyPerMinute <= 0 {
		opts.MaxHeavyPerMinute = 1
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Optimizer{opts: opts, log: opts.Log.With(logx.String("comp", "schedule"))}
}

func (o *Optimizer) Location() *time.Location { return o.opts.Location }

// Generate builds the dispatch table. Jobs with explicit placement go first;
// auto-placed heavy jobs then take the minutes with the fewest heavy entries.
// Inactive or unparsable jobs are skipped and logged.
func (o *Optimizer) Generate(jobs []model.JobDefinition) *Table {
	t := &Table{opts: o.opts, specs: map[string]Spec{}, gates: map[string]Entry{}}

	ordered := append([]model.JobDefinition(nil), jobs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})

	var auto []model.JobDefinition
	for _, j := range ordered {
		if !j.Active() {
			continue
		}
		sc := j.Schedule
		if sc.Frequency == model.FreqNone {
			sp, err := ParseSpec(sc.Spec)
			if err != nil {
				o.log.Warn("job schedule ignored", logx.Job(j.Name), logx.Err(err))
				continue
			}
			t.specs[j.Name] = sp
			t.gates[j.Name] = entryFor(j)
			continue
		}
		if !sc.Frequency.Valid() {
			o.log.Warn("job schedule ignored", logx.Job(j.Name), logx.String("frequency", string(sc.Frequency)))
			continue
		}
		if j.Class == model.ClassHeavy && autoPlaced(sc) {
			auto = append(auto, j)
			continue
		}
		t.place(j, o.fixedOffset(j))
	}

	for _, j := range auto {
		off, ok := t.leastHeavy(j.Schedule.Frequency, o.opts.MaxHeavyPerMinute)
		if !ok {
			t.Overflow = append(t.Overflow, j.Name)
			o.log.Warn("heavy job placed above per-minute cap",
				logx.Job(j.Name),
				logx.Int("minute", off),
				logx.Int("max_heavy_per_minute", o.opts.MaxHeavyPerMinute))
		}
		t.place(j, off)
	}
	return t
}

func autoPlaced(sc model.Schedule) bool {
	if sc.Frequency.Step() > 0 {
		return sc.Offset < 0 && sc.Frequency != model.FreqEveryMinute
	}
	return sc.Minute < 0
}

// fixedOffset resolves the first minute for an explicitly placed job, or a
// stable name hash for auto-placed non-heavy jobs.
func (o *Optimizer) fixedOffset(j model.JobDefinition) int {
	sc := j.Schedule
	step := sc.Frequency.Step()
	if step == 0 {
		step = 60
		if sc.Minute >= 0 {
			return sc.Minute % 60
		}
	} else if sc.Offset >= 0 {
		return sc.Offset % step
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(j.Name))
	return int(h.Sum32() % uint32(step))
}

func entryFor(j model.JobDefinition) Entry {
	return Entry{
		Job:               j.Name,
		Class:             j.Class,
		Frequency:         j.Schedule.Frequency,
		Hour:              j.Schedule.Hour,
		Weekday:           j.Schedule.Weekday,
		BusinessHoursOnly: j.BusinessHoursOnly,
		Priority:          j.Priority,
	}
}

func minutesFor(f model.Frequency, first int) []int {
	step := f.Step()
	if step == 0 {
		return []int{first}
	}
	var out []int
	for m := first % step; m < 60; m += step {
		out = append(out, m)
	}
	return out
}

func (t *Table) place(j model.JobDefinition, first int) {
	e := entryFor(j)
	for _, m := range minutesFor(j.Schedule.Frequency, first) {
		t.Minutes[m] = append(t.Minutes[m], e)
	}
}

func (t *Table) heavyAt(m int) int {
	n := 0
	for _, e := range t.Minutes[m] {
		if e.Class == model.ClassHeavy {
			n++
		}
	}
	return n
}

// leastHeavy picks the offset whose busiest minute carries the fewest heavy
// entries. ok is false when even that minute is at the cap.
func (t *Table) leastHeavy(f model.Frequency, limit int) (int, bool) {
	step := f.Step()
	if step == 0 {
		step = 60
	}
	best, bestLoad, bestTotal := 0, -1, 0
	for off := 0; off < step; off++ {
		worst, total := 0, 0
		for _, m := range minutesFor(f, off) {
			h := t.heavyAt(m)
			total += len(t.Minutes[m])
			if h > worst {
				worst = h
			}
		}
		if bestLoad < 0 || worst < bestLoad || (worst == bestLoad && total < bestTotal) {
			best, bestLoad, bestTotal = off, worst, total
		}
	}
	return best, bestLoad < limit
}

// TasksForMinute returns the jobs due at minute/hour/dow, highest priority first.
func (t *Table) TasksForMinute(minute, hour int, dow time.Weekday) []Entry {
	if minute < 0 || minute > 59 {
		return nil
	}
	var out []Entry
	for _, e := range t.Minutes[minute] {
		if e.matches(hour, dow, t.opts) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Placement returns the minutes a job occupies.
func (t *Table) Placement(job string) []int {
	var out []int
	for m := range t.Minutes {
		for _, e := range t.Minutes[m] {
			if e.Job == job {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// maxScan bounds the minute walk in NextRun: a weekly job recurs within
// eight days.
const maxScan = 8 * 24 * 60

// NextRun returns the next dispatch time after from for j. last is the
// previous run, used by interval specs.
func (t *Table) NextRun(j model.JobDefinition, from, last time.Time) (time.Time, error) {
	from = from.In(t.opts.Location)
	if sp, ok := t.specs[j.Name]; ok {
		e := t.gates[j.Name]
		next := sp.Next(from, last)
		for i := 0; i < maxScan && !next.IsZero(); i++ {
			local := next.In(t.opts.Location)
			if e.matches(local.Hour(), local.Weekday(), t.opts) {
				return next, nil
			}
			next = sp.Next(next, time.Time{})
		}
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnscheduled, j.Name)
	}

	minutes := t.Placement(j.Name)
	if len(minutes) == 0 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnscheduled, j.Name)
	}
	in := make(map[int]bool, len(minutes))
	for _, m := range minutes {
		in[m] = true
	}
	e := entryFor(j)
	cur := from.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxScan; i++ {
		if in[cur.Minute()] && e.matches(cur.Hour(), cur.Weekday(), t.opts) {
			return cur, nil
		}
		cur = cur.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrUnscheduled, j.Name)
}
