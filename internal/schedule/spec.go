package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized form of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "15 3 * * 1", "@hourly", "@every 45m"
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "02:30" (two and a half hours)
//
// A "cron:" prefix forces cron parsing; "interval:" or "every:" forces an interval.
type Spec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron | duration | hhmm

	sched cron.Schedule
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSpec parses raw and validates cron expressions eagerly.
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			return intervalSpec(strings.TrimSpace(s[len(p):]))
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	sp, err := intervalSpec(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')", raw)
	}
	return sp, nil
}

func cronSpec(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: SpecCron, Cron: expr, Source: "cron", sched: sched}, nil
}

func intervalSpec(v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d, src = time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// Next returns the next activation after t. Intervals count from last when
// it is set; an overdue interval job is due at t.
func (s Spec) Next(t, last time.Time) time.Time {
	if s.Kind == SpecInterval {
		if last.IsZero() {
			return t.Add(s.Every)
		}
		n := last.Add(s.Every)
		if !n.After(t) {
			return t
		}
		return n
	}
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t)
}

func (s Spec) String() string {
	if s.Kind == SpecInterval {
		return "every " + s.Every.String()
	}
	return s.Cron
}
