package resource

import (
	"context"
	"math"
	"sync"
	"time"

	"jobwarden/internal/balancer"
	"jobwarden/internal/eventbus"
	"jobwarden/internal/model"
	"jobwarden/internal/monitor"
	logx "jobwarden/pkg/logx"
)

// Readings supplies host snapshots. *monitor.Monitor satisfies it.
type Readings interface {
	Latest() (monitor.Snapshot, bool)
	Sample(ctx context.Context) monitor.Snapshot
}

// Slots receives limit rewrites. *balancer.Balancer satisfies it.
type Slots interface {
	SetLimits(name model.SlotName, l model.SlotLimits)
	SetTier(t string)
	Persist(ctx context.Context) error
}

var _ Slots = (*balancer.Balancer)(nil)

type Options struct {
	Interval time.Duration // default 60s
	// Smoothing is the EMA weight of the previous score, in [0,1). 0 uses the raw score.
	Smoothing float64
	// MinDwell holds a tier this long before relaxing to a less strict tier.
	// Tightening always applies immediately.
	MinDwell time.Duration
	Table Table
	Bus   eventbus.Bus
	Log   logx.Logger
	Now   func() time.Time
}

// Manager periodically applies the tier for the current pressure.
// It is the only writer of slot limits.
type Manager struct {
	opts  Options
	log   logx.Logger
	mon   Readings
	slots Slots

	mu       sync.Mutex
	smoothed float64
	have     bool
	current  Tier
	applied  bool
	since    time.Time
	last     Plan
}

func NewManager(mon Readings, slots Slots, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Smoothing < 0 || opts.Smoothing >= 1 {
		opts.Smoothing = 0
	}
	if opts.Table == nil {
		opts.Table = DefaultTable
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:  opts,
		log:   opts.Log.With(logx.String("comp", "resource")),
		mon:   mon,
		slots: slots,
	}
}

// Last returns the most recently applied plan.
func (m *Manager) Last() (Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.applied
}

// Adjust evaluates the latest snapshot and rewrites slot limits when the
// tier changes.
func (m *Manager) Adjust(ctx context.Context) Plan {
	s, ok := m.mon.Latest()
	if !ok || m.opts.Now().Sub(s.Time) > m.opts.Interval {
		s = m.mon.Sample(ctx)
	}
	return m.AdjustWith(ctx, ReadingFrom(s))
}

// AdjustWith is Adjust for an explicit reading.
func (m *Manager) AdjustWith(ctx context.Context, r Reading) Plan {
	now := m.opts.Now()
	plan := m.opts.Table.Evaluate(r)

	m.mu.Lock()
	if m.have && m.opts.Smoothing > 0 {
		a := m.opts.Smoothing
		m.smoothed = a*m.smoothed + (1-a)*plan.Raw
	} else {
		m.smoothed = plan.Raw
	}
	m.have = true
	plan.Score = math.Round(m.smoothed*100) / 100
	want := SelectTier(plan.Score, r)

	prev, applied := m.current, m.applied
	if applied && want != prev && !want.Stricter(prev) && now.Sub(m.since) < m.opts.MinDwell {
		// Relaxing too soon after the last change.
		want = prev
	}
	plan.Tier, plan.Name, plan.Limits = want, want.String(), m.opts.Table.limits(want)

	changed := !applied || want != prev
	if changed {
		m.current, m.applied, m.since = want, true, now
	}
	m.last = plan
	m.mu.Unlock()

	if !changed {
		return plan
	}

	for name, l := range plan.Limits {
		m.slots.SetLimits(name, l)
	}
	m.slots.SetTier(plan.Name)
	if err := m.slots.Persist(ctx); err != nil {
		m.log.Warn("slot limits not persisted", logx.Err(err))
	}

	fromName := ""
	if applied {
		fromName = prev.String()
	}
	m.log.Info("resource tier changed",
		logx.String("from", fromName),
		logx.String("to", plan.Name),
		logx.Float64("score", plan.Score),
		logx.Float64("raw_score", plan.Raw),
		logx.Float64("used_memory", r.UsedMemory),
		logx.Float64("free_memory", r.FreeMemory),
		logx.Float64("swap", r.Swap),
		logx.Float64("load_per_core", r.LoadPerCore))
	m.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeTierChanged, Data: eventbus.TierChanged{
		From: fromName, To: plan.Name, Score: plan.Score,
	}})
	return plan
}

// Run adjusts every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	m.Adjust(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Adjust(ctx)
		}
	}
}
