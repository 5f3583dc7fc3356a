// Package monitor samples host load, keeps a bounded history window, and
// derives spike, trend and memory-leak signals from it.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"jobwarden/internal/eventbus"
	logx "jobwarden/pkg/logx"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	Interval time.Duration // default 5s
	Window   time.Duration // default 5m
	Samplers *Samplers     // default HostSamplers()
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

// Monitor is safe for concurrent Sample, Record and read calls. Readers get
// copies and may miss a snapshot appended concurrently.
type Monitor struct {
	log      logx.Logger
	bus      eventbus.Bus
	samplers Samplers
	interval time.Duration
	window   time.Duration
	now      func() time.Time

	sf singleflight.Group

	mu   sync.RWMutex
	ring []Snapshot
	head int // next write position
	size int
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.Samplers == nil {
		s := HostSamplers()
		opts.Samplers = &s
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	// Replayed readings may arrive faster than Interval; keep headroom.
	capacity := 2 * int(opts.Window/opts.Interval)
	if capacity < 64 {
		capacity = 64
	}
	return &Monitor{
		log:      opts.Log.With(logx.String("comp", "monitor")),
		bus:      opts.Bus,
		samplers: *opts.Samplers,
		interval: opts.Interval,
		window:   opts.Window,
		now:      opts.Now,
		ring:     make([]Snapshot, capacity),
	}
}

func (m *Monitor) Interval() time.Duration { return m.interval }

// Sample takes a fresh reading, appends it to the history and returns it.
// Concurrent callers share one in-flight reading.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	v, _, _ := m.sf.Do("sample", func() (any, error) {
		s := m.read(ctx)
		m.Record(s)
		return s, nil
	})
	return v.(Snapshot)
}

func (m *Monitor) read(ctx context.Context) Snapshot {
	s := Snapshot{Time: m.now(), Raw: map[string]float64{}}

	s.CPU, s.CPUSource = firstOf(ctx, m.samplers.CPU, "cpu", s.Raw)
	s.Memory, s.MemorySource = firstOf(ctx, m.samplers.Memory, "memory", s.Raw)
	s.LoadPerCore, _ = one(ctx, m.samplers.LoadPerCore)
	s.Swap, _ = one(ctx, m.samplers.Swap)
	s.IOWait, _ = one(ctx, m.samplers.IOWait)
	s.DiskUsed, _ = one(ctx, m.samplers.DiskUsed)
	s.NetBytesPerSec, _ = one(ctx, m.samplers.NetRate)
	if m.samplers.Procs != nil {
		if pc, ok := m.samplers.Procs(ctx); ok {
			s.Processes, s.ProcsRunning, s.ProcsBlocked = pc.Total, pc.Running, pc.Blocked
		}
	}
	if s.CPUSource == "" || s.MemorySource == "" {
		m.log.Debug("sampler chain returned no data",
			logx.Bool("cpu_ok", s.CPUSource != ""), logx.Bool("memory_ok", s.MemorySource != ""))
	}
	return s.Finalize()
}

// firstOf runs every sampler (keeping all results in raw) and returns the
// value of the first that had data.
func firstOf(ctx context.Context, chain []Sampler, prefix string, raw map[string]float64) (float64, string) {
	var (
		val float64
		src string
	)
	for _, sm := range chain {
		if sm == nil {
			continue
		}
		v, ok := sm.Sample(ctx)
		if !ok {
			continue
		}
		raw[prefix+"."+sm.Name()] = v
		if src == "" {
			val, src = v, sm.Name()
		}
	}
	return val, src
}

func one(ctx context.Context, s Sampler) (float64, bool) {
	if s == nil {
		return 0, false
	}
	return s.Sample(ctx)
}

// Record appends s to the history. Used by Sample and by callers replaying
// readings (tests, the CLI sample command).
func (m *Monitor) Record(s Snapshot) {
	if s.Tier == "" {
		s = s.Finalize()
	}
	m.mu.Lock()
	m.ring[m.head] = s
	m.head = (m.head + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSnapshot, Time: s.Time, Data: eventbus.Snapshot{
		OverallLoad: s.OverallLoad, CPU: s.CPU, Memory: s.Memory, Tier: string(s.Tier),
	}})
}

// History returns up to n snapshots, oldest first. n <= 0 returns all.
func (m *Monitor) History(n int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]Snapshot, n)
	start := (m.head - n + len(m.ring)) % len(m.ring)
	for i := 0; i < n; i++ {
		out[i] = m.ring[(start+i)%len(m.ring)]
	}
	return out
}

// Latest returns the newest snapshot.
func (m *Monitor) Latest() (Snapshot, bool) {
	h := m.History(1)
	if len(h) == 0 {
		return Snapshot{}, false
	}
	return h[0], true
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s := m.Sample(ctx)
			if s.Tier == TierCritical || s.Tier == TierEmergency {
				m.log.Warn("host under pressure",
					logx.String("tier", string(s.Tier)),
					logx.Float64("overall_load", s.OverallLoad),
					logx.Float64("cpu", s.CPU),
					logx.Float64("memory", s.Memory))
			}
		}
	}
}

// windowed returns the snapshots within the configured window of the newest.
func (m *Monitor) windowed() []Snapshot {
	all := m.History(0)
	if len(all) == 0 {
		return nil
	}
	cut := all[len(all)-1].Time.Add(-m.window)
	i := 0
	for i < len(all) && all[i].Time.Before(cut) {
		i++
	}
	return all[i:]
}

// SpikeResult describes a detected jump in overall load.
type SpikeResult struct {
	Detected     bool    `json:"detected"`
	Confidence   float64 `json:"confidence"`
	IncreasePct  float64 `json:"increase_pct"`
	RecentMean   float64 `json:"recent_mean"`
	BaselineMean float64 `json:"baseline_mean"`
	// Deltas are recent minus baseline means per metric.
	Deltas map[string]float64 `json:"deltas,omitempty"`
}

const (
	spikeRecent    = 15 * time.Second
	spikeThreshold = 50.0
)

// DetectSpike compares the mean of the last 15s with the mean of the rest
// of the window. A relative increase above 50% is a spike.
func (m *Monitor) DetectSpike() SpikeResult {
	h := m.windowed()
	if len(h) < 2 {
		return SpikeResult{}
	}
	cut := h[len(h)-1].Time.Add(-spikeRecent)
	var recent, base []Snapshot
	for _, s := range h {
		if s.Time.After(cut) {
			recent = append(recent, s)
		} else {
			base = append(base, s)
		}
	}
	if len(recent) == 0 || len(base) == 0 {
		return SpikeResult{}
	}
	get := func(f func(Snapshot) float64) (float64, float64) {
		return meanOf(recent, f), meanOf(base, f)
	}
	r, b := get(func(s Snapshot) float64 { return s.OverallLoad })
	denom := math.Max(b, 1)
	inc := (r - b) / denom * 100

	cr, cb := get(func(s Snapshot) float64 { return s.CPU })
	mr, mb := get(func(s Snapshot) float64 { return s.Memory })
	res := SpikeResult{
		IncreasePct:  round2(inc),
		RecentMean:   round2(r),
		BaselineMean: round2(b),
		Confidence:   math.Min(100, math.Abs(round2(inc))),
		Deltas: map[string]float64{
			"overall_load": round2(r - b),
			"cpu":          round2(cr - cb),
			"memory":       round2(mr - mb),
		},
	}
	res.Detected = inc > spikeThreshold
	return res
}

// Trend labels.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// trendSlope is the slope (load points per second) separating stable from a trend.
const trendSlope = 0.02

// Prediction is a linear extrapolation of overall load.
type Prediction struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	Trend      string  `json:"trend"`
	Slope      float64 `json:"slope"` // per second
	Samples    int     `json:"samples"`
}

// Predict fits overall load over time by least squares and extrapolates
// horizon past the newest snapshot. Confidence is R² x 100.
func (m *Monitor) Predict(horizon time.Duration) Prediction {
	h := m.windowed()
	return predict(h, func(s Snapshot) float64 { return s.OverallLoad }, horizon)
}

// PredictMemory is Predict for memory percent.
func (m *Monitor) PredictMemory(horizon time.Duration) Prediction {
	return predict(m.windowed(), func(s Snapshot) float64 { return s.Memory }, horizon)
}

func predict(h []Snapshot, f func(Snapshot) float64, horizon time.Duration) Prediction {
	if len(h) < 3 {
		p := Prediction{Trend: TrendStable, Samples: len(h)}
		if len(h) > 0 {
			p.Value = f(h[len(h)-1])
		}
		return p
	}
	t0 := h[0].Time
	n := float64(len(h))
	var sx, sy, sxx, sxy float64
	for _, s := range h {
		x := s.Time.Sub(t0).Seconds()
		y := f(s)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return Prediction{Value: sy / n, Trend: TrendStable, Samples: len(h)}
	}
	slope := (n*sxy - sx*sy) / den
	icept := (sy - slope*sx) / n

	meanY := sy / n
	var ssTot, ssRes float64
	for _, s := range h {
		x := s.Time.Sub(t0).Seconds()
		y := f(s)
		fit := icept + slope*x
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - meanY) * (y - meanY)
	}
	r2 := 1.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	xEnd := h[len(h)-1].Time.Sub(t0).Seconds() + horizon.Seconds()
	p := Prediction{
		Value:      round2(clamp(icept + slope*xEnd)),
		Confidence: round2(math.Max(0, math.Min(100, r2*100))),
		Slope:      slope,
		Samples:    len(h),
		Trend:      TrendStable,
	}
	switch {
	case slope > trendSlope:
		p.Trend = TrendRising
	case slope < -trendSlope:
		p.Trend = TrendFalling
	}
	return p
}

// MemoryLeak reports whether mean memory in the second half of the window
// exceeds the first half by more than 10 points.
func (m *Monitor) MemoryLeak() (bool, float64) {
	h := m.windowed()
	if len(h) < 4 {
		return false, 0
	}
	mid := len(h) / 2
	mem := func(s Snapshot) float64 { return s.Memory }
	d := round2(meanOf(h[mid:], mem) - meanOf(h[:mid], mem))
	return d > 10, d
}

func meanOf(h []Snapshot, f func(Snapshot) float64) float64 {
	if len(h) == 0 {
		return 0
	}
	var sum float64
	for _, s := range h {
		sum += f(s)
	}
	return sum / float64(len(h))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
