package usecase

import (
	"math"
	"strings"
	"time"

	"jobwarden/internal/monitor"
)

// Input is everything one evaluation looks at. History is oldest first and
// ends with Snapshot.
type Input struct {
	Now      time.Time
	Snapshot monitor.Snapshot
	History  []monitor.Snapshot

	Spike      monitor.SpikeResult
	Prediction monitor.Prediction // overall load at the prediction horizon
	MemoryPred monitor.Prediction
	Leak       bool
	LeakDelta  float64

	// Tasks are the names of running or due jobs.
	Tasks []string
}

type detector func(in Input) []UseCase

// detectors run in this order; it is the tie-break for equal priorities.
var detectors = []detector{
	detectSpike,
	detectSustained,
	detectTrend,
	detectVolatility,
	detectTemporal,
	detectResource,
	detectTask,
	detectRecovery,
	detectPredicted,
}

func detectSpike(in Input) []UseCase {
	s := in.Spike
	if !s.Detected {
		return nil
	}
	metrics := map[string]float64{"increase_pct": s.IncreasePct, "recent": s.RecentMean, "baseline": s.BaselineMean}
	switch {
	case s.IncreasePct >= 200:
		return []UseCase{newUseCase(ExtremeSpike, s.Confidence, metrics)}
	case s.IncreasePct >= 100:
		return []UseCase{newUseCase(MajorSpike, s.Confidence, metrics)}
	default:
		return []UseCase{newUseCase(ModerateSpike, s.Confidence, metrics)}
	}
}

// trailingAbove is how long overall load has stayed at or above floor,
// counting back from the newest snapshot.
func trailingAbove(h []monitor.Snapshot, floor float64) time.Duration {
	if len(h) == 0 || h[len(h)-1].OverallLoad < floor {
		return 0
	}
	last := h[len(h)-1].Time
	first := last
	for i := len(h) - 1; i >= 0 && h[i].OverallLoad >= floor; i-- {
		first = h[i].Time
	}
	return last.Sub(first)
}

func detectSustained(in Input) []UseCase {
	tiers := []struct {
		id   ID
		min  float64
		need time.Duration
	}{
		{SustainedCritical, 85, 2 * time.Minute},
		{SustainedHigh, 70, 3 * time.Minute},
		{SustainedElevated, 50, 4 * time.Minute},
	}
	for _, t := range tiers {
		d := trailingAbove(in.History, t.min)
		if d < t.need {
			continue
		}
		conf := 50 + 50*float64(d-t.need)/float64(t.need)
		return []UseCase{newUseCase(t.id, conf, map[string]float64{
			"duration_s": d.Seconds(), "threshold": t.min,
		})}
	}
	return nil
}

func detectTrend(in Input) []UseCase {
	p := in.Prediction
	if p.Trend != monitor.TrendRising {
		return nil
	}
	perMin := p.Slope * 60
	metrics := map[string]float64{"slope_per_min": perMin, "r2": p.Confidence, "predicted": p.Value}
	switch {
	case perMin >= 2 && p.Confidence >= 60:
		return []UseCase{newUseCase(RapidDrift, p.Confidence, metrics)}
	case perMin >= 0.5 && p.Confidence >= 50:
		return []UseCase{newUseCase(GradualDrift, p.Confidence, metrics)}
	}
	return nil
}

func detectVolatility(in Input) []UseCase {
	h := in.History
	if len(h) < 6 {
		return nil
	}
	var sum float64
	for _, s := range h {
		sum += s.OverallLoad
	}
	mean := sum / float64(len(h))
	var ss float64
	for _, s := range h {
		ss += (s.OverallLoad - mean) * (s.OverallLoad - mean)
	}
	sd := math.Sqrt(ss / float64(len(h)))

	// Direction changes between consecutive deltas.
	flips, moves := 0, 0
	prev := 0.0
	for i := 1; i < len(h); i++ {
		d := h[i].OverallLoad - h[i-1].OverallLoad
		if math.Abs(d) < 1 {
			continue
		}
		if prev != 0 && (d > 0) != (prev > 0) {
			flips++
		}
		prev = d
		moves++
	}
	ratio := 0.0
	if moves > 1 {
		ratio = float64(flips) / float64(moves-1)
	}
	metrics := map[string]float64{"stddev": sd, "flip_ratio": ratio}
	switch {
	case sd >= 15:
		return []UseCase{newUseCase(Bursty, math.Min(100, sd*4), metrics)}
	case sd >= 5 && ratio >= 0.6:
		return []UseCase{newUseCase(Oscillating, ratio*100, metrics)}
	}
	return nil
}

// businessPeakFloor is the overall load a business-hours peak needs; an idle
// host during office hours is not a peak.
const businessPeakFloor = 50

func detectTemporal(in Input) []UseCase {
	now := in.Now
	hour := float64(now.Hour())
	wd := now.Weekday()
	weekend := wd == time.Saturday || wd == time.Sunday
	load := in.Snapshot.OverallLoad
	metrics := map[string]float64{"hour": hour, "weekday": float64(wd), "overall_load": load}
	var out []UseCase
	switch {
	case !weekend && now.Hour() >= 9 && now.Hour() < 18:
		if load >= businessPeakFloor {
			out = append(out, newUseCase(BusinessPeak, 50+load/2, metrics))
		}
	case now.Hour() < 5:
		out = append(out, newUseCase(NightWindow, 70, metrics))
	}
	if weekend {
		out = append(out, newUseCase(WeekendLow, 60, metrics))
	}
	return out
}

func detectResource(in Input) []UseCase {
	s := in.Snapshot
	metrics := map[string]float64{"cpu": s.CPU, "memory": s.Memory, "swap": s.Swap, "iowait": s.IOWait}
	var out []UseCase
	if s.Swap >= 30 {
		out = append(out, newUseCase(SwapThrashing, s.Swap*1.5, metrics))
	}
	switch {
	case s.CPU >= 80 && s.Memory < 60:
		out = append(out, newUseCase(CPUBound, s.CPU, metrics))
	case s.Memory >= 85 && s.CPU < 60:
		out = append(out, newUseCase(MemoryBound, s.Memory, metrics))
	}
	if s.IOWait >= 20 {
		out = append(out, newUseCase(IOBound, s.IOWait*3, metrics))
	}
	return out
}

var taskHints = []struct {
	id    ID
	words []string
}{
	{RealtimeTask, []string{"realtime", "stream", "live"}},
	{DatabaseTask, []string{"database", "db", "sql", "vacuum"}},
	{BatchTask, []string{"batch", "report", "etl", "export"}},
}

func detectTask(in Input) []UseCase {
	var out []UseCase
	for _, hint := range taskHints {
		var hits []string
		for _, name := range in.Tasks {
			n := strings.ToLower(name)
			for _, w := range hint.words {
				if strings.Contains(n, w) {
					hits = append(hits, name)
					break
				}
			}
		}
		if len(hits) == 0 {
			continue
		}
		out = append(out, newUseCase(hint.id, math.Min(100, 50+float64(len(hits))*10), map[string]float64{
			"matches": float64(len(hits)),
		}))
	}
	return out
}

func detectRecovery(in Input) []UseCase {
	h := in.History
	if len(h) < 3 || in.Spike.Detected {
		return nil
	}
	peak := 0.0
	for _, s := range h[:len(h)-1] {
		peak = math.Max(peak, s.OverallLoad)
	}
	cur := in.Snapshot.OverallLoad
	if peak < 80 || cur > peak-30 || in.Prediction.Trend == monitor.TrendRising {
		return nil
	}
	return []UseCase{newUseCase(RecoveringFromSpike, math.Min(100, (peak-cur)*2), map[string]float64{
		"peak": peak, "current": cur,
	})}
}

func detectPredicted(in Input) []UseCase {
	var out []UseCase
	if p := in.MemoryPred; p.Value >= 95 && p.Confidence >= 60 && in.Snapshot.Memory < 95 {
		out = append(out, newUseCase(PredictedMemoryExhaustion, p.Confidence, map[string]float64{
			"predicted_memory": p.Value, "memory": in.Snapshot.Memory,
		}))
	}
	if p := in.Prediction; p.Value >= 90 && p.Confidence >= 60 && in.Snapshot.OverallLoad < 90 {
		out = append(out, newUseCase(PredictedBreach, p.Confidence, map[string]float64{
			"predicted": p.Value, "current": in.Snapshot.OverallLoad,
		}))
	}
	if in.Leak {
		out = append(out, newUseCase(MemoryLeakSuspected, math.Min(100, in.LeakDelta*5), map[string]float64{
			"delta": in.LeakDelta,
		}))
	}
	return out
}
