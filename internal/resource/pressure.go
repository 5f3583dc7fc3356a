// Package resource turns host pressure into one of eight strategy tiers and
// rewrites the balancer's slot limits from the tier table.
package resource

import (
	"math"

	"jobwarden/internal/model"
	"jobwarden/internal/monitor"
)

// Tier is a strategy tier, ordered from most to least restrictive.
type Tier int

const (
	TierEmergency Tier = iota
	TierCritical
	TierAggressive
	TierConservative
	TierModerate
	TierNormal
	TierRelaxed
	TierOptimal
)

var tierNames = [...]string{"emergency", "critical", "aggressive", "conservative", "moderate", "normal", "relaxed", "optimal"}

func (t Tier) String() string {
	if t < TierEmergency || t > TierOptimal {
		return "unknown"
	}
	return tierNames[t]
}

// ParseTier is the inverse of String.
func ParseTier(s string) (Tier, bool) {
	for i, n := range tierNames {
		if n == s {
			return Tier(i), true
		}
	}
	return 0, false
}

// Stricter reports whether t restricts more than o.
func (t Tier) Stricter(o Tier) bool { return t < o }

// Reading is the subset of a snapshot the manager scores.
type Reading struct {
	UsedMemory  float64 // percent, available-based
	FreeMemory  float64 // percent of truly free pages
	Swap        float64
	LoadPerCore float64
}

// ReadingFrom extracts a Reading. FreeMemory falls back to 100-UsedMemory
// when the free-based sampler had no data.
func ReadingFrom(s monitor.Snapshot) Reading {
	r := Reading{UsedMemory: s.Memory, Swap: s.Swap, LoadPerCore: s.LoadPerCore, FreeMemory: 100 - s.Memory}
	if v, ok := s.Raw["memory.mem_free"]; ok {
		r.FreeMemory = 100 - v
	}
	return r
}

// Buckets are the pressure score's components.
type Buckets struct {
	Foreground float64 `json:"foreground"` // 0..40
	Free       float64 `json:"free"`       // 0..30
	Swap       float64 `json:"swap"`       // 0..20
	Load       float64 `json:"load"`       // 0..10
}

func (b Buckets) Total() float64 {
	return math.Round((b.Foreground+b.Free+b.Swap+b.Load)*100) / 100
}

func ramp(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return math.Max(0, math.Min(1, (v-lo)/(hi-lo)))
}

// Score computes the 0..100 pressure score.
//
//	foreground  used memory 40%..100%          -> 0..40
//	free        free memory 20%..0%            -> 0..30
//	swap        swap used 0%..50%              -> 0..20
//	load        load per core 0.7..2.0         -> 0..10
func Score(r Reading) Buckets {
	return Buckets{
		Foreground: 40 * ramp(r.UsedMemory, 40, 100),
		Free:       30 * ramp(20-r.FreeMemory, 0, 20),
		Swap:       20 * ramp(r.Swap, 0, 50),
		Load:       10 * ramp(r.LoadPerCore, 0.7, 2.0),
	}
}

// tierFloors are the minimum scores for each tier, strictest first.
var tierFloors = []struct {
	min  float64
	tier Tier
}{
	{80, TierEmergency},
	{65, TierCritical},
	{50, TierAggressive},
	{40, TierConservative},
	{30, TierModerate},
	{20, TierNormal},
	{10, TierRelaxed},
}

// SelectTier maps a score to a tier. Near-exhausted free memory or heavy
// swapping caps the tier regardless of the score.
func SelectTier(score float64, r Reading) Tier {
	t := TierOptimal
	for _, f := range tierFloors {
		if score >= f.min {
			t = f.tier
			break
		}
	}
	switch {
	case r.FreeMemory < 3 || r.Swap > 80:
		t = minTier(t, TierCritical)
	case r.FreeMemory < 8 || r.Swap > 50:
		t = minTier(t, TierAggressive)
	}
	return t
}

func minTier(a, b Tier) Tier {
	if a < b {
		return a
	}
	return b
}

// Table is the slot limit set for each tier.
type Table map[Tier]map[model.SlotName]model.SlotLimits

// DefaultTable is the built-in tier table. The normal row matches the
// default slot configuration.
var DefaultTable = Table{
	TierOptimal: {
		model.SlotDefault: {MaxConcurrent: 6, MaxMemoryMB: 4096, MaxCPUPercent: 90},
		model.SlotHeavy:   {MaxConcurrent: 2, MaxMemoryMB: 3072, MaxCPUPercent: 80},
		model.SlotLight:   {MaxConcurrent: 12, MaxMemoryMB: 1024, MaxCPUPercent: 95},
	},
	TierRelaxed: {
		model.SlotDefault: {MaxConcurrent: 5, MaxMemoryMB: 3072, MaxCPUPercent: 85},
		model.SlotHeavy:   {MaxConcurrent: 2, MaxMemoryMB: 2048, MaxCPUPercent: 70},
		model.SlotLight:   {MaxConcurrent: 10, MaxMemoryMB: 768, MaxCPUPercent: 90},
	},
	TierNormal: {
		model.SlotDefault: {MaxConcurrent: 4, MaxMemoryMB: 2048, MaxCPUPercent: 80},
		model.SlotHeavy:   {MaxConcurrent: 1, MaxMemoryMB: 2048, MaxCPUPercent: 60},
		model.SlotLight:   {MaxConcurrent: 8, MaxMemoryMB: 512, MaxCPUPercent: 90},
	},
	TierModerate: {
		model.SlotDefault: {MaxConcurrent: 3, MaxMemoryMB: 1536, MaxCPUPercent: 75},
		model.SlotHeavy:   {MaxConcurrent: 1, MaxMemoryMB: 1536, MaxCPUPercent: 55},
		model.SlotLight:   {MaxConcurrent: 6, MaxMemoryMB: 512, MaxCPUPercent: 85},
	},
	TierConservative: {
		model.SlotDefault: {MaxConcurrent: 2, MaxMemoryMB: 1024, MaxCPUPercent: 70},
		model.SlotHeavy:   {MaxConcurrent: 1, MaxMemoryMB: 1024, MaxCPUPercent: 50},
		model.SlotLight:   {MaxConcurrent: 4, MaxMemoryMB: 384, MaxCPUPercent: 80},
	},
	TierAggressive: {
		model.SlotDefault: {MaxConcurrent: 2, MaxMemoryMB: 768, MaxCPUPercent: 60},
		model.SlotHeavy:   {MaxConcurrent: 1, MaxMemoryMB: 768, MaxCPUPercent: 40},
		model.SlotLight:   {MaxConcurrent: 3, MaxMemoryMB: 256, MaxCPUPercent: 70},
	},
	TierCritical: {
		model.SlotDefault: {MaxConcurrent: 1, MaxMemoryMB: 512, MaxCPUPercent: 50},
		model.SlotHeavy:   {MaxConcurrent: 0},
		model.SlotLight:   {MaxConcurrent: 2, MaxMemoryMB: 256, MaxCPUPercent: 60},
	},
	TierEmergency: {
		model.SlotDefault: {MaxConcurrent: 1, MaxMemoryMB: 256, MaxCPUPercent: 40},
		model.SlotHeavy:   {MaxConcurrent: 0},
		model.SlotLight:   {MaxConcurrent: 1, MaxMemoryMB: 128, MaxCPUPercent: 50},
	},
}

// Scaled derives a table whose normal row is normal. Every other row keeps
// its proportion to DefaultTable's normal row. A zero memory or CPU limit
// stays unbounded in every tier; a slot the default table lacks gets the
// configured limits in every tier.
func Scaled(normal map[model.SlotName]model.SlotLimits) Table {
	out := make(Table, len(DefaultTable))
	base := DefaultTable[TierNormal]
	for tier, row := range DefaultTable {
		r := make(map[model.SlotName]model.SlotLimits, len(row))
		for name, l := range row {
			r[name] = l
		}
		for name, want := range normal {
			ref, ok := base[name]
			if !ok {
				r[name] = want
				continue
			}
			l := row[name]
			r[name] = model.SlotLimits{
				MaxConcurrent: scaleCount(l.MaxConcurrent, ref.MaxConcurrent, want.MaxConcurrent),
				MaxMemoryMB:   scaleFloat(l.MaxMemoryMB, ref.MaxMemoryMB, want.MaxMemoryMB, 0),
				MaxCPUPercent: scaleFloat(l.MaxCPUPercent, ref.MaxCPUPercent, want.MaxCPUPercent, 100),
			}
		}
		out[tier] = r
	}
	return out
}

// scaleCount keeps a closed slot closed and an open one open.
func scaleCount(v, ref, want int) int {
	switch {
	case v <= 0 || want <= 0:
		return 0
	case ref <= 0:
		return want
	}
	n := int(math.Round(float64(v) * float64(want) / float64(ref)))
	if n < 1 {
		n = 1
	}
	return n
}

func scaleFloat(v, ref, want, ceil float64) float64 {
	if want <= 0 {
		return 0
	}
	if ref <= 0 {
		return want
	}
	n := math.Round(v * want / ref)
	if ceil > 0 && n > ceil {
		n = ceil
	}
	return n
}

// Plan is the result of evaluating one reading.
type Plan struct {
	Raw     float64                             `json:"raw_score"`
	Score   float64                             `json:"score"` // after smoothing
	Buckets Buckets                             `json:"buckets"`
	Tier    Tier                                `json:"-"`
	Name    string                              `json:"tier"`
	Limits  map[model.SlotName]model.SlotLimits `json:"limits"`
}

// Evaluate is the pure score -> tier -> limits mapping.
func (t Table) Evaluate(r Reading) Plan {
	b := Score(r)
	s := b.Total()
	tier := SelectTier(s, r)
	return Plan{Raw: s, Score: s, Buckets: b, Tier: tier, Name: tier.String(), Limits: t.limits(tier)}
}

func (t Table) limits(tier Tier) map[model.SlotName]model.SlotLimits {
	row := t[tier]
	out := make(map[model.SlotName]model.SlotLimits, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
