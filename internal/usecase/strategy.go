package usecase

import "jobwarden/internal/model"

// Strategy is the mitigation for a use case: threshold overrides for the
// balancer plus the actions it stands for. ConcurrencyFactor only narrows
// the resource manager's limits; values above 1 are capped by the balancer.
type Strategy struct {
	Name              string                `json:"name"`
	CPUThreshold      float64               `json:"cpu_threshold,omitempty"`
	MemoryThreshold   float64               `json:"memory_threshold,omitempty"`
	ConcurrencyFactor float64               `json:"concurrency_factor,omitempty"`
	Defer             []model.ResourceClass `json:"defer,omitempty"`
	Actions           []string              `json:"actions,omitempty"`
}

// StrategyFn builds the strategy for a detected use case.
type StrategyFn func(uc UseCase) Strategy

var (
	deferHeavy       = []model.ResourceClass{model.ClassHeavy}
	deferHeavyMedium = []model.ResourceClass{model.ClassHeavy, model.ClassMedium}
)

func fixed(s Strategy) StrategyFn { return func(UseCase) Strategy { return s } }

// strategies maps every use case to its mitigation. IDs missing here use
// defaultStrategy.
var strategies = map[ID]StrategyFn{
	ExtremeSpike: fixed(Strategy{Name: "shed_load", CPUThreshold: 60, MemoryThreshold: 70, ConcurrencyFactor: 0.25,
		Defer: deferHeavyMedium, Actions: []string{"defer_heavy", "defer_medium", "quarter_concurrency"}}),
	MajorSpike: fixed(Strategy{Name: "throttle", CPUThreshold: 65, MemoryThreshold: 75, ConcurrencyFactor: 0.5,
		Defer: deferHeavy, Actions: []string{"defer_heavy", "halve_concurrency"}}),
	ModerateSpike: fixed(Strategy{Name: "tighten", CPUThreshold: 75, MemoryThreshold: 80, ConcurrencyFactor: 0.75,
		Actions: []string{"tighten_thresholds"}}),

	SustainedCritical: fixed(Strategy{Name: "shed_load", CPUThreshold: 60, MemoryThreshold: 70, ConcurrencyFactor: 0.25,
		Defer: deferHeavyMedium, Actions: []string{"defer_heavy", "defer_medium", "alert"}}),
	SustainedHigh: fixed(Strategy{Name: "throttle", CPUThreshold: 70, MemoryThreshold: 80, ConcurrencyFactor: 0.5,
		Defer: deferHeavy, Actions: []string{"defer_heavy", "halve_concurrency"}}),
	SustainedElevated: fixed(Strategy{Name: "tighten", CPUThreshold: 75, MemoryThreshold: 82, ConcurrencyFactor: 0.75}),

	RapidDrift: fixed(Strategy{Name: "preempt", CPUThreshold: 70, MemoryThreshold: 80, ConcurrencyFactor: 0.5,
		Defer: deferHeavy, Actions: []string{"defer_heavy"}}),
	GradualDrift: fixed(Strategy{Name: "watch", CPUThreshold: 78, MemoryThreshold: 84, ConcurrencyFactor: 0.9}),

	Bursty: fixed(Strategy{Name: "buffer", CPUThreshold: 70, MemoryThreshold: 80, ConcurrencyFactor: 0.75,
		Actions: []string{"keep_headroom"}}),
	Oscillating: fixed(Strategy{Name: "dampen", ConcurrencyFactor: 0.75, Actions: []string{"hold_limits"}}),

	BusinessPeak: fixed(Strategy{Name: "business_hours", ConcurrencyFactor: 0.75, Defer: deferHeavy,
		Actions: []string{"defer_heavy"}}),
	// Quiet windows leave limits to the resource manager.
	NightWindow: fixed(Strategy{Name: "night_batch", Actions: []string{"prefer_heavy"}}),
	WeekendLow:  fixed(Strategy{Name: "weekend", Actions: []string{"prefer_heavy"}}),

	CPUBound: fixed(Strategy{Name: "cpu_relief", CPUThreshold: 70, ConcurrencyFactor: 0.75,
		Actions: []string{"limit_cpu_jobs"}}),
	MemoryBound: fixed(Strategy{Name: "memory_relief", MemoryThreshold: 75, ConcurrencyFactor: 0.75, Defer: deferHeavy,
		Actions: []string{"defer_heavy"}}),
	SwapThrashing: fixed(Strategy{Name: "stop_swapping", MemoryThreshold: 70, ConcurrencyFactor: 0.5, Defer: deferHeavyMedium,
		Actions: []string{"defer_heavy", "defer_medium", "alert"}}),
	IOBound: fixed(Strategy{Name: "io_relief", ConcurrencyFactor: 0.5, Defer: deferHeavy, Actions: []string{"defer_heavy"}}),

	DatabaseTask: fixed(Strategy{Name: "protect_database", ConcurrencyFactor: 0.75, Actions: []string{"serialize_db_work"}}),
	BatchTask:    fixed(Strategy{Name: "batch", Actions: []string{"prefer_off_peak"}}),
	RealtimeTask: fixed(Strategy{Name: "reserve_capacity", CPUThreshold: 70, ConcurrencyFactor: 0.75, Defer: deferHeavy,
		Actions: []string{"defer_heavy"}}),

	RecoveringFromSpike: fixed(Strategy{Name: "gradual_restore", ConcurrencyFactor: 0.75, Actions: []string{"restore_slowly"}}),

	PredictedBreach: fixed(Strategy{Name: "preempt", CPUThreshold: 70, MemoryThreshold: 80, ConcurrencyFactor: 0.5,
		Defer: deferHeavy, Actions: []string{"defer_heavy"}}),
	PredictedMemoryExhaustion: fixed(Strategy{Name: "memory_preempt", MemoryThreshold: 75, ConcurrencyFactor: 0.5,
		Defer: deferHeavy, Actions: []string{"defer_heavy", "alert"}}),
	MemoryLeakSuspected: func(uc UseCase) Strategy {
		s := Strategy{Name: "leak_watch", MemoryThreshold: 80, Actions: []string{"alert"}}
		if uc.Confidence >= 80 {
			s.Defer = deferHeavy
		}
		return s
	},
}

func defaultStrategy(UseCase) Strategy {
	return Strategy{Name: "conservative", CPUThreshold: 75, MemoryThreshold: 80, ConcurrencyFactor: 0.75,
		Actions: []string{"tighten_thresholds"}}
}

// StrategyFor returns the strategy for uc, falling back to the conservative
// default for unmapped ids.
func StrategyFor(uc UseCase) Strategy {
	if fn, ok := strategies[uc.ID]; ok {
		return fn(uc)
	}
	return defaultStrategy(uc)
}
