// Package usecase classifies the current load situation into named use
// cases and maps the top match to a mitigation strategy.
//
// It is a flat rule catalog: every detection comes from one named detector
// with a fixed priority, so each decision can be traced to a single rule.
package usecase

import "fmt"

// ID identifies a use case.
type ID int

const (
	ExtremeSpike ID = iota + 1
	MajorSpike
	ModerateSpike
	SustainedCritical
	SustainedHigh
	SustainedElevated
	RapidDrift
	GradualDrift
	Bursty
	Oscillating
	BusinessPeak
	NightWindow
	WeekendLow
	CPUBound
	MemoryBound
	SwapThrashing
	IOBound
	DatabaseTask
	BatchTask
	RealtimeTask
	RecoveringFromSpike
	PredictedBreach
	PredictedMemoryExhaustion
	MemoryLeakSuspected

	lastID = MemoryLeakSuspected
)

// Category groups detectors.
type Category string

const (
	CategorySpike      Category = "spike"
	CategorySustained  Category = "sustained"
	CategoryTrend      Category = "trend"
	CategoryVolatility Category = "volatility"
	CategoryTemporal   Category = "temporal"
	CategoryResource   Category = "resource"
	CategoryTask       Category = "task"
	CategoryRecovery   Category = "recovery"
	CategoryPredictive Category = "predictive"
)

type meta struct {
	slug     string
	name     string
	category Category
	priority int
}

var catalog = map[ID]meta{
	ExtremeSpike:              {"extreme_spike", "Extreme load spike", CategorySpike, 95},
	MajorSpike:                {"major_spike", "Major load spike", CategorySpike, 85},
	ModerateSpike:             {"moderate_spike", "Moderate load spike", CategorySpike, 70},
	SustainedCritical:         {"sustained_critical", "Sustained critical load", CategorySustained, 90},
	SustainedHigh:             {"sustained_high", "Sustained high load", CategorySustained, 75},
	SustainedElevated:         {"sustained_elevated", "Sustained elevated load", CategorySustained, 50},
	RapidDrift:                {"rapid_drift", "Rapid upward drift", CategoryTrend, 65},
	GradualDrift:              {"gradual_drift", "Gradual upward drift", CategoryTrend, 40},
	Bursty:                    {"bursty", "Bursty load", CategoryVolatility, 55},
	Oscillating:               {"oscillating", "Oscillating load", CategoryVolatility, 45},
	BusinessPeak:              {"business_peak", "Business-hours peak", CategoryTemporal, 30},
	NightWindow:               {"night_window", "Night batch window", CategoryTemporal, 20},
	WeekendLow:                {"weekend_low", "Weekend low traffic", CategoryTemporal, 15},
	CPUBound:                  {"cpu_bound", "CPU-bound host", CategoryResource, 60},
	MemoryBound:               {"memory_bound", "Memory-bound host", CategoryResource, 65},
	SwapThrashing:             {"swap_thrashing", "Swap thrashing", CategoryResource, 80},
	IOBound:                   {"io_bound", "I/O-bound host", CategoryResource, 55},
	DatabaseTask:              {"database_task", "Database task active", CategoryTask, 35},
	BatchTask:                 {"batch_task", "Batch task active", CategoryTask, 30},
	RealtimeTask:              {"realtime_task", "Realtime task active", CategoryTask, 60},
	RecoveringFromSpike:       {"recovering", "Recovering from spike", CategoryRecovery, 25},
	PredictedBreach:           {"predicted_breach", "Predicted load breach", CategoryPredictive, 80},
	PredictedMemoryExhaustion: {"predicted_memory_exhaustion", "Predicted memory exhaustion", CategoryPredictive, 85},
	MemoryLeakSuspected:       {"memory_leak", "Suspected memory leak", CategoryPredictive, 50},
}

func (id ID) String() string {
	if m, ok := catalog[id]; ok {
		return m.slug
	}
	return fmt.Sprintf("usecase(%d)", int(id))
}

// ParseID resolves a slug.
func ParseID(s string) (ID, bool) {
	for id, m := range catalog {
		if m.slug == s {
			return id, true
		}
	}
	return 0, false
}

// UseCase is one detected situation. Priority and Confidence are 0..100.
type UseCase struct {
	ID         ID                 `json:"-"`
	Slug       string             `json:"id"`
	Category   Category           `json:"category"`
	Name       string             `json:"name"`
	Priority   int                `json:"priority"`
	Confidence float64            `json:"confidence"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

func newUseCase(id ID, confidence float64, metrics map[string]float64) UseCase {
	m := catalog[id]
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	return UseCase{
		ID:         id,
		Slug:       m.slug,
		Category:   m.category,
		Name:       m.name,
		Priority:   m.priority,
		Confidence: confidence,
		Metrics:    metrics,
	}
}
