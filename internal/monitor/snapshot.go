package monitor

import (
	"math"
	"time"
)

// Tier is the severity band of a snapshot's overall load.
type Tier string

const (
	TierNormal    Tier = "normal"
	TierElevated  Tier = "elevated"
	TierHigh      Tier = "high"
	TierCritical  Tier = "critical"
	TierEmergency Tier = "emergency"
)

// Overall-load weights. They sum to 1.
const (
	weightCPU    = 0.35
	weightMemory = 0.30
	weightLoad   = 0.20
	weightIOWait = 0.10
	weightSwap   = 0.05
)

// Snapshot is one immutable host reading. Percentages are 0..100.
// LoadPerCore is the 1-minute load average divided by the CPU count.
type Snapshot struct {
	Time time.Time `json:"time"`

	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	LoadPerCore    float64 `json:"load_per_core"`
	Swap           float64 `json:"swap"`
	IOWait         float64 `json:"iowait"`
	DiskUsed       float64 `json:"disk_used"`
	NetBytesPerSec float64 `json:"net_bytes_per_sec"`

	Processes    int `json:"processes"`
	ProcsRunning int `json:"procs_running"`
	ProcsBlocked int `json:"procs_blocked"`

	OverallLoad float64 `json:"overall_load"`
	Tier        Tier    `json:"tier"`
	Capacity    float64 `json:"capacity"`

	// CPUSource and MemorySource name the sampler that produced the value.
	CPUSource    string `json:"cpu_source,omitempty"`
	MemorySource string `json:"memory_source,omitempty"`
	// Raw holds every sampler result that returned data, keyed "cpu.<name>" / "memory.<name>".
	Raw map[string]float64 `json:"raw,omitempty"`
}

// Finalize derives OverallLoad, Tier and Capacity from the raw metrics.
func (s Snapshot) Finalize() Snapshot {
	s.OverallLoad = OverallLoad(s.CPU, s.Memory, s.LoadPerCore, s.IOWait, s.Swap)
	s.Tier = TierFor(s.OverallLoad, s.CPU, s.Memory)
	s.Capacity = 100 - s.OverallLoad
	return s
}

// OverallLoad blends the metrics into a 0..100 score. Load per core is
// scaled so 1.0 per core counts as 100.
func OverallLoad(cpu, memory, loadPerCore, iowait, swap float64) float64 {
	v := weightCPU*clamp(cpu) +
		weightMemory*clamp(memory) +
		weightLoad*clamp(loadPerCore*100) +
		weightIOWait*clamp(iowait) +
		weightSwap*clamp(swap)
	return math.Round(v*100) / 100
}

// TierFor maps an overall load to a tier. CPU or memory above 98 is an
// emergency regardless of the blend.
func TierFor(overall, cpu, memory float64) Tier {
	switch {
	case cpu > 98 || memory > 98 || overall >= 95:
		return TierEmergency
	case overall >= 85:
		return TierCritical
	case overall >= 70:
		return TierHigh
	case overall >= 50:
		return TierElevated
	default:
		return TierNormal
	}
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
