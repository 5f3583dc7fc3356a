package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Sampler produces one metric. ok=false means "no data"; samplers never
// return errors so one missing source cannot block a decision cycle.
type Sampler interface {
	Name() string
	Sample(ctx context.Context) (float64, bool)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc struct {
	ID string
	Fn func(ctx context.Context) (float64, bool)
}

func (s SamplerFunc) Name() string                               { return s.ID }
func (s SamplerFunc) Sample(ctx context.Context) (float64, bool) { return s.Fn(ctx) }

// ProcCounts is the host process table summary.
type ProcCounts struct {
	Total, Running, Blocked int
}

// Samplers is the full sampler set. CPU and Memory are tried in order and
// the first one with data wins. Nil single samplers read as "no data".
type Samplers struct {
	CPU    []Sampler
	Memory []Sampler

	LoadPerCore Sampler
	Swap        Sampler
	IOWait      Sampler
	DiskUsed    Sampler
	NetRate     Sampler
	Procs       func(ctx context.Context) (ProcCounts, bool)
}

// HostSamplers returns the gopsutil-backed sampler set.
//
// CPU priority: /proc/stat differential, blocking cpu.Percent, load average.
// Memory priority: available-based, free-based.
func HostSamplers() Samplers {
	ct := &cpuTimes{}
	nr := &netRate{}
	return Samplers{
		CPU: []Sampler{
			SamplerFunc{ID: "cpu_times", Fn: ct.busy},
			SamplerFunc{ID: "cpu_percent", Fn: cpuPercent},
			SamplerFunc{ID: "loadavg", Fn: loadAsCPU},
		},
		Memory: []Sampler{
			SamplerFunc{ID: "mem_available", Fn: memAvailable},
			SamplerFunc{ID: "mem_free", Fn: memFree},
		},
		LoadPerCore: SamplerFunc{ID: "load1", Fn: loadPerCore},
		Swap:        SamplerFunc{ID: "swap", Fn: swapPercent},
		IOWait:      SamplerFunc{ID: "iowait", Fn: ct.iowaitPct},
		DiskUsed:    SamplerFunc{ID: "disk_root", Fn: diskUsed},
		NetRate:     SamplerFunc{ID: "net", Fn: nr.sample},
		Procs:       procCounts,
	}
}

// cpuTimes keeps the previous aggregate counters; busy and iowait are the
// share of the delta since the last call. The first call has no baseline.
type cpuTimes struct {
	mu     sync.Mutex
	prev   cpu.TimesStat
	have   bool
	iowait float64
	iwOK   bool
}

func (c *cpuTimes) busy(ctx context.Context) (float64, bool) {
	ts, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(ts) == 0 {
		return 0, false
	}
	cur := ts[0]

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, had := c.prev, c.have
	c.prev, c.have = cur, true
	if !had {
		c.iwOK = false
		return 0, false
	}
	total := timesTotal(cur) - timesTotal(prev)
	if total <= 0 {
		c.iwOK = false
		return 0, false
	}
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	c.iowait = clamp((cur.Iowait - prev.Iowait) / total * 100)
	c.iwOK = true
	return clamp((total - idle) / total * 100), true
}

// iowaitPct reports the iowait share computed by the last busy call.
func (c *cpuTimes) iowaitPct(ctx context.Context) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iowait, c.iwOK
}

func timesTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func cpuPercent(ctx context.Context) (float64, bool) {
	v, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil || len(v) == 0 {
		return 0, false
	}
	return clamp(v[0]), true
}

func loadAsCPU(ctx context.Context) (float64, bool) {
	lpc, ok := loadPerCore(ctx)
	if !ok {
		return 0, false
	}
	return clamp(lpc * 100), true
}

func loadPerCore(ctx context.Context) (float64, bool) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil || avg == nil {
		return 0, false
	}
	n := runtime.NumCPU()
	if n <= 0 {
		n = 1
	}
	return avg.Load1 / float64(n), true
}

func memAvailable(ctx context.Context) (float64, bool) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm == nil || vm.Total == 0 || vm.Available == 0 {
		return 0, false
	}
	return clamp(float64(vm.Total-vm.Available) / float64(vm.Total) * 100), true
}

func memFree(ctx context.Context) (float64, bool) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm == nil || vm.Total == 0 {
		return 0, false
	}
	return clamp(float64(vm.Total-vm.Free) / float64(vm.Total) * 100), true
}

func swapPercent(ctx context.Context) (float64, bool) {
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil || sw == nil {
		return 0, false
	}
	if sw.Total == 0 {
		return 0, true
	}
	return clamp(sw.UsedPercent), true
}

func diskUsed(ctx context.Context) (float64, bool) {
	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil || du == nil || du.Total == 0 {
		return 0, false
	}
	return clamp(du.UsedPercent), true
}

type netRate struct {
	mu    sync.Mutex
	prev  uint64
	prevT time.Time
}

// sample returns bytes/s (sent+received, all interfaces) since the last call.
func (n *netRate) sample(ctx context.Context) (float64, bool) {
	io, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil || len(io) == 0 {
		return 0, false
	}
	cur := io[0].BytesSent + io[0].BytesRecv
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	prev, prevT := n.prev, n.prevT
	n.prev, n.prevT = cur, now
	if prevT.IsZero() || cur < prev {
		return 0, false
	}
	dt := now.Sub(prevT).Seconds()
	if dt <= 0 {
		return 0, false
	}
	return float64(cur-prev) / dt, true
}

func procCounts(ctx context.Context) (ProcCounts, bool) {
	m, err := load.MiscWithContext(ctx)
	if err != nil || m == nil {
		return ProcCounts{}, false
	}
	return ProcCounts{Total: m.ProcsTotal, Running: m.ProcsRunning, Blocked: m.ProcsBlocked}, true
}
