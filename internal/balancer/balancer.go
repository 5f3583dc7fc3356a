// Package balancer is the admission gate: a job may start only while its
// slot has a free concurrency place and live CPU and memory are under the
// configured thresholds.
//
// Running counts come from the lock registry, so a crashed holder never
// leaves a count behind. Admit takes the job's lock while the slot's
// admission mutex is held, so concurrent admissions in one process cannot
// overfill a slot.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jobwarden/internal/eventbus"
	"jobwarden/internal/lock"
	"jobwarden/internal/model"
	"jobwarden/internal/monitor"
	"jobwarden/internal/storage"
	logx "jobwarden/pkg/logx"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAdmitted     Reason = "admitted"
	ReasonBypassed     Reason = "bypassed"
	ReasonSlotFull     Reason = "slot_full"
	ReasonCPU          Reason = "cpu_threshold"
	ReasonMemory       Reason = "memory_threshold"
	ReasonMemoryBudget Reason = "memory_budget"
	ReasonDeferred     Reason = "deferred_by_strategy"
	ReasonUsageUnknown Reason = "usage_unknown"
	ReasonRunning      Reason = "already_running"
	ReasonLockFailed   Reason = "lock_unavailable"
)

const (
	defaultCPUThreshold    = 80.0
	defaultMemoryThreshold = 85.0
)

// Decision is the outcome of one admission check. Denials are values, not errors.
type Decision struct {
	Admitted bool           `json:"admitted"`
	Reason   Reason         `json:"reason"`
	Slot     model.SlotName `json:"slot"`
	Running  int            `json:"running"`
	Max      int            `json:"max"`

	CPU             float64 `json:"cpu"`
	Memory          float64 `json:"memory"`
	CPUThreshold    float64 `json:"cpu_threshold"`
	MemoryThreshold float64 `json:"memory_threshold"`
	Override        string  `json:"override,omitempty"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s slot=%s running=%d/%d cpu=%.1f/%.1f mem=%.1f/%.1f",
		d.Reason, d.Slot, d.Running, d.Max, d.CPU, d.CPUThreshold, d.Memory, d.MemoryThreshold)
}

// Settings supplies hot thresholds. *config.Provider satisfies it.
type Settings interface {
	Float(key string, def float64) float64
}

// Usage counts live lock holders per class. *lock.Registry satisfies it.
type Usage interface {
	CountByClass() (map[model.ResourceClass]int, error)
}

// Locker takes a job's exclusive lock. *lock.Registry satisfies it.
type Locker interface {
	TryAcquire(job string, class model.ResourceClass) (*lock.Handle, error)
}

// Readings supplies host load. *monitor.Monitor satisfies it.
type Readings interface {
	Latest() (monitor.Snapshot, bool)
	Sample(ctx context.Context) monitor.Snapshot
}

// Override is a transient adjustment applied by the use-case engine.
type Override struct {
	Source            string
	CPUThreshold      float64 // 0 keeps the configured value
	MemoryThreshold   float64
	ConcurrencyFactor float64 // 0 keeps limits unchanged
	Defer             []model.ResourceClass
	Expires           time.Time
}

func (o *Override) defers(c model.ResourceClass) bool {
	for _, d := range o.Defer {
		if d == c {
			return true
		}
	}
	return false
}

type Options struct {
	Settings Settings
	Usage    Usage
	Locks    Locker // optional; Admit reserves through it
	Readings Readings
	Store    storage.StateStore // optional; slot views are persisted here
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
	// MaxAge is how old the latest snapshot may be before a fresh sample is taken.
	MaxAge time.Duration
}

type Balancer struct {
	opts Options
	log  logx.Logger

	mu    sync.RWMutex // guards the slot map, not the limits
	slots map[model.SlotName]*atomic.Pointer[model.SlotLimits]

	admitMu sync.Mutex
	admit   map[model.SlotName]*sync.Mutex

	tier     atomic.Value // string
	override atomic.Pointer[Override]
}

func New(initial map[model.SlotName]model.SlotLimits, opts Options) *Balancer {
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 15 * time.Second
	}
	b := &Balancer{
		opts:  opts,
		log:   opts.Log.With(logx.String("comp", "balancer")),
		slots: map[model.SlotName]*atomic.Pointer[model.SlotLimits]{},
		admit: map[model.SlotName]*sync.Mutex{},
	}
	b.tier.Store("")
	for name, l := range initial {
		b.SetLimits(name, l)
	}
	return b
}

// SetLimits replaces one slot's limits atomically.
func (b *Balancer) SetLimits(name model.SlotName, l model.SlotLimits) {
	b.mu.RLock()
	p := b.slots[name]
	b.mu.RUnlock()
	if p == nil {
		b.mu.Lock()
		if p = b.slots[name]; p == nil {
			p = &atomic.Pointer[model.SlotLimits]{}
			b.slots[name] = p
		}
		b.mu.Unlock()
	}
	cp := l
	p.Store(&cp)
}

// Limits returns a copy of one slot's limits.
func (b *Balancer) Limits(name model.SlotName) (model.SlotLimits, bool) {
	b.mu.RLock()
	p := b.slots[name]
	b.mu.RUnlock()
	if p == nil {
		return model.SlotLimits{}, false
	}
	if l := p.Load(); l != nil {
		return *l, true
	}
	return model.SlotLimits{}, false
}

// SlotNames returns the known slots in name order.
func (b *Balancer) SlotNames() []model.SlotName {
	b.mu.RLock()
	out := make([]model.SlotName, 0, len(b.slots))
	for n := range b.slots {
		out = append(out, n)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetTier records the resource-manager tier shown in slot views.
func (b *Balancer) SetTier(t string) { b.tier.Store(t) }
func (b *Balancer) Tier() string     { return b.tier.Load().(string) }

// ApplyOverride installs o until o.Expires. A nil o clears the override.
func (b *Balancer) ApplyOverride(o *Override) {
	if o == nil {
		b.override.Store(nil)
		return
	}
	cp := *o
	cp.Defer = append([]model.ResourceClass(nil), o.Defer...)
	b.override.Store(&cp)
	b.log.Info("strategy override applied",
		logx.String("source", cp.Source),
		logx.Float64("cpu_threshold", cp.CPUThreshold),
		logx.Float64("memory_threshold", cp.MemoryThreshold),
		logx.Float64("concurrency_factor", cp.ConcurrencyFactor),
		logx.Time("expires", cp.Expires))
}

// ActiveOverride returns the unexpired override, if any.
func (b *Balancer) ActiveOverride() (Override, bool) {
	o := b.override.Load()
	if o == nil {
		return Override{}, false
	}
	if !o.Expires.IsZero() && !b.opts.Now().Before(o.Expires) {
		b.override.CompareAndSwap(o, nil)
		return Override{}, false
	}
	return *o, true
}

func (b *Balancer) thresholds() (cpu, mem float64) {
	cpu, mem = defaultCPUThreshold, defaultMemoryThreshold
	if b.opts.Settings != nil {
		cpu = b.opts.Settings.Float("balancer.cpu_threshold", cpu)
		mem = b.opts.Settings.Float("balancer.memory_threshold", mem)
	}
	return cpu, mem
}

func (b *Balancer) reading(ctx context.Context) (monitor.Snapshot, bool) {
	if b.opts.Readings == nil {
		return monitor.Snapshot{}, false
	}
	if s, ok := b.opts.Readings.Latest(); ok && b.opts.Now().Sub(s.Time) <= b.opts.MaxAge {
		return s, true
	}
	return b.opts.Readings.Sample(ctx), true
}

// effectiveMax scales a slot's concurrency by the override factor. An
// override only narrows: factors above 1 are capped, since limits belong to
// the resource manager. A slot with a non-zero limit keeps at least one place.
func effectiveMax(limit int, o *Override) int {
	if o == nil || o.ConcurrencyFactor <= 0 || limit <= 0 {
		return limit
	}
	m := int(math.Floor(float64(limit) * math.Min(o.ConcurrencyFactor, 1)))
	if m < 1 {
		m = 1
	}
	return m
}

// CanRun decides whether job may start now. It reserves nothing; use Admit
// to start the job.
func (b *Balancer) CanRun(ctx context.Context, job model.JobDefinition) Decision {
	snap, ok := b.reading(ctx)
	d := b.check(job, snap, ok)
	b.report(job, d)
	return d
}

// Admit decides like CanRun and, when admitted, takes the job's lock before
// any other admission for the same slot can count. The caller owns the
// returned handle. A job whose lock is held is denied with ReasonRunning.
func (b *Balancer) Admit(ctx context.Context, job model.JobDefinition) (Decision, *lock.Handle) {
	// Sampling may block; keep it outside the slot mutex.
	snap, ok := b.reading(ctx)

	mu := b.slotMutex(job.Class.Slot())
	mu.Lock()
	d := b.check(job, snap, ok)
	var h *lock.Handle
	if d.Admitted && b.opts.Locks != nil {
		var err error
		h, err = b.opts.Locks.TryAcquire(job.Name, job.Class)
		switch {
		case errors.Is(err, lock.ErrAlreadyRunning):
			d.Admitted, d.Reason = false, ReasonRunning
		case err != nil:
			b.log.Error("admission lock unavailable", logx.Job(job.Name), logx.Err(err))
			d.Admitted, d.Reason = false, ReasonLockFailed
		}
	}
	mu.Unlock()

	if d.Reason != ReasonRunning {
		b.report(job, d)
	}
	return d, h
}

func (b *Balancer) slotMutex(slot model.SlotName) *sync.Mutex {
	b.admitMu.Lock()
	defer b.admitMu.Unlock()
	mu := b.admit[slot]
	if mu == nil {
		mu = &sync.Mutex{}
		b.admit[slot] = mu
	}
	return mu
}

func (b *Balancer) report(job model.JobDefinition, d Decision) {
	if d.Admitted {
		return
	}
	b.log.Info("admission denied",
		logx.Job(job.Name),
		logx.String("class", string(job.Class)),
		logx.String("reason", string(d.Reason)),
		logx.String("slot", string(d.Slot)),
		logx.Int("running", d.Running),
		logx.Int("max", d.Max),
		logx.Float64("cpu", d.CPU),
		logx.Float64("memory", d.Memory),
		logx.String("override", d.Override))
	b.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeAdmissionDenied, Data: eventbus.AdmissionDenied{
		Job: job.Name, Reason: string(d.Reason),
	}})
}

func (b *Balancer) check(job model.JobDefinition, snap monitor.Snapshot, haveReading bool) Decision {
	slot := job.Class.Slot()
	limits, _ := b.Limits(slot)
	cpuT, memT := b.thresholds()

	var ov *Override
	if o, ok := b.ActiveOverride(); ok {
		ov = &o
		if o.CPUThreshold > 0 {
			cpuT = math.Min(cpuT, o.CPUThreshold)
		}
		if o.MemoryThreshold > 0 {
			memT = math.Min(memT, o.MemoryThreshold)
		}
	}
	if limits.MaxCPUPercent > 0 {
		cpuT = math.Min(cpuT, limits.MaxCPUPercent)
	}

	d := Decision{Slot: slot, Max: effectiveMax(limits.MaxConcurrent, ov), CPUThreshold: cpuT, MemoryThreshold: memT}
	if ov != nil {
		d.Override = ov.Source
	}

	if ov != nil && ov.defers(job.Class) && job.Class != model.ClassCritical {
		d.Reason = ReasonDeferred
		return d
	}

	running, err := b.runningIn(slot)
	if err != nil {
		b.log.Error("running count unavailable", logx.Err(err))
		d.Reason = ReasonUsageUnknown
		return d
	}
	d.Running = running
	if d.Running >= d.Max {
		d.Reason = ReasonSlotFull
		return d
	}

	if est := estimateMemoryMB(job); limits.MaxMemoryMB > 0 && est > limits.MaxMemoryMB {
		d.Reason = ReasonMemoryBudget
		return d
	}

	if haveReading {
		d.CPU, d.Memory = snap.CPU, snap.Memory
		if snap.CPUSource != "" && snap.CPU >= cpuT {
			d.Reason = ReasonCPU
			return d
		}
		if snap.MemorySource != "" && snap.Memory >= memT {
			d.Reason = ReasonMemory
			return d
		}
	}

	d.Admitted = true
	d.Reason = ReasonAdmitted
	return d
}

// estimateMemoryMB is the job's declared budget, else its baseline average.
func estimateMemoryMB(j model.JobDefinition) float64 {
	if j.MemoryBudgetMB > 0 {
		return j.MemoryBudgetMB
	}
	return j.Baseline.AvgMemoryMB
}

func (b *Balancer) runningIn(slot model.SlotName) (int, error) {
	if b.opts.Usage == nil {
		return 0, nil
	}
	counts, err := b.opts.Usage.CountByClass()
	if err != nil {
		return 0, err
	}
	n := 0
	for class, c := range counts {
		if class.Slot() == slot {
			n += c
		}
	}
	return n, nil
}

// Slots returns a view of every slot with live running counts.
func (b *Balancer) Slots() []model.ExecutionSlot {
	var counts map[model.ResourceClass]int
	if b.opts.Usage != nil {
		counts, _ = b.opts.Usage.CountByClass()
	}
	now := b.opts.Now()
	tier := b.Tier()
	var out []model.ExecutionSlot
	for _, name := range b.SlotNames() {
		l, _ := b.Limits(name)
		es := model.ExecutionSlot{Name: name, Limits: l, Tier: tier, UpdatedAt: now}
		for class, c := range counts {
			if class.Slot() == name {
				es.Running += c
			}
		}
		out = append(out, es)
	}
	return out
}

// Persist writes the slot views to the store.
func (b *Balancer) Persist(ctx context.Context) error {
	if b.opts.Store == nil {
		return nil
	}
	return b.opts.Store.SaveSlots(ctx, b.Slots())
}

// Restore loads previously persisted limits. Missing slots keep their values.
func (b *Balancer) Restore(ctx context.Context) error {
	if b.opts.Store == nil {
		return nil
	}
	slots, err := b.opts.Store.LoadSlots(ctx)
	if err != nil {
		return err
	}
	for _, s := range slots {
		if s.Limits.MaxConcurrent <= 0 && s.Limits.MaxMemoryMB <= 0 && s.Limits.MaxCPUPercent <= 0 {
			continue
		}
		b.SetLimits(s.Name, s.Limits)
		if s.Tier != "" {
			b.SetTier(s.Tier)
		}
	}
	return nil
}
