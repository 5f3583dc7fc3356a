package jobs

import (
	"context"
	"sync"
	"time"

	"jobwarden/internal/task/engine"
	logx "jobwarden/pkg/logx"
)

// CircuitSyncer reloads breaker state changed by other processes.
type CircuitSyncer interface {
	Sync(ctx context.Context) error
}

// Dispatcher polls due jobs once per tick and runs each admitted job in its
// own goroutine, so a retry backoff never stalls the tick.
type Dispatcher struct {
	m        *Manager
	circuits CircuitSyncer
	tick     time.Duration
	log      logx.Logger
	now      func() time.Time
	onRun    func(engine.Outcome)

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

type DispatcherOptions struct {
	Tick time.Duration // default 1m
	Log  logx.Logger
	Now  func() time.Time
	// OnOutcome observes every finished dispatch.
	OnOutcome func(engine.Outcome)
}

func NewDispatcher(m *Manager, circuits CircuitSyncer, opts DispatcherOptions) *Dispatcher {
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		m:        m,
		circuits: circuits,
		tick:     opts.Tick,
		log:      opts.Log.With(logx.String("comp", "dispatcher")),
		now:      opts.Now,
		onRun:    opts.OnOutcome,
		inflight: map[string]bool{},
	}
}

// Run ticks until ctx is done, then waits for in-flight executions.
// Ticks align to the wall-clock tick boundary.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	first := d.now().Truncate(d.tick).Add(d.tick).Sub(d.now())
	t := time.NewTimer(first)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		d.Tick(ctx)
		t.Reset(d.now().Truncate(d.tick).Add(d.tick).Sub(d.now()))
	}
}

// Tick dispatches every due job once and returns how many were started.
func (d *Dispatcher) Tick(ctx context.Context) int {
	if d.circuits != nil {
		if err := d.circuits.Sync(ctx); err != nil {
			d.log.Warn("circuit sync failed", logx.Err(err))
		}
	}
	due, err := d.m.DueJobs(ctx, d.now())
	if err != nil {
		d.log.Error("due jobs unavailable", logx.Err(err))
		return 0
	}
	started := 0
	for _, j := range due {
		name := j.Name
		d.mu.Lock()
		busy := d.inflight[name]
		if !busy {
			d.inflight[name] = true
		}
		d.mu.Unlock()
		if busy {
			d.log.Debug("job still running, tick skipped", logx.Job(name))
			continue
		}
		started++
		d.wg.Add(1)
		go d.run(ctx, name)
	}
	if len(due) > 0 {
		d.log.Debug("tick dispatched", logx.Int("due", len(due)), logx.Int("started", started))
	}
	return started
}

func (d *Dispatcher) run(ctx context.Context, name string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, name)
		d.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch panicked", logx.Job(name), logx.Any("panic", r))
		}
	}()
	out, err := d.m.ExecuteJob(ctx, name, ExecOptions{Trigger: "schedule"})
	if err != nil {
		d.log.Error("dispatch failed", logx.Job(name), logx.Err(err))
	}
	if d.onRun != nil {
		d.onRun(out)
	}
}

// Wait blocks until in-flight executions finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }
