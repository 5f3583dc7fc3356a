package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobwarden/internal/config"
	"jobwarden/internal/eventbus"
	"jobwarden/internal/jobs"
	"jobwarden/internal/observability"
	rtsup "jobwarden/internal/runtime/supervisor"
	logx "jobwarden/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// reanalyzeEvery is how often observed history reclassifies jobs.
const reanalyzeEvery = time.Hour

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	c          *Components
	dispatcher *jobs.Dispatcher
	metrics    *observability.Metrics
	server     *observability.Server
}

// NewApp loads cfgPath and wires the daemon. Any error is a startup failure.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	prov := config.NewProvider(cfgm.Get, 5*time.Second)

	c, err := Build(ctx, cfg, prov, logSvc.Logger(), bus)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		c:       c,
		metrics: observability.NewMetrics(),
	}
	a.dispatcher = jobs.NewDispatcher(c.Jobs, c.Breaker, jobs.DispatcherOptions{
		Tick: config.Duration(cfg.JobsManager.Tick),
		Log:  logSvc.Logger(),
	})
	a.server = observability.NewServer(mapServerConfig(cfg), a.metrics, a.health, logSvc.Logger())
	return a, nil
}

func (a *App) Components() *Components { return a.c }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := schedulerLocation(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.c.Breaker.Sync(run); err != nil {
		a.log.Warn("circuit states not loaded", logx.Err(err))
	}
	if err := a.c.SeedJobs(run, a.cfgm.Get(), a.log); err != nil {
		return fmt.Errorf("seed jobs: %w", err)
	}

	if a.c.Notifier.Enabled() {
		a.c.Notifier.Start(run)
	}
	a.server.Start(run)

	a.sup.GoRestart("monitor", a.c.Monitor.Run, time.Second, 30*time.Second)
	a.sup.GoRestart("resource", func(c context.Context) error {
		enabled := a.cfgm.Get().ResourceManager.Enabled
		if enabled != nil && !*enabled {
			<-c.Done()
			return c.Err()
		}
		return a.c.Resources.Run(c)
	}, time.Second, 30*time.Second)
	a.sup.GoRestart("usecase", a.c.UseCases.Run, time.Second, 30*time.Second)
	a.sup.GoRestart("dispatcher", a.dispatcher.Run, time.Second, 30*time.Second)
	a.sup.GoRestart("metrics", func(c context.Context) error { return a.metrics.Consume(c, a.bus) }, time.Second, 30*time.Second)
	a.sup.GoRestart("metrics.slots", a.slotsLoop, time.Second, 30*time.Second)
	a.sup.GoRestart("jobs.reanalyze", a.reanalyzeLoop, time.Second, time.Minute)

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd()
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("jobs", len(a.cfgm.Get().Jobs)))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "locks", "monitor", "resource_manager", "scheduler", "execution", "jobs_manager":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.c.Provider.Invalidate()
	a.logs.Apply(mapLogConfig(newCfg))
	a.c.Breaker.SetConfig(mapBreakerConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.c.Notifier.Enabled()
		a.c.Notifier.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.c.Notifier.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.c.Notifier.Start(ctx)
		}
	}

	a.server.Reconfigure(ctx, mapServerConfig(newCfg))

	if len(jobsChanged) > 0 {
		if err := a.c.SeedJobs(ctx, newCfg, a.log); err != nil {
			a.log.Warn("job reseed failed", logx.Err(err))
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) slotsLoop(ctx context.Context) error {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		a.metrics.SetSlots(a.c.Balancer.Slots())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (a *App) reanalyzeLoop(ctx context.Context) error {
	t := time.NewTicker(reanalyzeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if _, err := a.c.Jobs.Reanalyze(ctx); err != nil {
			a.log.Warn("reanalyze failed", logx.Err(err))
		}
	}
}

// notifySystemd reports readiness and, when the unit sets WatchdogSec,
// pings the watchdog at half the interval. Outside systemd both are no-ops.
func (a *App) notifySystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

type healthReport struct {
	Storage  string            `json:"storage"`
	Tier     string            `json:"tier"`
	Notifier bool              `json:"notifier"`
	Loops    []rtsup.LoopStats `json:"loops"`
}

func (a *App) health(ctx context.Context) (any, bool) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	r := healthReport{
		Storage:  "ok",
		Tier:     a.c.Balancer.Tier(),
		Notifier: a.c.Notifier.Enabled(),
	}
	if a.sup != nil {
		r.Loops = a.sup.Snapshot()
	}
	ok := true
	if err := a.c.Store.Ping(pctx); err != nil {
		r.Storage = err.Error()
		ok = false
	}
	return r, ok
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Loops first: the dispatcher waits for in-flight executions, which
	// still need the store and the notifier.
	step("loops", 30*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	step("slots", time.Second, func(c context.Context) error { return a.c.Balancer.Persist(c) })
	step("http", time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.c.Notifier.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.c.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
