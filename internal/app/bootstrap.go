package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobwarden/internal/adapters/telegram"
	"jobwarden/internal/balancer"
	"jobwarden/internal/circuit"
	"jobwarden/internal/config"
	"jobwarden/internal/eventbus"
	"jobwarden/internal/jobs"
	"jobwarden/internal/lock"
	"jobwarden/internal/model"
	"jobwarden/internal/monitor"
	"jobwarden/internal/notifier"
	"jobwarden/internal/observability"
	"jobwarden/internal/resource"
	"jobwarden/internal/schedule"
	"jobwarden/internal/storage"
	"jobwarden/internal/task/engine"
	"jobwarden/internal/task/runner"
	"jobwarden/internal/usecase"
	logx "jobwarden/pkg/logx"
)

// Components is the wired object graph. The daemon runs its loops; one-shot
// CLI commands use it directly.
type Components struct {
	Provider  *config.Provider
	Store     storage.Store
	Monitor   *monitor.Monitor
	Breaker   *circuit.Breaker
	Locks     *lock.Registry
	Balancer  *balancer.Balancer
	Resources *resource.Manager
	UseCases  *usecase.Engine
	Planner   *schedule.Optimizer
	Engine    *engine.Engine
	Notifier  *notifier.Service
	Jobs      *jobs.Manager
}

// Build opens the store and wires every component from cfg. The caller owns
// Close. A store that cannot be opened is fatal.
func Build(ctx context.Context, cfg *config.Config, prov *config.Provider, log logx.Logger, bus eventbus.Bus) (*Components, error) {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if prov == nil {
		prov = config.StaticProvider(cfg)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("storage unreachable: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	c := &Components{Provider: prov, Store: store}
	if err := c.wire(ctx, cfg, log, bus); err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) wire(ctx context.Context, cfg *config.Config, log logx.Logger, bus eventbus.Bus) error {
	c.Monitor = monitor.New(monitor.Options{
		Interval: config.Duration(cfg.Monitor.Interval),
		Window:   config.Duration(cfg.Monitor.Window),
		Bus:      bus,
		Log:      log,
	})

	c.Breaker = circuit.New(c.Store, mapBreakerConfig(cfg), circuit.WithLogger(log), circuit.WithBus(bus))

	locks, err := lock.New(cfg.Locks.Dir, log)
	if err != nil {
		return fmt.Errorf("locks: %w", err)
	}
	c.Locks = locks

	c.Balancer = balancer.New(mapSlotLimits(cfg), balancer.Options{
		Settings: c.Provider,
		Usage:    locks,
		Locks:    locks,
		Readings: c.Monitor,
		Store:    c.Store,
		Bus:      bus,
		Log:      log,
		MaxAge:   2 * c.Monitor.Interval(),
	})
	if err := c.Balancer.Restore(ctx); err != nil {
		log.Warn("slot limits not restored", logx.Err(err))
	}

	c.Resources = resource.NewManager(c.Monitor, c.Balancer, resource.Options{
		Table:     resource.Scaled(mapSlotLimits(cfg)),
		Interval:  config.Duration(cfg.ResourceManager.Interval),
		Smoothing: cfg.ResourceManager.Smoothing,
		MinDwell:  config.Duration(cfg.ResourceManager.MinDwell),
		Bus:       bus,
		Log:       log,
	})

	c.UseCases = usecase.NewEngine(c.Monitor, c.Balancer, usecase.Options{
		Tasks: func() []string { return runningJobs(locks) },
		Log:   log,
	})

	loc, err := schedulerLocation(cfg)
	if err != nil {
		return err
	}
	c.Planner = schedule.NewOptimizer(schedule.Options{
		BusinessStart:     cfg.Scheduler.BusinessStart,
		BusinessEnd:       cfg.Scheduler.BusinessEnd,
		MaxHeavyPerMinute: cfg.Scheduler.MaxHeavyPerMinute,
		Location:          loc,
		Log:               log,
	})

	var resolver engine.Resolver = rejectAll{}
	if len(cfg.Execution.AllowedDirs) > 0 {
		r, err := runner.NewResolver(cfg.Execution.AllowedDirs)
		if err != nil {
			return fmt.Errorf("execution.allowed_dirs: %w", err)
		}
		resolver = r
	}
	proc := runner.NewProcess(runner.Options{
		Interpreters: cfg.Execution.Interpreters,
		KillGrace:    config.Duration(cfg.Execution.KillGrace),
		OutputLimit:  cfg.Execution.OutputLimit,
		Log:          log,
	})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	sinks := []notifier.Sink{notifier.LogSink{Log: log.With(logx.String("comp", "alerts"))}}
	if tg := cfg.Notifier.Telegram; strings.TrimSpace(tg.Token) != "" && tg.ChatID != 0 {
		s, err := telegram.New(telegram.Config{Token: tg.Token, ChatID: tg.ChatID})
		if err != nil {
			return fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks = append(sinks, s)
	}
	c.Notifier = notifier.New(ncfg, log, bus, sinks...)

	c.Engine = engine.New(locks, c.Breaker, resolver, proc, engine.Options{
		DefaultTimeout: config.Duration(cfg.Execution.DefaultTimeout),
		Backoff: engine.Backoff{
			Base: config.Duration(cfg.Execution.BackoffBase),
			Max:  config.Duration(cfg.Execution.BackoffMax),
		},
		Bus:   bus,
		Log:   log,
		Alert: c.Notifier,
	})

	c.Jobs = jobs.NewManager(c.Store, c.Planner, c.Balancer, c.Engine, jobs.Options{
		BaselineEvery:  cfg.JobsManager.BaselineEvery,
		BaselineWindow: time.Duration(cfg.JobsManager.BaselineDays) * 24 * time.Hour,
		AnomalyFactor:  cfg.JobsManager.AnomalyFactor,
		Thresholds:     mapThresholds(cfg),
		Bus:            bus,
		Log:            log,
		Alert:          c.Notifier,
	})
	return nil
}

// SeedJobs upserts the configured jobs and rebuilds the dispatch table.
// Invalid entries are logged and skipped.
func (c *Components) SeedJobs(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	for i, jc := range cfg.Jobs {
		j, err := jc.Definition()
		if err != nil {
			log.Warn("job seed rejected", logx.Int("index", i), logx.Err(err))
			continue
		}
		if err := c.Jobs.RegisterJob(ctx, j); err != nil {
			log.Warn("job seed rejected", logx.Job(j.Name), logx.Err(err))
		}
	}
	return c.Jobs.Replan(ctx)
}

// Close releases the store.
func (c *Components) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

type rejectAll struct{}

func (rejectAll) Resolve(script string) (string, error) {
	return "", fmt.Errorf("%w: no allowed script directories", runner.ErrPathRejected)
}

func runningJobs(r *lock.Registry) []string {
	holders, err := r.Running()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(holders))
	for _, h := range holders {
		out = append(out, h.Job)
	}
	return out
}

func schedulerLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapBreakerConfig(cfg *config.Config) circuit.Config {
	out := circuit.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     config.Duration(cfg.Breaker.ResetTimeout),
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	}
	if len(cfg.Breaker.ClassThresholds) > 0 {
		out.ClassThresholds = map[model.ResourceClass]int{}
		for k, n := range cfg.Breaker.ClassThresholds {
			if class, err := model.ParseResourceClass(k); err == nil {
				out.ClassThresholds[class] = n
			}
		}
	}
	return out
}

func mapSlotLimits(cfg *config.Config) map[model.SlotName]model.SlotLimits {
	out := map[model.SlotName]model.SlotLimits{}
	for name, sl := range cfg.Balancer.Slots {
		out[model.SlotName(name)] = model.SlotLimits{
			MaxConcurrent: sl.MaxConcurrent,
			MaxMemoryMB:   sl.MaxMemoryMB,
			MaxCPUPercent: sl.MaxCPUPercent,
		}
	}
	return out
}

func mapThresholds(cfg *config.Config) schedule.Thresholds {
	s := cfg.Scheduler
	return schedule.Thresholds{
		HeavyDuration:  config.Duration(s.HeavyDuration),
		HeavyMemoryMB:  s.HeavyMemoryMB,
		MediumDuration: config.Duration(s.MediumDuration),
		MediumMemoryMB: s.MediumMemoryMB,
		Window:         config.Duration(s.AnalysisWindow),
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	enabled := true
	if n.Enabled != nil {
		enabled = *n.Enabled
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 {
		return notifier.Config{}, errors.New("notifier: workers, queue_size and rate_per_sec must be >= 0")
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     enabled,
		Workers:     n.Workers,
		QueueSize:   n.QueueSize,
		RatePerSec:  n.RatePerSec,
		DedupWindow: dedup,
	}, nil
}

func mapServerConfig(cfg *config.Config) observability.Config {
	o := cfg.Observability
	return observability.Config{Enabled: o.Enabled, Addr: o.Addr, Pprof: o.Pprof}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
