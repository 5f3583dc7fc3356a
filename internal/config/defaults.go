package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobwarden/internal/model"
)

// Default slot limits used when balancer.slots omits a slot.
var DefaultSlots = map[string]SlotConfig{
	string(model.SlotDefault): {MaxConcurrent: 4, MaxMemoryMB: 2048, MaxCPUPercent: 80},
	string(model.SlotHeavy):   {MaxConcurrent: 1, MaxMemoryMB: 2048, MaxCPUPercent: 60},
	string(model.SlotLight):   {MaxConcurrent: 8, MaxMemoryMB: 512, MaxCPUPercent: 90},
}

// ApplyDefaults fills zero values in place.
func ApplyDefaults(c *Config) {
	if c == nil {
		return
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/jobwarden.json"
	}
	if c.Locks.Dir == "" {
		c.Locks.Dir = "./data/locks"
	}
	setStr(&c.Monitor.Interval, "5s")
	setStr(&c.Monitor.Window, "5m")

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ClassThresholds == nil {
		c.Breaker.ClassThresholds = map[string]int{string(model.ClassHeavy): 4}
	}
	setStr(&c.Breaker.ResetTimeout, "60s")
	if c.Breaker.HalfOpenProbes <= 0 {
		c.Breaker.HalfOpenProbes = 3
	}

	if c.Balancer.CPUThreshold <= 0 {
		c.Balancer.CPUThreshold = 80
	}
	if c.Balancer.MemoryThreshold <= 0 {
		c.Balancer.MemoryThreshold = 85
	}
	if c.Balancer.Slots == nil {
		c.Balancer.Slots = map[string]SlotConfig{}
	}
	for name, def := range DefaultSlots {
		if _, ok := c.Balancer.Slots[name]; !ok {
			c.Balancer.Slots[name] = def
		}
	}

	setStr(&c.ResourceManager.Interval, "60s")

	if c.Scheduler.BusinessStart == 0 && c.Scheduler.BusinessEnd == 0 {
		c.Scheduler.BusinessStart, c.Scheduler.BusinessEnd = 8, 23
	}
	setStr(&c.Scheduler.HeavyDuration, "5m")
	setStr(&c.Scheduler.MediumDuration, "1m")
	if c.Scheduler.HeavyMemoryMB <= 0 {
		c.Scheduler.HeavyMemoryMB = 512
	}
	if c.Scheduler.MediumMemoryMB <= 0 {
		c.Scheduler.MediumMemoryMB = 128
	}
	setStr(&c.Scheduler.AnalysisWindow, "720h")
	if c.Scheduler.MaxHeavyPerMinute <= 0 {
		c.Scheduler.MaxHeavyPerMinute = 1
	}

	setStr(&c.Execution.DefaultTimeout, "30m")
	setStr(&c.Execution.KillGrace, "5s")
	if c.Execution.OutputLimit <= 0 {
		c.Execution.OutputLimit = 64 * 1024
	}
	setStr(&c.Execution.BackoffBase, "1s")
	setStr(&c.Execution.BackoffMax, "1m")
	if c.Execution.Interpreters == nil {
		c.Execution.Interpreters = map[string]string{".sh": "/bin/sh", ".py": "python3"}
	}

	setStr(&c.JobsManager.Tick, "1m")
	if c.JobsManager.BaselineEvery <= 0 {
		c.JobsManager.BaselineEvery = 10
	}
	if c.JobsManager.BaselineDays <= 0 {
		c.JobsManager.BaselineDays = 7
	}
	if c.JobsManager.AnomalyFactor <= 0 {
		c.JobsManager.AnomalyFactor = 3
	}

	if c.Notifier.Workers <= 0 {
		c.Notifier.Workers = 1
	}
	if c.Notifier.QueueSize <= 0 {
		c.Notifier.QueueSize = 128
	}
	if c.Notifier.RatePerSec <= 0 {
		c.Notifier.RatePerSec = 1
	}
	setStr(&c.Notifier.DedupWindow, "10m")

	if c.Observability.Addr == "" {
		c.Observability.Addr = "127.0.0.1:9470"
	}
}

func setStr(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

// Validate reports the first invalid field. Call after ApplyDefaults.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	durations := map[string]string{
		"storage.busy_timeout":       c.Storage.BusyTimeout,
		"storage.redis.timeout":      c.Storage.Redis.Timeout,
		"monitor.interval":           c.Monitor.Interval,
		"monitor.window":             c.Monitor.Window,
		"breaker.reset_timeout":      c.Breaker.ResetTimeout,
		"resource_manager.interval":  c.ResourceManager.Interval,
		"resource_manager.min_dwell": c.ResourceManager.MinDwell,
		"scheduler.heavy_duration":   c.Scheduler.HeavyDuration,
		"scheduler.medium_duration":  c.Scheduler.MediumDuration,
		"scheduler.analysis_window":  c.Scheduler.AnalysisWindow,
		"execution.default_timeout":  c.Execution.DefaultTimeout,
		"execution.kill_grace":       c.Execution.KillGrace,
		"execution.backoff_base":     c.Execution.BackoffBase,
		"execution.backoff_max":      c.Execution.BackoffMax,
		"jobs_manager.tick":          c.JobsManager.Tick,
		"notifier.dedup_window":      c.Notifier.DedupWindow,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if Duration(c.Monitor.Interval) <= 0 {
		return errors.New("monitor.interval must be > 0")
	}
	if Duration(c.JobsManager.Tick) <= 0 {
		return errors.New("jobs_manager.tick must be > 0")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "file", "sqlite", "sqlite3", "redis":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if strings.EqualFold(c.Storage.Driver, "redis") && strings.TrimSpace(c.Storage.Redis.Addr) == "" {
		return errors.New("storage.redis.addr is required for redis driver")
	}

	for class, n := range c.Breaker.ClassThresholds {
		if _, err := model.ParseResourceClass(class); err != nil {
			return fmt.Errorf("breaker.class_thresholds: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("breaker.class_thresholds.%s must be > 0", class)
		}
	}
	if c.Balancer.CPUThreshold > 100 || c.Balancer.MemoryThreshold > 100 {
		return errors.New("balancer thresholds must be <= 100")
	}
	for name, sl := range c.Balancer.Slots {
		if sl.MaxConcurrent < 0 || sl.MaxMemoryMB < 0 || sl.MaxCPUPercent < 0 {
			return fmt.Errorf("balancer.slots.%s: limits must be >= 0", name)
		}
	}
	if c.ResourceManager.Smoothing < 0 || c.ResourceManager.Smoothing >= 1 {
		return errors.New("resource_manager.smoothing must be in [0,1)")
	}
	s := c.Scheduler
	if s.BusinessStart < 0 || s.BusinessStart > 23 || s.BusinessEnd < 0 || s.BusinessEnd > 24 || s.BusinessStart >= s.BusinessEnd {
		return fmt.Errorf("scheduler: invalid business hours %d-%d", s.BusinessStart, s.BusinessEnd)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if len(c.Jobs) > 0 && len(c.Execution.AllowedDirs) == 0 {
		return errors.New("execution.allowed_dirs is required when jobs are configured")
	}

	seen := map[string]bool{}
	for i, jc := range c.Jobs {
		j, err := jc.Definition()
		if err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if seen[j.Name] {
			return fmt.Errorf("jobs[%d]: duplicate job name %q", i, j.Name)
		}
		seen[j.Name] = true
	}
	return nil
}

// Definition converts the config form to a model.JobDefinition and validates it.
func (jc JobConfig) Definition() (model.JobDefinition, error) {
	class, err := model.ParseResourceClass(jc.Class)
	if err != nil {
		return model.JobDefinition{}, err
	}
	timeout, err := ParseDurationField("timeout", jc.Timeout)
	if err != nil {
		return model.JobDefinition{}, err
	}
	alertFail := true
	if jc.AlertOnFailure != nil {
		alertFail = *jc.AlertOnFailure
	}
	j := model.JobDefinition{
		Name:   strings.TrimSpace(jc.Name),
		Script: strings.TrimSpace(jc.Script),
		Args:   jc.Args,
		Class:  class,
		Schedule: model.Schedule{
			Spec:      strings.TrimSpace(jc.Schedule),
			Frequency: model.Frequency(strings.ToLower(strings.TrimSpace(jc.Frequency))),
			Offset:    intOr(jc.Offset, -1),
			Minute:    intOr(jc.Minute, -1),
			Hour:      jc.Hour,
			Weekday:   jc.Weekday,
		},
		BusinessHoursOnly: jc.BusinessHoursOnly,
		Priority:          jc.Priority,
		Timeout:           timeout,
		MemoryBudgetMB:    jc.MemoryBudgetMB,
		CPUBudget:         jc.CPUBudget,
		MaxConcurrency:    jc.MaxConcurrency,
		Retry:             model.RetryPolicy{MaxAttempts: jc.MaxAttempts},
		Enabled:           !jc.Disabled,
		AlertOnFailure:    alertFail,
		AlertOnSuccess:    jc.AlertOnSuccess,
		BypassBreaker:     jc.BypassBreaker,
		BypassBalancer:    jc.BypassBalancer,
	}
	if err := j.Validate(); err != nil {
		return model.JobDefinition{}, err
	}
	return j, nil
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
