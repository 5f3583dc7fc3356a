package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobwarden/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections, safe log
// fields describing them (never secrets), and the names of jobs whose
// definition changed, was added, or was removed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if redactStorage(oldCfg.Storage) != redactStorage(newCfg.Storage) {
		// Storage is opened once; a change needs a restart.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver), logx.Bool("storage.restart_required", true))
	}
	if !reflect.DeepEqual(oldCfg.Breaker, newCfg.Breaker) {
		changed = append(changed, "breaker")
		attrs = append(attrs,
			logx.Int("breaker.failure_threshold", newCfg.Breaker.FailureThreshold),
			logx.String("breaker.reset_timeout", newCfg.Breaker.ResetTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Balancer, newCfg.Balancer) {
		changed = append(changed, "balancer")
		attrs = append(attrs,
			logx.Float64("balancer.cpu_threshold", newCfg.Balancer.CPUThreshold),
			logx.Float64("balancer.memory_threshold", newCfg.Balancer.MemoryThreshold),
		)
	}
	simple := []struct {
		name     string
		old, new any
	}{
		{"locks", oldCfg.Locks, newCfg.Locks},
		{"monitor", oldCfg.Monitor, newCfg.Monitor},
		{"resource_manager", oldCfg.ResourceManager, newCfg.ResourceManager},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"execution", oldCfg.Execution, newCfg.Execution},
		{"jobs_manager", oldCfg.JobsManager, newCfg.JobsManager},
		{"observability", oldCfg.Observability, newCfg.Observability},
	}
	for _, s := range simple {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}
	if oldCfg.Notifier.Telegram.ChatID != newCfg.Notifier.Telegram.ChatID ||
		(oldCfg.Notifier.Telegram.Token != "") != (newCfg.Notifier.Telegram.Token != "") ||
		oldCfg.Notifier.RatePerSec != newCfg.Notifier.RatePerSec ||
		oldCfg.Notifier.DedupWindow != newCfg.Notifier.DedupWindow {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Bool("notifier.telegram_set", newCfg.Notifier.Telegram.Token != ""))
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.changed", len(jobs)), logx.String("jobs.names", strings.Join(jobs, ",")))
	}
	return changed, attrs, jobs
}

func redactStorage(s StorageConfig) string {
	return strings.Join([]string{s.Driver, s.Path, s.BusyTimeout, s.Redis.Addr, s.Redis.Prefix}, "|")
}

func diffJobs(oldJ, newJ []JobConfig) []string {
	oldM := make(map[string]JobConfig, len(oldJ))
	for _, j := range oldJ {
		oldM[j.Name] = j
	}
	newM := make(map[string]JobConfig, len(newJ))
	for _, j := range newJ {
		newM[j.Name] = j
	}
	var out []string
	for name, nj := range newM {
		if oj, ok := oldM[name]; !ok || !reflect.DeepEqual(oj, nj) {
			out = append(out, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
