package config

// Config is the on-disk daemon configuration. YAML files are coerced to JSON
// and decoded strictly, so every key must map to a field below.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging         LoggingConfig         `json:"logging"`
	Storage         StorageConfig         `json:"storage"`
	Locks           LocksConfig           `json:"locks"`
	Monitor         MonitorConfig         `json:"monitor"`
	Breaker         BreakerConfig         `json:"breaker"`
	Balancer        BalancerConfig        `json:"balancer"`
	ResourceManager ResourceManagerConfig `json:"resource_manager"`
	Scheduler       SchedulerConfig       `json:"scheduler"`
	Execution       ExecutionConfig       `json:"execution"`
	JobsManager     JobsManagerConfig     `json:"jobs_manager"`
	Notifier        NotifierConfig        `json:"notifier"`
	Observability   ObservabilityConfig   `json:"observability"`

	// Jobs are upserted into the job store at startup and on reload.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the state/history backend.
//
// Example:
//
//	storage: { driver: sqlite, path: /var/lib/jobwarden/state.db }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type LocksConfig struct {
	Dir string `json:"dir"`
}

type MonitorConfig struct {
	Interval string `json:"interval,omitempty"` // default 5s
	Window   string `json:"window,omitempty"`   // default 5m
}

type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold,omitempty"`
	// ClassThresholds overrides FailureThreshold per resource class.
	ClassThresholds map[string]int `json:"class_thresholds,omitempty"`
	ResetTimeout    string         `json:"reset_timeout,omitempty"`
	HalfOpenProbes  int            `json:"half_open_probes,omitempty"`
}

type SlotConfig struct {
	MaxConcurrent int     `json:"max_concurrent"`
	MaxMemoryMB   float64 `json:"max_memory_mb"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`
}

type BalancerConfig struct {
	CPUThreshold    float64               `json:"cpu_threshold,omitempty"`
	MemoryThreshold float64               `json:"memory_threshold,omitempty"`
	Slots           map[string]SlotConfig `json:"slots,omitempty"`
}

// ResourceManagerConfig controls the adaptive slot tuner.
//
// Smoothing is the EMA weight of the previous pressure score (0 disables).
// MinDwell keeps a tier for at least this long before a relaxing change.
type ResourceManagerConfig struct {
	Enabled   *bool   `json:"enabled,omitempty"`
	Interval  string  `json:"interval,omitempty"`
	Smoothing float64 `json:"smoothing,omitempty"`
	MinDwell  string  `json:"min_dwell,omitempty"`
}

type SchedulerConfig struct {
	BusinessStart int    `json:"business_start,omitempty"` // hour, default 8
	BusinessEnd   int    `json:"business_end,omitempty"`   // hour, default 23
	Timezone      string `json:"timezone,omitempty"`

	HeavyDuration  string  `json:"heavy_duration,omitempty"`
	HeavyMemoryMB  float64 `json:"heavy_memory_mb,omitempty"`
	MediumDuration string  `json:"medium_duration,omitempty"`
	MediumMemoryMB float64 `json:"medium_memory_mb,omitempty"`
	AnalysisWindow string  `json:"analysis_window,omitempty"`

	MaxHeavyPerMinute int `json:"max_heavy_per_minute,omitempty"`
}

type ExecutionConfig struct {
	AllowedDirs []string `json:"allowed_dirs"`
	// Interpreters maps a file extension (".sh", ".py") to an interpreter binary.
	Interpreters   map[string]string `json:"interpreters,omitempty"`
	DefaultTimeout string            `json:"default_timeout,omitempty"`
	KillGrace      string            `json:"kill_grace,omitempty"`
	OutputLimit    int               `json:"output_limit,omitempty"`
	BackoffBase    string            `json:"backoff_base,omitempty"`
	BackoffMax     string            `json:"backoff_max,omitempty"`
}

type JobsManagerConfig struct {
	Tick          string  `json:"tick,omitempty"`
	BaselineEvery int     `json:"baseline_every,omitempty"`
	BaselineDays  int     `json:"baseline_days,omitempty"`
	AnomalyFactor float64 `json:"anomaly_factor,omitempty"`
}

// NotifierConfig controls alert delivery. Alerts are always logged; the
// Telegram sink is added when a token and chat are set.
type NotifierConfig struct {
	Enabled     *bool          `json:"enabled,omitempty"`
	Workers     int            `json:"workers,omitempty"`
	QueueSize   int            `json:"queue_size,omitempty"`
	RatePerSec  float64        `json:"rate_per_sec,omitempty"`
	DedupWindow string         `json:"dedup_window,omitempty"`
	Telegram    TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"` // do not log
	ChatID int64  `json:"chat_id,omitempty"`
}

// ObservabilityConfig serves /metrics, /healthz and optionally /debug/pprof/.
type ObservabilityConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:9470
	Pprof   bool   `json:"pprof,omitempty"`
}

// JobConfig is the config-file form of a job definition.
//
// Minute and Offset are pointers so an omitted value means "auto" (-1).
type JobConfig struct {
	Name              string   `json:"name"`
	Script            string   `json:"script"`
	Args              []string `json:"args,omitempty"`
	Class             string   `json:"class,omitempty"`
	Schedule          string   `json:"schedule,omitempty"`
	Frequency         string   `json:"frequency,omitempty"`
	Offset            *int     `json:"offset,omitempty"`
	Minute            *int     `json:"minute,omitempty"`
	Hour              int      `json:"hour,omitempty"`
	Weekday           int      `json:"weekday,omitempty"`
	BusinessHoursOnly bool     `json:"business_hours_only,omitempty"`
	Priority          int      `json:"priority,omitempty"`
	Timeout           string   `json:"timeout,omitempty"`
	MemoryBudgetMB    float64  `json:"memory_budget_mb,omitempty"`
	CPUBudget         float64  `json:"cpu_budget,omitempty"`
	MaxConcurrency    int      `json:"max_concurrency,omitempty"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	Disabled          bool     `json:"disabled,omitempty"`
	AlertOnFailure    *bool    `json:"alert_on_failure,omitempty"`
	AlertOnSuccess    bool     `json:"alert_on_success,omitempty"`
	BypassBreaker     bool     `json:"bypass_breaker,omitempty"`
	BypassBalancer    bool     `json:"bypass_balancer,omitempty"`
}
