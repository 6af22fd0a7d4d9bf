package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "4m").
// Omitted or zero values fall back to the defaults documented per section.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Limiter      LimiterConfig      `json:"limiter"`
	Sticky       StickyConfig       `json:"sticky,omitempty"`
	Executor     ExecutorConfig     `json:"executor"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Debug        DebugConfig        `json:"debug,omitempty"`
	Schedule     ScheduleConfig     `json:"schedule,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Progress LoggingProgress `json:"progress,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingProgress controls the progress observer sink (log lines forwarded
// to the lifecycle event bus).
type LoggingProgress struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// OrchestratorConfig holds the per-run session options.
//
// Defaults:
//   - max_concurrent: 3
//   - auth_timeout: "5m"
//   - max_attempts: 3 (negative means unbounded)
//   - pause_on_ban_wave: true
//   - ban_wave_cooldown: "30m" ("0s" waits for a manual resume)
type OrchestratorConfig struct {
	MaxConcurrent   int    `json:"max_concurrent,omitempty"`
	AuthTimeout     string `json:"auth_timeout,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	PauseOnBanWave  *bool  `json:"pause_on_ban_wave,omitempty"`
	BanWaveCooldown string `json:"ban_wave_cooldown,omitempty"`
}

// LimiterConfig is the activity policy. Hot-reloadable.
//
// Delay ranges that are omitted keep the production defaults; set both ends
// to "0s" to disable a delay.
type LimiterConfig struct {
	DailyPostCap     int    `json:"daily_post_cap,omitempty"`
	DailyActionCap   int    `json:"daily_action_cap,omitempty"`
	WarmingDays      int    `json:"warming_days,omitempty"`
	WarmingActionCap int    `json:"warming_action_cap,omitempty"`
	BanWindow        string `json:"ban_window,omitempty"`
	BanThreshold     int    `json:"ban_threshold,omitempty"`

	ActionDelay   *DelayRange `json:"action_delay,omitempty"`
	StartupDelay  *DelayRange `json:"startup_delay,omitempty"`
	AuthPollDelay *DelayRange `json:"auth_poll_delay,omitempty"`
}

type DelayRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

type StickyConfig struct {
	// TTL of a proxy session binding. Default "60m".
	TTL string `json:"ttl,omitempty"`
}

// ExecutorConfig selects the action executor.
//
// Driver values:
//   - "dryrun" (default): log-only executor, always authenticated
//   - "webhook": HTTP collaborator, see WebhookConfig
type ExecutorConfig struct {
	Driver  string         `json:"driver"`
	Latency string         `json:"latency,omitempty"` // dryrun only
	Webhook *WebhookConfig `json:"webhook,omitempty"`
}

type WebhookConfig struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token,omitempty"` // do not log
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the account store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postrunner.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the optional /healthz, /metrics and pprof server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// ScheduleConfig controls recurring runs (`run --schedule`).
type ScheduleConfig struct {
	// Spec is a cron expression, descriptor, duration or HH:MM.
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// Posts is the posts file used by scheduled runs.
	Posts string `json:"posts,omitempty"`
}
