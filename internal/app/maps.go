package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postrunner/internal/config"
	"postrunner/internal/executor"
	"postrunner/internal/limiter"
	"postrunner/internal/observability/debug"
	"postrunner/internal/orchestrator"
	"postrunner/internal/sticky"
	"postrunner/internal/storage"
	"postrunner/internal/trigger"
	logx "postrunner/pkg/logx"
)

func mapLogConfig(cfg *config.Config, observer func(logx.Entry)) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if cfg.Logging.Progress.Enabled {
		lc.Observer = logx.ObserverConfig{
			Func:       observer,
			MinLevel:   cfg.Logging.Progress.MinLevel,
			RatePerSec: cfg.Logging.Progress.RatePerSec,
		}
	}
	return lc
}

func mapOptions(cfg *config.Config) (orchestrator.Options, error) {
	opts := orchestrator.DefaultOptions()
	oc := cfg.Orchestrator

	if oc.MaxConcurrent < 0 {
		return opts, fmt.Errorf("orchestrator.max_concurrent must be >= 0")
	}
	if oc.MaxConcurrent > 0 {
		opts.MaxConcurrent = oc.MaxConcurrent
	}
	if oc.MaxAttempts != 0 {
		opts.MaxAttempts = oc.MaxAttempts
	}
	if oc.PauseOnBanWave != nil {
		opts.PauseOnBanWave = *oc.PauseOnBanWave
	}
	var err error
	if opts.AuthTimeout, err = config.ParseDurationOrDefault("orchestrator.auth_timeout", oc.AuthTimeout, opts.AuthTimeout); err != nil {
		return opts, err
	}
	if strings.TrimSpace(oc.BanWaveCooldown) != "" {
		if opts.BanWaveCooldown, err = config.ParseDurationField("orchestrator.ban_wave_cooldown", oc.BanWaveCooldown); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func mapPolicy(cfg *config.Config) (limiter.Policy, error) {
	p := limiter.DefaultPolicy()
	lc := cfg.Limiter

	for name, v := range map[string]int{
		"daily_post_cap":     lc.DailyPostCap,
		"daily_action_cap":   lc.DailyActionCap,
		"warming_days":       lc.WarmingDays,
		"warming_action_cap": lc.WarmingActionCap,
		"ban_threshold":      lc.BanThreshold,
	} {
		if v < 0 {
			return p, fmt.Errorf("limiter.%s must be >= 0", name)
		}
	}
	if lc.DailyPostCap > 0 {
		p.DailyPostCap = lc.DailyPostCap
	}
	if lc.DailyActionCap > 0 {
		p.DailyActionCap = lc.DailyActionCap
	}
	if lc.WarmingActionCap > 0 {
		p.WarmingActionCap = lc.WarmingActionCap
	}
	if lc.BanThreshold > 0 {
		p.BanThreshold = lc.BanThreshold
	}
	p.WarmingDays = lc.WarmingDays

	var err error
	if p.BanWindow, err = config.ParseDurationOrDefault("limiter.ban_window", lc.BanWindow, p.BanWindow); err != nil {
		return p, err
	}
	if p.ActionDelay, err = mapRange("limiter.action_delay", lc.ActionDelay, p.ActionDelay); err != nil {
		return p, err
	}
	if p.StartupDelay, err = mapRange("limiter.startup_delay", lc.StartupDelay, p.StartupDelay); err != nil {
		return p, err
	}
	if p.AuthPollDelay, err = mapRange("limiter.auth_poll_delay", lc.AuthPollDelay, p.AuthPollDelay); err != nil {
		return p, err
	}
	return p, nil
}

func mapRange(path string, r *config.DelayRange, def limiter.Range) (limiter.Range, error) {
	if r == nil {
		return def, nil
	}
	lo, err := config.ParseDurationField(path+".min", r.Min)
	if err != nil {
		return def, err
	}
	hi, err := config.ParseDurationField(path+".max", r.Max)
	if err != nil {
		return def, err
	}
	if hi < lo {
		return def, fmt.Errorf("%s: max must be >= min", path)
	}
	return limiter.Range{Min: lo, Max: hi}, nil
}

func mapStickyTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("sticky.ttl", cfg.Sticky.TTL, sticky.DefaultTTL)
}

func mapExecutor(cfg *config.Config, log logx.Logger) (executor.Factory, error) {
	ec := cfg.Executor
	switch d := strings.ToLower(strings.TrimSpace(ec.Driver)); d {
	case "", "dryrun", "dry-run":
		latency, err := config.ParseDurationField("executor.latency", ec.Latency)
		if err != nil {
			return nil, err
		}
		return executor.NewDryRunFactory(latency, log), nil
	case "webhook":
		if ec.Webhook == nil {
			return nil, fmt.Errorf("executor.webhook is required when executor.driver=webhook")
		}
		if ec.Webhook.RatePerSec < 0 {
			return nil, fmt.Errorf("executor.webhook.rate_per_sec must be >= 0")
		}
		timeout, err := config.ParseDurationField("executor.webhook.timeout", ec.Webhook.Timeout)
		if err != nil {
			return nil, err
		}
		return executor.NewWebhookFactory(executor.WebhookConfig{
			BaseURL:    ec.Webhook.BaseURL,
			Token:      ec.Webhook.Token,
			Timeout:    timeout,
			RatePerSec: float64(ec.Webhook.RatePerSec),
		}, nil)
	default:
		return nil, fmt.Errorf("unknown executor.driver: %s", ec.Driver)
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// validateConfig rejects a config (initial or hot reload) that any mapper
// would refuse.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapOptions(cfg); err != nil {
		return err
	}
	if _, err := mapPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapStickyTTL(cfg); err != nil {
		return err
	}
	if _, err := mapExecutor(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Schedule.Spec); spec != "" {
		if _, err := trigger.New(spec, cfg.Schedule.Timezone, func(context.Context) error { return nil }, logx.Nop()); err != nil {
			return err
		}
	}
	return nil
}
