package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postrunner/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (webhook token, debug token,
// postgres dsn) are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.progress_enabled", newCfg.Logging.Progress.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Orchestrator, newCfg.Orchestrator) {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.Int("orchestrator.max_concurrent", newCfg.Orchestrator.MaxConcurrent),
			logx.Int("orchestrator.max_attempts", newCfg.Orchestrator.MaxAttempts),
			logx.String("orchestrator.auth_timeout", strings.TrimSpace(newCfg.Orchestrator.AuthTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Limiter, newCfg.Limiter) {
		changed = append(changed, "limiter")
		attrs = append(attrs,
			logx.Int("limiter.daily_post_cap", newCfg.Limiter.DailyPostCap),
			logx.Int("limiter.daily_action_cap", newCfg.Limiter.DailyActionCap),
			logx.Int("limiter.warming_days", newCfg.Limiter.WarmingDays),
			logx.Int("limiter.ban_threshold", newCfg.Limiter.BanThreshold),
		)
	}

	if strings.TrimSpace(oldCfg.Sticky.TTL) != strings.TrimSpace(newCfg.Sticky.TTL) {
		changed = append(changed, "sticky")
		attrs = append(attrs, logx.String("sticky.ttl", strings.TrimSpace(newCfg.Sticky.TTL)))
	}

	oW, nW := derefWebhook(oldCfg.Executor.Webhook), derefWebhook(newCfg.Executor.Webhook)
	if strings.TrimSpace(oldCfg.Executor.Driver) != strings.TrimSpace(newCfg.Executor.Driver) ||
		strings.TrimSpace(oldCfg.Executor.Latency) != strings.TrimSpace(newCfg.Executor.Latency) ||
		!reflect.DeepEqual(oW, nW) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.driver", strings.TrimSpace(newCfg.Executor.Driver)),
			logx.String("executor.webhook.base_url", strings.TrimSpace(nW.BaseURL)),
			logx.Bool("executor.webhook.token_set", strings.TrimSpace(nW.Token) != ""),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.DSN) != strings.TrimSpace(nS.DSN) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.spec", strings.TrimSpace(newCfg.Schedule.Spec)),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefWebhook(w *WebhookConfig) WebhookConfig {
	if w == nil {
		return WebhookConfig{}
	}
	return *w
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
