package config

import (
	"reflect"
	"strings"

	logx "notifygate/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or passwords), and (3) the names of seed rules that were added or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if strings.TrimSpace(oldCfg.DefaultChannel) != strings.TrimSpace(newCfg.DefaultChannel) ||
		strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "general")
		attrs = append(attrs,
			logx.String("default_channel", strings.TrimSpace(newCfg.DefaultChannel)),
			logx.String("timezone", strings.TrimSpace(newCfg.Timezone)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	// Channels: compare the full structs but only report presence of secrets.
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		if e := newCfg.Channels.Email; e != nil {
			attrs = append(attrs,
				logx.Bool("channels.email.enabled", e.Enabled),
				logx.String("channels.email.host", e.Host),
				logx.Bool("channels.email.password_set", strings.TrimSpace(e.Password) != ""),
			)
		}
		if t := newCfg.Channels.Telegram; t != nil {
			attrs = append(attrs,
				logx.Bool("channels.telegram.enabled", t.Enabled),
				logx.Bool("channels.telegram.token_set", strings.TrimSpace(t.Token) != ""),
			)
		}
		if c := newCfg.Channels.Console; c != nil {
			attrs = append(attrs, logx.Bool("channels.console.enabled", c.Enabled))
		}
	}

	if !reflect.DeepEqual(oldCfg.Monetization, newCfg.Monetization) {
		changed = append(changed, "monetization")
		attrs = append(attrs, logx.String("monetization.currency", newCfg.Monetization.Currency))
	}

	if oldCfg.RateLimiting != newCfg.RateLimiting {
		changed = append(changed, "rate_limiting")
		attrs = append(attrs,
			logx.Bool("rate_limiting.global", newCfg.RateLimiting.EnableGlobalLimits),
			logx.Int("rate_limiting.max_per_day", newCfg.RateLimiting.DefaultMaxPerDay),
			logx.Int("rate_limiting.max_per_hour", newCfg.RateLimiting.DefaultMaxPerHour),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.enabled", newCfg.Queue.Enabled),
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Bool("queue.redis_password_set", newCfg.Queue.Redis.Password != ""),
		)
	}

	if oldCfg.Templates != newCfg.Templates {
		changed = append(changed, "templates")
		attrs = append(attrs,
			logx.String("templates.dir", newCfg.Templates.Dir),
			logx.Bool("templates.cache_enabled", newCfg.Templates.CacheEnabled),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.Int("retention.days", newCfg.Retention.Days),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.Bool("dispatch.serialize_per_recipient", newCfg.Dispatch.SerializePerRecipient))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	var rulesChanged []string
	oldRules := make(map[string]int, len(oldCfg.Rules))
	for i, r := range oldCfg.Rules {
		oldRules[r.Name] = i
	}
	for _, r := range newCfg.Rules {
		i, ok := oldRules[r.Name]
		if !ok || !reflect.DeepEqual(oldCfg.Rules[i], r) {
			rulesChanged = append(rulesChanged, r.Name)
		}
	}
	if len(rulesChanged) > 0 || len(oldCfg.Rules) != len(newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs, logx.Int("rules.count", len(newCfg.Rules)))
	}

	return changed, attrs, rulesChanged
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "logging", "templates", "rules":
		default:
			out = append(out, s)
		}
	}
	return out
}
