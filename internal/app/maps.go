package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifygate/internal/channel"
	"notifygate/internal/config"
	"notifygate/internal/cost"
	"notifygate/internal/queue"
	"notifygate/internal/retention"
	"notifygate/internal/rules"
	"notifygate/internal/storage"
	tmpl "notifygate/internal/template"
	logx "notifygate/pkg/logx"

	"github.com/shopspring/decimal"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports enabled=false for an empty or "none" driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// buildChannels constructs the enabled transports. wrap decorates each one
// before registration (metrics); nil leaves them as built.
func buildChannels(cfg *config.Config, log logx.Logger, wrap func(channel.Channel) channel.Channel) (*channel.Registry, error) {
	reg := channel.NewRegistry()
	add := func(ch channel.Channel) {
		if wrap != nil {
			ch = wrap(ch)
		}
		reg.Register(ch.Name(), ch)
	}

	if e := cfg.Channels.Email; e != nil && e.Enabled {
		timeout, err := config.ParseDurationOrDefault("channels.email.timeout", e.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		price, err := optionalDecimal("channels.email.cost", e.Cost)
		if err != nil {
			return nil, err
		}
		ch, err := channel.NewEmail(channel.EmailConfig{
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     e.From,
			FromName: e.FromName,
			SSL:      e.SSL,
			Insecure: e.Insecure,
			Timeout:  timeout,
			Cost:     price,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("channels.email: %w", err)
		}
		add(ch)
	}

	if t := cfg.Channels.Telegram; t != nil && t.Enabled {
		timeout, err := config.ParseDurationOrDefault("channels.telegram.timeout", t.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		price, err := optionalDecimal("channels.telegram.cost", t.Cost)
		if err != nil {
			return nil, err
		}
		ch, err := channel.NewTelegram(channel.TelegramConfig{
			Token:     t.Token,
			ParseMode: t.ParseMode,
			APIURL:    t.APIURL,
			Timeout:   timeout,
			Cost:      price,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("channels.telegram: %w", err)
		}
		add(ch)
	}

	if c := cfg.Channels.Console; c != nil && c.Enabled {
		price, err := config.ParseDecimalField("channels.console.cost", c.Cost)
		if err != nil {
			return nil, err
		}
		add(channel.NewConsole("console", price, log))
	}

	return reg, nil
}

// optionalDecimal returns nil for an unset field so the channel keeps its
// default price. An explicit "0" is a free channel.
func optionalDecimal(path, raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := config.ParseDecimalField(path, raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func mapCostConfig(cfg *config.Config) (cost.Config, error) {
	m := cfg.Monetization
	out := cost.Config{
		Currency:             strings.TrimSpace(m.Currency),
		LongMessageThreshold: m.LongMessageThreshold,
	}
	if len(m.PriorityMultipliers) > 0 {
		// Start from the defaults so a partial map only overrides what it names.
		out.PriorityMultipliers = cost.DefaultConfig().PriorityMultipliers
		for k, v := range m.PriorityMultipliers {
			p, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil {
				return cost.Config{}, fmt.Errorf("monetization.priority_multipliers: key %q is not a priority", k)
			}
			d, err := config.ParseDecimalField("monetization.priority_multipliers."+k, v)
			if err != nil {
				return cost.Config{}, err
			}
			out.PriorityMultipliers[p] = d
		}
	}
	long, err := config.ParseDecimalField("monetization.long_message_multiplier", m.LongMessageMultiplier)
	if err != nil {
		return cost.Config{}, err
	}
	out.LongMessageMultiplier = long
	return out, nil
}

func mapRulesConfig(cfg *config.Config) (rules.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return rules.Config{}, err
	}
	return rules.Config{
		Location: loc,
		Global: rules.GlobalLimits{
			Enabled:    cfg.RateLimiting.EnableGlobalLimits,
			MaxPerDay:  cfg.RateLimiting.DefaultMaxPerDay,
			MaxPerHour: cfg.RateLimiting.DefaultMaxPerHour,
		},
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	q := cfg.Queue
	poll, err := config.ParseDurationField("queue.poll_interval", q.PollInterval)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Enabled:      q.Enabled,
		Driver:       q.Driver,
		Workers:      q.Workers,
		QueueSize:    q.QueueSize,
		RatePerSec:   q.RatePerSec,
		PollInterval: poll,
		BatchSize:    q.BatchSize,
		Redis: queue.RedisConfig{
			Addr:     q.Redis.Addr,
			Password: q.Redis.Password,
			DB:       q.Redis.DB,
			Key:      q.Redis.Key,
		},
	}, nil
}

func mapTemplateConfig(cfg *config.Config) (tmpl.Config, error) {
	ttl, err := config.ParseDurationField("templates.cache_ttl", cfg.Templates.CacheTTL)
	if err != nil {
		return tmpl.Config{}, err
	}
	return tmpl.Config{
		Dir:          strings.TrimSpace(cfg.Templates.Dir),
		Extension:    cfg.Templates.Extension,
		CacheEnabled: cfg.Templates.CacheEnabled,
		CacheTTL:     ttl,
	}, nil
}

func mapRetentionConfig(cfg *config.Config) (retention.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return retention.Config{}, err
	}
	return retention.Config{
		Days:     cfg.Retention.Days,
		Schedule: cfg.Retention.Schedule,
		Location: loc,
	}, nil
}
