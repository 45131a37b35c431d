package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Validate rejects configs that would fail at wiring time. Watch runs it
// before a reloaded file is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := cfg.Location(); err != nil {
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "memory", "mem", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if e := cfg.Channels.Email; e != nil {
		if e.Enabled && strings.TrimSpace(e.From) == "" {
			add(errors.New("channels.email.from is required"))
		}
		if e.Port < 0 || e.Port > 65535 {
			add(fmt.Errorf("channels.email.port: %d out of range", e.Port))
		}
		_, err := ParseDurationField("channels.email.timeout", e.Timeout)
		add(err)
		_, err = ParseDecimalField("channels.email.cost", e.Cost)
		add(err)
	}
	if t := cfg.Channels.Telegram; t != nil {
		if t.Enabled && strings.TrimSpace(t.Token) == "" {
			add(errors.New("channels.telegram.token is required"))
		}
		_, err := ParseDurationField("channels.telegram.timeout", t.Timeout)
		add(err)
		_, err = ParseDecimalField("channels.telegram.cost", t.Cost)
		add(err)
	}
	if c := cfg.Channels.Console; c != nil {
		_, err := ParseDecimalField("channels.console.cost", c.Cost)
		add(err)
	}

	for k, v := range cfg.Monetization.PriorityMultipliers {
		if _, err := strconv.Atoi(strings.TrimSpace(k)); err != nil {
			add(fmt.Errorf("monetization.priority_multipliers: key %q is not a priority", k))
		}
		_, err := ParseDecimalField("monetization.priority_multipliers."+k, v)
		add(err)
	}
	if cfg.Monetization.LongMessageThreshold < 0 {
		add(errors.New("monetization.long_message_threshold must be >= 0"))
	}
	_, err = ParseDecimalField("monetization.long_message_multiplier", cfg.Monetization.LongMessageMultiplier)
	add(err)

	if cfg.RateLimiting.DefaultMaxPerDay < 0 || cfg.RateLimiting.DefaultMaxPerHour < 0 {
		add(errors.New("rate_limiting caps must be >= 0"))
	}

	q := cfg.Queue
	switch strings.ToLower(strings.TrimSpace(q.Driver)) {
	case "", "memory", "mem":
	case "redis":
		if q.Enabled && strings.TrimSpace(q.Redis.Addr) == "" {
			add(errors.New("queue.redis.addr is required when queue.driver=redis"))
		}
	default:
		add(fmt.Errorf("unknown queue.driver: %s", q.Driver))
	}
	if q.Workers < 0 || q.QueueSize < 0 || q.RatePerSec < 0 || q.BatchSize < 0 {
		add(errors.New("queue sizes and rates must be >= 0"))
	}
	_, err = ParseDurationField("queue.poll_interval", q.PollInterval)
	add(err)

	_, err = ParseDurationField("templates.cache_ttl", cfg.Templates.CacheTTL)
	add(err)

	if cfg.Retention.Days < 0 {
		add(errors.New("retention.days must be >= 0"))
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		add(errors.New("metrics.addr is required when metrics.enabled"))
	}

	seen := make(map[string]struct{}, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if err := r.Validate(); err != nil {
			add(fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		if _, dup := seen[r.Name]; dup {
			add(fmt.Errorf("rules[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = struct{}{}
	}

	return errors.Join(errs...)
}

// Location resolves Timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// ParseDecimalField parses a money or multiplier value. Empty yields zero.
func ParseDecimalField(path, raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", path, raw, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s: must be >= 0", path)
	}
	return d, nil
}
