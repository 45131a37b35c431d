package config

import (
	"notifygate/internal/notification"
)

type Config struct {
	// DefaultChannel is used when a notification names no channel.
	DefaultChannel string `json:"default_channel"`
	// Timezone defines "today" and the weekday/hour windows. Empty means local time.
	Timezone string `json:"timezone"`

	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Channels     ChannelsConfig     `json:"channels"`
	Monetization MonetizationConfig `json:"monetization"`
	RateLimiting RateLimitingConfig `json:"rate_limiting"`
	Queue        QueueConfig        `json:"queue"`
	Templates    TemplatesConfig    `json:"templates"`
	Retention    RetentionConfig    `json:"retention"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Metrics      MetricsConfig      `json:"metrics"`

	// Rules are created at startup; names that already exist are kept as stored.
	Rules []notification.Rule `json:"rules,omitempty"`
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

type StorageConfig struct {
	// Driver is one of memory, file, sqlite. Empty or "none" disables storage.
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type ChannelsConfig struct {
	Email    *EmailChannel    `json:"email,omitempty"`
	Telegram *TelegramChannel `json:"telegram,omitempty"`
	Console  *ConsoleChannel  `json:"console,omitempty"`
}

type EmailChannel struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
	SSL      bool   `json:"ssl"`
	Insecure bool   `json:"insecure"`
	Timeout  string `json:"timeout"`
	// Cost is a decimal string, e.g. "0.005". Empty uses the channel default.
	Cost string `json:"cost"`
}

type TelegramChannel struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ParseMode string `json:"parse_mode"`
	APIURL    string `json:"api_url"`
	Timeout   string `json:"timeout"`
	Cost      string `json:"cost"`
}

type ConsoleChannel struct {
	Enabled bool   `json:"enabled"`
	Cost    string `json:"cost"`
}

type MonetizationConfig struct {
	Currency string `json:"currency"`
	// PriorityMultipliers maps "1", "2", "3" to decimal strings.
	PriorityMultipliers   map[string]string `json:"priority_multipliers,omitempty"`
	LongMessageThreshold  int               `json:"long_message_threshold"`
	LongMessageMultiplier string            `json:"long_message_multiplier"`
}

type RateLimitingConfig struct {
	EnableGlobalLimits bool `json:"enable_global_limits"`
	DefaultMaxPerDay   int  `json:"default_max_per_day"`
	DefaultMaxPerHour  int  `json:"default_max_per_hour"`
}

type QueueConfig struct {
	Enabled      bool        `json:"enabled"`
	Driver       string      `json:"driver"`
	Workers      int         `json:"workers"`
	QueueSize    int         `json:"queue_size"`
	RatePerSec   int         `json:"rate_per_sec"`
	PollInterval string      `json:"poll_interval"`
	BatchSize    int         `json:"batch_size"`
	Redis        RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

type TemplatesConfig struct {
	Dir          string `json:"dir"`
	Extension    string `json:"extension"`
	CacheEnabled bool   `json:"cache_enabled"`
	CacheTTL     string `json:"cache_ttl"`
}

type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Days     int    `json:"days"`
	Schedule string `json:"schedule"`
}

type DispatchConfig struct {
	// SerializePerRecipient holds a per (channel, recipient) lock across
	// admission and audit so concurrent sends cannot overshoot a cap.
	SerializePerRecipient bool `json:"serialize_per_recipient"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}
