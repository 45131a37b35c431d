// Package queue runs delayed and asynchronous sends. Both backends feed the
// same rate-limited worker pool; Redis adds durability for scheduled items.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifygate/internal/eventbus"
	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"
)

var (
	ErrQueueDisabled = errors.New("queue disabled")
	ErrQueueFull     = errors.New("queue full")
	ErrStopped       = errors.New("queue stopped")
)

// Event types published on the bus.
const (
	EventEnqueued = "queue.enqueued"
	EventDropped  = "queue.dropped"
	EventHandled  = "queue.handled"
)

// Event is the payload of queue events.
type Event struct {
	ID      string        `json:"id"`
	Channel string        `json:"channel"`
	Delay   time.Duration `json:"delay,omitempty"`
	OK      bool          `json:"ok,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Handler processes one due notification and reports delivery success.
type Handler func(ctx context.Context, n notification.Notification) bool

type Queue interface {
	Enabled() bool
	Dispatch(ctx context.Context, n notification.Notification, delay time.Duration) error
	DispatchAt(ctx context.Context, n notification.Notification, when time.Time) error
	Start(ctx context.Context, h Handler) error
	Stop(ctx context.Context) error
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

type Config struct {
	Enabled bool
	// Driver is "memory" (default) or "redis".
	Driver     string
	Workers    int
	QueueSize  int
	RatePerSec int
	// PollInterval and BatchSize drive the redis poller.
	PollInterval time.Duration
	BatchSize    int
	Redis        RedisConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if strings.TrimSpace(c.Redis.Key) == "" {
		c.Redis.Key = "notifygate:queue:delayed"
	}
	return c
}

// Open builds the configured backend. A disabled config yields Disabled.
func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (Queue, error) {
	if !cfg.Enabled {
		return Disabled{}, nil
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory", "mem":
		return NewMemory(cfg, log, bus), nil
	case "redis":
		return OpenRedis(cfg, log, bus)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// Disabled rejects every dispatch with ErrQueueDisabled.
type Disabled struct{}

func (Disabled) Enabled() bool { return false }
func (Disabled) Dispatch(context.Context, notification.Notification, time.Duration) error {
	return ErrQueueDisabled
}
func (Disabled) DispatchAt(context.Context, notification.Notification, time.Time) error {
	return ErrQueueDisabled
}
func (Disabled) Start(context.Context, Handler) error { return nil }
func (Disabled) Stop(context.Context) error           { return nil }

// delayUntil converts an absolute time into a non-negative delay.
func delayUntil(when time.Time, now time.Time) time.Duration {
	return max(when.Sub(now), 0)
}
