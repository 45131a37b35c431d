package storage

import (
	"context"
	"errors"
	"time"

	"notifygate/internal/notification"

	"github.com/shopspring/decimal"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrStoreClosed   = errors.New("store closed")
	ErrDuplicateRule = errors.New("rule name already exists")
)

// Config configures storage.
//
// Driver values:
//   - "memory": no persistence
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LogQuery selects delivery log rows. Empty strings and zero times do not
// filter. Since is inclusive, Until exclusive.
type LogQuery struct {
	Channel   string
	Recipient string
	Status    notification.Status
	Since     time.Time
	Until     time.Time
}

func (q LogQuery) match(e notification.LogEntry) bool {
	if q.Channel != "" && e.Channel != q.Channel {
		return false
	}
	if q.Recipient != "" && e.Recipient != q.Recipient {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	return inWindow(e.SentAt, q.Since, q.Until)
}

// UsageQuery selects usage rows, with the same conventions as LogQuery.
type UsageQuery struct {
	Channel string
	Since   time.Time
	Until   time.Time
}

func (q UsageQuery) match(u notification.UsageRecord) bool {
	if q.Channel != "" && u.Channel != q.Channel {
		return false
	}
	return inWindow(u.UsedAt, q.Since, q.Until)
}

// UsageSummary aggregates usage rows.
type UsageSummary struct {
	Count int64
	Total decimal.Decimal
}

func inWindow(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && !t.Before(until) {
		return false
	}
	return true
}

// RuleStore holds admission rules.
type RuleStore interface {
	// ActiveRules returns active rules for channel in registration order.
	ActiveRules(ctx context.Context, channel string) ([]notification.Rule, error)
	CreateRule(ctx context.Context, r notification.Rule) (int64, error)
	ListRules(ctx context.Context) ([]notification.Rule, error)
}

// LogStore is the append-only delivery log.
type LogStore interface {
	AppendLog(ctx context.Context, e notification.LogEntry) error
	CountLogs(ctx context.Context, q LogQuery) (int, error)
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

// UsageStore is the append-only billing ledger.
type UsageStore interface {
	AppendUsage(ctx context.Context, u notification.UsageRecord) error
	SumUsage(ctx context.Context, q UsageQuery) (UsageSummary, error)
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence API used by the dispatcher and jobs.
type Store interface {
	RuleStore
	LogStore
	UsageStore
	Close() error
}
