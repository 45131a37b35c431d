package notification

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the outcome recorded for a send attempt.
type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusFailed, StatusBlocked, StatusError:
		return true
	default:
		return false
	}
}

// LogEntry is the append-only audit record of one attempt.
type LogEntry struct {
	ID             int64          `json:"id,omitempty"`
	NotificationID string         `json:"notification_id"`
	Channel        string         `json:"channel"`
	Recipient      string         `json:"recipient"`
	Message        string         `json:"message"`
	Status         Status         `json:"status"`
	Response       string         `json:"response,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SentAt         time.Time      `json:"sent_at"`
}

// UsageRecord is the append-only billing record of one attempt.
type UsageRecord struct {
	ID             int64           `json:"id,omitempty"`
	NotificationID string          `json:"notification_id"`
	Channel        string          `json:"channel"`
	Cost           decimal.Decimal `json:"cost"`
	UsedAt         time.Time       `json:"used_at"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// NewLogEntry snapshots n into a LogEntry stamped at now.
func NewLogEntry(n Notification, status Status, response string, now time.Time) LogEntry {
	return LogEntry{
		NotificationID: n.ID(),
		Channel:        n.Channel(),
		Recipient:      n.Recipient(),
		Message:        n.Message(),
		Status:         status,
		Response:       response,
		Metadata:       n.Metadata(),
		SentAt:         now,
	}
}
