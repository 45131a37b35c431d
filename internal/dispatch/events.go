package dispatch

import (
	"time"

	"notifygate/internal/notification"

	"github.com/shopspring/decimal"
)

// EventCompleted is published once per Send with a Result payload.
const EventCompleted = "dispatch.completed"

// Result summarizes one Send for observers.
type Result struct {
	ID        string              `json:"id"`
	Channel   string              `json:"channel"`
	Recipient string              `json:"recipient"`
	Status    notification.Status `json:"status"`
	Response  string              `json:"response,omitempty"`
	Rule      string              `json:"rule,omitempty"`
	Cost      decimal.Decimal     `json:"cost"`
	Duration  time.Duration       `json:"duration"`
}
