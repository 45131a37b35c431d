// Package cost prices a send attempt.
package cost

import (
	"unicode/utf8"

	"notifygate/internal/notification"

	"github.com/shopspring/decimal"
)

// Currency is reported in usage metadata when none is configured.
const DefaultCurrency = "USD"

// Config holds the multipliers. Zero values are replaced by the defaults.
type Config struct {
	Currency string

	// PriorityMultipliers maps a priority to its factor; missing keys use 1.
	PriorityMultipliers map[int]decimal.Decimal

	// LongMessageThreshold is the rune count above which LongMessageMultiplier applies.
	LongMessageThreshold  int
	LongMessageMultiplier decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		Currency: DefaultCurrency,
		PriorityMultipliers: map[int]decimal.Decimal{
			notification.PriorityLow:    decimal.NewFromInt(1),
			notification.PriorityNormal: decimal.RequireFromString("1.5"),
			notification.PriorityHigh:   decimal.NewFromInt(2),
		},
		LongMessageThreshold:  160,
		LongMessageMultiplier: decimal.RequireFromString("1.2"),
	}
}

// BaseCoster reports the per-message base price of a channel. ok is false for
// an unknown channel.
type BaseCoster interface {
	BaseCost(channel string) (decimal.Decimal, bool)
}

type Calculator struct {
	cfg Config
}

func New(cfg Config) *Calculator {
	def := DefaultConfig()
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if len(cfg.PriorityMultipliers) == 0 {
		cfg.PriorityMultipliers = def.PriorityMultipliers
	}
	if cfg.LongMessageThreshold <= 0 {
		cfg.LongMessageThreshold = def.LongMessageThreshold
	}
	if cfg.LongMessageMultiplier.IsZero() {
		cfg.LongMessageMultiplier = def.LongMessageMultiplier
	}
	return &Calculator{cfg: cfg}
}

func (c *Calculator) Currency() string { return c.cfg.Currency }

// Calculate returns base × priority multiplier × length multiplier. The
// result is zero and ok is false when the channel has no known base price.
func (c *Calculator) Calculate(base BaseCoster, n notification.Notification) (decimal.Decimal, bool) {
	if base == nil {
		return decimal.Zero, false
	}
	price, ok := base.BaseCost(n.Channel())
	if !ok {
		return decimal.Zero, false
	}
	return c.Price(price, n), true
}

// Price applies the multipliers to an explicit base price.
func (c *Calculator) Price(base decimal.Decimal, n notification.Notification) decimal.Decimal {
	out := base.Mul(c.PriorityMultiplier(n.Priority()))
	if utf8.RuneCountInString(n.Message()) > c.cfg.LongMessageThreshold {
		out = out.Mul(c.cfg.LongMessageMultiplier)
	}
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

func (c *Calculator) PriorityMultiplier(priority int) decimal.Decimal {
	if m, ok := c.cfg.PriorityMultipliers[priority]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}
