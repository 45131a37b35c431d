package cost

import (
	"strings"
	"testing"

	"notifygate/internal/notification"

	"github.com/shopspring/decimal"
)

type prices map[string]decimal.Decimal

func (p prices) BaseCost(ch string) (decimal.Decimal, bool) {
	v, ok := p[ch]
	return v, ok
}

func TestCalculate(t *testing.T) {
	c := New(Config{})
	base := prices{
		"email":   decimal.RequireFromString("0.001"),
		"sms":     decimal.RequireFromString("0.002"),
		"console": decimal.Zero,
	}
	long := strings.Repeat("é", 161)

	tests := []struct {
		name string
		n    notification.Notification
		want string
		ok   bool
	}{
		{"low short", notification.New("email", "a", "hi"), "0.001", true},
		{"normal", notification.New("email", "a", "hi", notification.WithPriority(2)), "0.0015", true},
		{"high", notification.New("sms", "a", "hi", notification.WithPriority(3)), "0.004", true},
		{"high email", notification.New("email", "a", "hi", notification.WithPriority(3)), "0.002", true},
		{"long runes", notification.New("sms", "a", long), "0.0024", true},
		{"exactly 160", notification.New("sms", "a", strings.Repeat("x", 160)), "0.002", true},
		{"unknown priority", notification.New("sms", "a", "hi", notification.WithPriority(9)), "0.002", true},
		{"free channel", notification.New("console", "a", "hi", notification.WithPriority(3)), "0", true},
		{"unregistered", notification.New("pigeon", "a", "hi"), "0", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := c.Calculate(base, tt.n)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("cost = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReferenceScenarios(t *testing.T) {
	c := New(DefaultConfig())
	base := prices{"sms": decimal.RequireFromString("0.002")}

	got, _ := c.Calculate(base, notification.New("sms", "a", "hi", notification.WithPriority(2)))
	if !got.Equal(decimal.RequireFromString("0.003")) {
		t.Fatalf("normal priority = %s, want 0.003", got)
	}
	got, _ = c.Calculate(base, notification.New("sms", "a", strings.Repeat("m", 200)))
	if !got.Equal(decimal.RequireFromString("0.0024")) {
		t.Fatalf("long message = %s, want 0.0024", got)
	}
}

func TestCustomMultipliers(t *testing.T) {
	c := New(Config{
		Currency:              "EUR",
		PriorityMultipliers:   map[int]decimal.Decimal{3: decimal.NewFromInt(5)},
		LongMessageThreshold:  3,
		LongMessageMultiplier: decimal.NewFromInt(2),
	})
	if c.Currency() != "EUR" {
		t.Fatalf("currency = %q", c.Currency())
	}
	got := c.Price(decimal.RequireFromString("0.01"), notification.New("x", "a", "four", notification.WithPriority(3)))
	if !got.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("price = %s, want 0.1", got)
	}
	if _, ok := c.Calculate(nil, notification.New("x", "a", "b")); ok {
		t.Fatalf("nil coster must report unknown")
	}
}
