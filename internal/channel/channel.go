// Package channel defines the delivery transport contract and a registry of
// named transports.
package channel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"notifygate/internal/notification"

	"github.com/shopspring/decimal"
)

// Channel delivers notifications over one transport.
//
// Send returns (false, nil) for an expected delivery failure. A non-nil error
// (or a panic) is an unexpected fault.
type Channel interface {
	Name() string
	Supports(n notification.Notification) bool
	Validate(n notification.Notification) bool
	Send(ctx context.Context, n notification.Notification) (bool, error)
	CostPerMessage() decimal.Decimal
}

// DefaultCost is the base price of a channel with no configured cost.
var DefaultCost = decimal.RequireFromString("0.01")

// Base carries the behavior shared by the bundled channels.
type Base struct {
	name string
	cost decimal.Decimal
}

func NewBase(name string, cost decimal.Decimal) Base {
	if cost.IsNegative() {
		cost = decimal.Zero
	}
	return Base{name: name, cost: cost}
}

func (b Base) Name() string                    { return b.name }
func (b Base) CostPerMessage() decimal.Decimal { return b.cost }

// Supports reports whether n is routed to this channel.
func (b Base) Supports(n notification.Notification) bool {
	return n.Channel() == b.name
}

// Validate requires a recipient and a message.
func (b Base) Validate(n notification.Notification) bool {
	return strings.TrimSpace(n.Recipient()) != "" && strings.TrimSpace(n.Message()) != ""
}

// Registry maps names to channels. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]Channel{}}
}

// Register adds ch under name, replacing any previous entry.
func (r *Registry) Register(name string, ch Channel) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	r.channels[name] = ch
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	ch, ok := r.channels[name]
	r.mu.RUnlock()
	return ch, ok
}

// Names returns registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// BaseCost reports the per-message price of a registered channel.
func (r *Registry) BaseCost(name string) (decimal.Decimal, bool) {
	ch, ok := r.Get(name)
	if !ok {
		return decimal.Zero, false
	}
	return ch.CostPerMessage(), true
}
