// Package dispatch runs the end-to-end send pipeline: admission, channel
// lookup, rendering, pricing, delivery and the audit trail.
//
// Send never returns an error. Every outcome, including faults and panics,
// ends up as a log row with one of the four statuses and a boolean result.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"notifygate/internal/channel"
	"notifygate/internal/cost"
	"notifygate/internal/eventbus"
	"notifygate/internal/notification"
	"notifygate/internal/queue"
	"notifygate/internal/rules"
	"notifygate/internal/storage"
	logx "notifygate/pkg/logx"

	"github.com/shopspring/decimal"
)

// ErrQueueDisabled is returned by SendAsync and SendAt without a usable scheduler.
var ErrQueueDisabled = queue.ErrQueueDisabled

// Audit responses.
const (
	ResponseSent            = "successfully sent"
	ResponseFailed          = "failed to send"
	ResponseChannelNotFound = "channel not found"
	ResponseUnsupported     = "notification not supported or invalid"
)

// Admission decides whether a notification may be sent.
type Admission interface {
	ShouldSend(ctx context.Context, n notification.Notification) (rules.Decision, error)
}

// Renderer turns a templated notification into a new one with the rendered message.
type Renderer interface {
	Render(ctx context.Context, n notification.Notification) (notification.Notification, error)
}

// Scheduler accepts notifications for later delivery.
type Scheduler interface {
	Enabled() bool
	Dispatch(ctx context.Context, n notification.Notification, delay time.Duration) error
	DispatchAt(ctx context.Context, n notification.Notification, when time.Time) error
}

type Config struct {
	// DefaultChannel fills in notifications built without a channel.
	DefaultChannel string
	// SerializePerRecipient runs sends for the same (channel, recipient)
	// one at a time so rate caps cannot be raced within this process.
	SerializePerRecipient bool
	Now                   func() time.Time
}

// Deps are the collaborators. Channels, Admission and Costs are required;
// the rest are optional.
type Deps struct {
	Channels  *channel.Registry
	Admission Admission
	Costs     *cost.Calculator
	Rules     storage.RuleStore
	Logs      storage.LogStore
	Usage     storage.UsageStore
	Renderer  Renderer
	Scheduler Scheduler
	Bus       eventbus.Bus
}

type Dispatcher struct {
	cfg Config
	now func() time.Time

	channels  *channel.Registry
	admission Admission
	costs     *cost.Calculator
	rules     storage.RuleStore
	logs      storage.LogStore
	usage     storage.UsageStore
	renderer  Renderer
	scheduler Scheduler
	bus       eventbus.Bus

	locks *keyedMutex
	log   logx.Logger
}

func New(cfg Config, deps Deps, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	channels := deps.Channels
	if channels == nil {
		channels = channel.NewRegistry()
	}
	costs := deps.Costs
	if costs == nil {
		costs = cost.New(cost.DefaultConfig())
	}
	return &Dispatcher{
		cfg:       cfg,
		now:       now,
		channels:  channels,
		admission: deps.Admission,
		costs:     costs,
		rules:     deps.Rules,
		logs:      deps.Logs,
		usage:     deps.Usage,
		renderer:  deps.Renderer,
		scheduler: deps.Scheduler,
		bus:       deps.Bus,
		locks:     newKeyedMutex(),
		log:       log.With(logx.String("comp", "dispatch")),
	}
}

// Send runs the pipeline for n and reports whether the channel delivered it.
func (d *Dispatcher) Send(ctx context.Context, n notification.Notification) (sent bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if n.Channel() == "" && d.cfg.DefaultChannel != "" {
		n = n.WithChannel(d.cfg.DefaultChannel)
	}
	if d.cfg.SerializePerRecipient {
		unlock := d.locks.lock(n.Channel() + "\x00" + n.Recipient())
		defer unlock()
	}

	start := d.now()
	cur := n
	res := Result{ID: n.ID(), Channel: n.Channel(), Recipient: n.Recipient(), Cost: decimal.Zero}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notification send panicked",
				logx.String("id", cur.ID()),
				logx.String("channel", cur.Channel()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			res.Status = notification.StatusError
			res.Response = fmt.Sprintf("panic: %v", r)
			d.LogActivity(ctx, cur, res.Status, res.Response)
			sent = false
		}
		res.Duration = d.now().Sub(start)
		eventbus.Publish(d.bus, EventCompleted, res)
	}()

	sent, err := d.run(ctx, &cur, &res)
	if err != nil {
		d.log.Error("notification send failed",
			logx.String("id", cur.ID()),
			logx.String("channel", cur.Channel()),
			logx.String("recipient", cur.Recipient()),
			logx.Err(err),
		)
		res.Status = notification.StatusError
		res.Response = err.Error()
		d.LogActivity(ctx, cur, res.Status, res.Response)
		return false
	}
	return sent
}

// run executes the pipeline stages. Expected outcomes are logged here; a
// returned error is a fault the caller records as status error.
func (d *Dispatcher) run(ctx context.Context, n *notification.Notification, res *Result) (bool, error) {
	decision, err := d.ShouldSend(ctx, *n)
	if err != nil {
		return false, fmt.Errorf("rule check: %w", err)
	}
	if !decision.Allowed {
		res.Rule = decision.Rule
		d.complete(ctx, *n, res, notification.StatusBlocked, decision.String())
		return false, nil
	}

	ch, ok := d.channels.Get(n.Channel())
	if !ok {
		d.complete(ctx, *n, res, notification.StatusFailed, ResponseChannelNotFound)
		return false, nil
	}
	if !ch.Supports(*n) || !ch.Validate(*n) {
		d.complete(ctx, *n, res, notification.StatusFailed, ResponseUnsupported)
		return false, nil
	}

	if d.renderer != nil && n.Template() != "" {
		rendered, err := d.renderer.Render(ctx, *n)
		if err != nil {
			return false, fmt.Errorf("render: %w", err)
		}
		*n = rendered
	}

	if price, known := d.CalculateCost(*n); known {
		res.Cost = price
		d.recordUsage(ctx, *n, price)
	}

	delivered, err := ch.Send(ctx, *n)
	if err != nil {
		return false, fmt.Errorf("channel %s: %w", n.Channel(), err)
	}
	if delivered {
		d.complete(ctx, *n, res, notification.StatusSent, ResponseSent)
	} else {
		d.complete(ctx, *n, res, notification.StatusFailed, ResponseFailed)
	}
	return delivered, nil
}

func (d *Dispatcher) complete(ctx context.Context, n notification.Notification, res *Result, status notification.Status, response string) {
	res.Status = status
	res.Response = response
	d.LogActivity(ctx, n, status, response)
}

// ShouldSend reports the admission decision without sending.
func (d *Dispatcher) ShouldSend(ctx context.Context, n notification.Notification) (rules.Decision, error) {
	if d.admission == nil {
		return rules.Allow(), nil
	}
	return d.admission.ShouldSend(ctx, n)
}

// CalculateCost prices n against the registered channel's base cost. known
// is false for an unregistered channel.
func (d *Dispatcher) CalculateCost(n notification.Notification) (price decimal.Decimal, known bool) {
	return d.costs.Calculate(d.channels, n)
}

// RegisterChannel adds or replaces a channel.
func (d *Dispatcher) RegisterChannel(name string, ch channel.Channel) {
	d.channels.Register(name, ch)
}

func (d *Dispatcher) Channel(name string) (channel.Channel, bool) {
	return d.channels.Get(name)
}

// Channels lists registered channel names.
func (d *Dispatcher) Channels() []string { return d.channels.Names() }

// CreateRule persists r and returns its id, or 0 when it could not be stored.
func (d *Dispatcher) CreateRule(ctx context.Context, r notification.Rule) int64 {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.rules == nil {
		d.log.Error("failed to create notification rule", logx.String("rule", r.Name), logx.String("err", "no rule store"))
		return 0
	}
	if err := r.Validate(); err != nil {
		d.log.Error("failed to create notification rule", logx.String("rule", r.Name), logx.Err(err))
		return 0
	}
	id, err := d.rules.CreateRule(ctx, r)
	if err != nil {
		d.log.Error("failed to create notification rule", logx.String("rule", r.Name), logx.Err(err))
		return 0
	}
	d.log.Info("notification rule created", logx.String("rule", r.Name), logx.Int64("rule_id", id), logx.String("channel", r.Channel))
	return id
}

// LogActivity appends an audit row. Failures are logged and swallowed.
func (d *Dispatcher) LogActivity(ctx context.Context, n notification.Notification, status notification.Status, response string) {
	if d.logs == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.logs.AppendLog(ctx, notification.NewLogEntry(n, status, response, d.now())); err != nil {
		d.log.Error("failed to log notification activity",
			logx.String("id", n.ID()),
			logx.String("status", string(status)),
			logx.Err(err),
		)
	}
}

func (d *Dispatcher) recordUsage(ctx context.Context, n notification.Notification, price decimal.Decimal) {
	if d.usage == nil {
		return
	}
	rec := notification.UsageRecord{
		NotificationID: n.ID(),
		Channel:        n.Channel(),
		Cost:           price,
		UsedAt:         d.now(),
		Metadata: map[string]any{
			"recipient":      n.Recipient(),
			"priority":       n.Priority(),
			"message_length": len([]rune(n.Message())),
			"currency":       d.costs.Currency(),
		},
	}
	if err := d.usage.AppendUsage(ctx, rec); err != nil {
		d.log.Error("failed to record notification usage", logx.String("id", n.ID()), logx.Err(err))
	}
}

// SendAsync hands n to the scheduler to be sent after delay.
func (d *Dispatcher) SendAsync(ctx context.Context, n notification.Notification, delay time.Duration) error {
	if d.scheduler == nil || !d.scheduler.Enabled() {
		return ErrQueueDisabled
	}
	return d.scheduler.Dispatch(ctx, n, max(delay, 0))
}

// SendAt hands n to the scheduler to be sent at when. Past times send as
// soon as possible.
func (d *Dispatcher) SendAt(ctx context.Context, n notification.Notification, when time.Time) error {
	if d.scheduler == nil || !d.scheduler.Enabled() {
		return ErrQueueDisabled
	}
	return d.scheduler.DispatchAt(ctx, n, when)
}
