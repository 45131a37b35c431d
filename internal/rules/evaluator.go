// Package rules decides whether a notification may be sent.
//
// The evaluator folds over the applicable rule set and stops at the first
// rule that rejects. It only reads from the stores.
package rules

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"notifygate/internal/notification"
	"notifygate/internal/storage"
	logx "notifygate/pkg/logx"
)

// ErrNoLogStore is returned when a rule has send caps but no log store is wired.
var ErrNoLogStore = errors.New("send caps need a log store")

// GlobalRuleName names the implicit rule built from the global limits.
const GlobalRuleName = "global-limits"

// Decision is the outcome of an admission check. Rule and Reason are set only
// when Allowed is false.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

func Allow() Decision { return Decision{Allowed: true} }

func Reject(rule, reason string) Decision {
	return Decision{Allowed: false, Rule: rule, Reason: reason}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	if d.Rule == "" {
		return "blocked: " + d.Reason
	}
	return fmt.Sprintf("blocked by rule %q: %s", d.Rule, d.Reason)
}

// GlobalLimits are caps applied to every channel after the selected rules.
type GlobalLimits struct {
	Enabled    bool
	MaxPerDay  int
	MaxPerHour int
}

type Config struct {
	// Location defines "today" and the weekday/hour windows. Defaults to time.Local.
	Location *time.Location
	// Now overrides the clock (tests).
	Now func() time.Time

	Global GlobalLimits
}

type Evaluator struct {
	rules storage.RuleStore
	logs  storage.LogStore

	loc    *time.Location
	now    func() time.Time
	global GlobalLimits

	log logx.Logger
}

// New builds an Evaluator. rules may be nil (only inline rules apply); logs
// may be nil only if no rule uses send caps.
func New(rules storage.RuleStore, logs storage.LogStore, cfg Config, log logx.Logger) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		rules:  rules,
		logs:   logs,
		loc:    loc,
		now:    now,
		global: cfg.Global,
		log:    log.With(logx.String("comp", "rules")),
	}
}

// ShouldSend evaluates the rule set for n. An error means a store could not
// be read and no decision was reached.
func (e *Evaluator) ShouldSend(ctx context.Context, n notification.Notification) (Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	set, err := e.ruleSet(ctx, n)
	if err != nil {
		return Decision{}, err
	}

	now := e.now().In(e.loc)
	for _, r := range set {
		d, err := e.evaluate(ctx, r, n, now)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if !d.Allowed {
			e.log.Debug("notification blocked",
				logx.String("id", n.ID()),
				logx.String("channel", n.Channel()),
				logx.String("rule", d.Rule),
				logx.String("reason", d.Reason),
			)
			return d, nil
		}
	}
	return Allow(), nil
}

// ruleSet returns inline rules when present, the persisted rules otherwise,
// followed by the global limits rule when enabled.
func (e *Evaluator) ruleSet(ctx context.Context, n notification.Notification) ([]notification.Rule, error) {
	var set []notification.Rule
	if n.HasRules() {
		for _, r := range n.Rules() {
			if r.IsActive && r.Channel == n.Channel() {
				set = append(set, r)
			}
		}
	} else if e.rules != nil {
		persisted, err := e.rules.ActiveRules(ctx, n.Channel())
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		for _, r := range persisted {
			if r.IsActive && r.Channel == n.Channel() {
				set = append(set, r)
			}
		}
	}
	if e.global.Enabled && (e.global.MaxPerDay > 0 || e.global.MaxPerHour > 0) {
		set = append(set, notification.Rule{
			Name:            GlobalRuleName,
			Channel:         n.Channel(),
			IsActive:        true,
			MaxSendsPerDay:  e.global.MaxPerDay,
			MaxSendsPerHour: e.global.MaxPerHour,
		})
	}
	return set, nil
}

func (e *Evaluator) evaluate(ctx context.Context, r notification.Rule, n notification.Notification, now time.Time) (Decision, error) {
	if r.StartDate != nil && now.Before(*r.StartDate) {
		return Reject(r.Name, "current time is before the rule's start date"), nil
	}
	if r.EndDate != nil && now.After(*r.EndDate) {
		return Reject(r.Name, "current time is after the rule's end date"), nil
	}

	if len(r.AllowedDays) > 0 {
		day := int(now.Weekday())
		if !slices.Contains(r.AllowedDays, day) {
			return Reject(r.Name, fmt.Sprintf("day %d is not in allowed days %s", day, joinInts(r.AllowedDays))), nil
		}
	}
	if len(r.AllowedHours) > 0 {
		hour := now.Hour()
		if !slices.Contains(r.AllowedHours, hour) {
			return Reject(r.Name, fmt.Sprintf("hour %d is not in allowed hours %s", hour, joinInts(r.AllowedHours))), nil
		}
	}

	if r.MaxSendsPerDay > 0 {
		y, m, d := now.Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
		sent, err := e.count(ctx, n, midnight)
		if err != nil {
			return Decision{}, err
		}
		if sent >= r.MaxSendsPerDay {
			return Reject(r.Name, fmt.Sprintf("daily send limit reached (max %d, sent today %d)", r.MaxSendsPerDay, sent)), nil
		}
	}
	if r.MaxSendsPerHour > 0 {
		sent, err := e.count(ctx, n, now.Add(-time.Hour))
		if err != nil {
			return Decision{}, err
		}
		if sent >= r.MaxSendsPerHour {
			return Reject(r.Name, fmt.Sprintf("hourly send limit reached (max %d, sent last hour %d)", r.MaxSendsPerHour, sent)), nil
		}
	}

	for _, c := range r.Conditions {
		if !compare(fieldValue(n, c.Field), c.Operator, c.Value) {
			return Reject(r.Name, fmt.Sprintf("condition failed: %s %s %v", c.Field, c.Operator, c.Value)), nil
		}
	}
	return Allow(), nil
}

func (e *Evaluator) count(ctx context.Context, n notification.Notification, since time.Time) (int, error) {
	if e.logs == nil {
		return 0, ErrNoLogStore
	}
	sent, err := e.logs.CountLogs(ctx, storage.LogQuery{
		Channel:   n.Channel(),
		Recipient: n.Recipient(),
		Since:     since,
	})
	if err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return sent, nil
}

// fieldValue resolves a condition field. Unknown names read metadata; a
// missing key is nil.
func fieldValue(n notification.Notification, field string) any {
	switch field {
	case notification.FieldRecipient:
		return n.Recipient()
	case notification.FieldMessage:
		return n.Message()
	case notification.FieldPriority:
		return n.Priority()
	case notification.FieldSubject:
		if n.Subject() == "" {
			return nil
		}
		return n.Subject()
	case notification.FieldTags:
		return n.Tags()
	default:
		v, _ := n.MetadataValue(field)
		return v
	}
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprint(x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
