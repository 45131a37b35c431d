// Package notification holds the value objects routed by the dispatcher:
// the Notification itself, the admission Rule (and its Conditions) and the
// two append-only audit records written per send attempt.
package notification

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
)

// Notification describes one message to route. It is immutable: all fields are
// unexported and accessors hand out copies of slices and maps.
type Notification struct {
	id           string
	channel      string
	recipient    string
	message      string
	subject      string
	priority     int
	tags         []string
	metadata     map[string]any
	template     string
	templateData map[string]any
	scheduledAt  *time.Time
	rules        []Rule
}

// Option customizes a Notification during New.
type Option func(n *Notification)

func WithID(id string) Option            { return func(n *Notification) { n.id = id } }
func WithSubject(s string) Option        { return func(n *Notification) { n.subject = s } }
func WithPriority(p int) Option          { return func(n *Notification) { n.priority = p } }
func WithTemplate(name string) Option    { return func(n *Notification) { n.template = name } }
func WithScheduledAt(t time.Time) Option { return func(n *Notification) { n.scheduledAt = &t } }

func WithTags(tags ...string) Option {
	return func(n *Notification) { n.tags = slices.Clone(tags) }
}

func WithMetadata(m map[string]any) Option {
	return func(n *Notification) { n.metadata = maps.Clone(m) }
}

func WithTemplateData(m map[string]any) Option {
	return func(n *Notification) { n.templateData = maps.Clone(m) }
}

// WithRules attaches inline rules. When non-empty they replace the persisted
// rule lookup for this notification.
func WithRules(rules ...Rule) Option {
	return func(n *Notification) { n.rules = cloneRules(rules) }
}

// New builds a Notification. A random id is generated unless WithID is given;
// priority defaults to PriorityLow.
func New(channel, recipient, message string, opts ...Option) Notification {
	n := Notification{
		channel:   channel,
		recipient: recipient,
		message:   message,
		priority:  PriorityLow,
	}
	for _, o := range opts {
		if o != nil {
			o(&n)
		}
	}
	if n.id == "" {
		n.id = uuid.NewString()
	}
	if n.priority == 0 {
		n.priority = PriorityLow
	}
	return n
}

func (n Notification) ID() string        { return n.id }
func (n Notification) Channel() string   { return n.channel }
func (n Notification) Recipient() string { return n.recipient }
func (n Notification) Message() string   { return n.message }
func (n Notification) Subject() string   { return n.subject }
func (n Notification) Priority() int     { return n.priority }
func (n Notification) Template() string  { return n.template }

func (n Notification) Tags() []string               { return slices.Clone(n.tags) }
func (n Notification) Metadata() map[string]any     { return maps.Clone(n.metadata) }
func (n Notification) TemplateData() map[string]any { return maps.Clone(n.templateData) }
func (n Notification) Rules() []Rule                { return cloneRules(n.rules) }
func (n Notification) HasRules() bool               { return len(n.rules) > 0 }

// MetadataValue looks up a single metadata key without copying the map.
func (n Notification) MetadataValue(key string) (any, bool) {
	v, ok := n.metadata[key]
	return v, ok
}

func (n Notification) ScheduledAt() (time.Time, bool) {
	if n.scheduledAt == nil {
		return time.Time{}, false
	}
	return *n.scheduledAt, true
}

// WithMessage returns a copy carrying a different message body.
// All other fields are carried over unchanged.
func (n Notification) WithMessage(message string) Notification {
	cp := n.clone()
	cp.message = message
	return cp
}

// WithChannel returns a copy routed to another channel.
func (n Notification) WithChannel(channel string) Notification {
	cp := n.clone()
	cp.channel = channel
	return cp
}

func (n Notification) clone() Notification {
	cp := n
	cp.tags = slices.Clone(n.tags)
	cp.metadata = maps.Clone(n.metadata)
	cp.templateData = maps.Clone(n.templateData)
	cp.rules = cloneRules(n.rules)
	if n.scheduledAt != nil {
		t := *n.scheduledAt
		cp.scheduledAt = &t
	}
	return cp
}

func cloneRules(in []Rule) []Rule {
	if in == nil {
		return nil
	}
	out := make([]Rule, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// wireNotification is the serialized form used by the async queue.
type wireNotification struct {
	ID           string         `json:"id"`
	Channel      string         `json:"channel"`
	Recipient    string         `json:"recipient"`
	Message      string         `json:"message"`
	Subject      string         `json:"subject,omitempty"`
	Priority     int            `json:"priority"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Template     string         `json:"template,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`
	ScheduledAt  *time.Time     `json:"scheduled_at,omitempty"`
	Rules        []Rule         `json:"rules,omitempty"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNotification{
		ID:           n.id,
		Channel:      n.channel,
		Recipient:    n.recipient,
		Message:      n.message,
		Subject:      n.subject,
		Priority:     n.priority,
		Tags:         n.tags,
		Metadata:     n.metadata,
		Template:     n.template,
		TemplateData: n.templateData,
		ScheduledAt:  n.scheduledAt,
		Rules:        n.rules,
	})
}

// UnmarshalJSON keeps numbers in metadata, template data and rule values as
// json.Number so large integers come back exact.
func (n *Notification) UnmarshalJSON(b []byte) error {
	var w wireNotification
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	*n = Notification{
		id:           w.ID,
		channel:      w.Channel,
		recipient:    w.Recipient,
		message:      w.Message,
		subject:      w.Subject,
		priority:     w.Priority,
		tags:         w.Tags,
		metadata:     w.Metadata,
		template:     w.Template,
		templateData: w.TemplateData,
		scheduledAt:  w.ScheduledAt,
		rules:        w.Rules,
	}
	if n.priority == 0 {
		n.priority = PriorityLow
	}
	return nil
}
