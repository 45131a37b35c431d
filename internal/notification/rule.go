package notification

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Operator is a Condition comparison operator.
type Operator string

const (
	OpEq          Operator = "="
	OpNe          Operator = "!="
	OpGt          Operator = ">"
	OpLt          Operator = "<"
	OpGte         Operator = ">="
	OpLte         Operator = "<="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpContains, OpNotContains, OpIn, OpNotIn:
		return true
	default:
		return false
	}
}

// Known Condition fields. Any other field name is looked up in metadata.
const (
	FieldRecipient = "recipient"
	FieldMessage   = "message"
	FieldPriority  = "priority"
	FieldSubject   = "subject"
	FieldTags      = "tags"
)

// Condition is a single predicate comparing a notification field to a literal.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Rule is a channel-scoped admission policy.
//
// MaxSendsPerDay / MaxSendsPerHour of 0 mean unlimited. Empty AllowedDays
// (0 = Sunday) or AllowedHours (0..23) mean "any". Priority is ordering
// metadata only; the evaluator does not enforce it.
type Rule struct {
	ID              int64          `json:"id,omitempty"`
	Name            string         `json:"name"`
	Channel         string         `json:"channel"`
	Conditions      []Condition    `json:"conditions"`
	IsActive        bool           `json:"is_active"`
	StartDate       *time.Time     `json:"start_date,omitempty"`
	EndDate         *time.Time     `json:"end_date,omitempty"`
	MaxSendsPerDay  int            `json:"max_sends_per_day"`
	MaxSendsPerHour int            `json:"max_sends_per_hour"`
	AllowedDays     []int          `json:"allowed_days,omitempty"`
	AllowedHours    []int          `json:"allowed_hours,omitempty"`
	Priority        int            `json:"priority"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

var ErrInvalidRule = errors.New("invalid rule")

// Validate checks the rule before it is persisted.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Channel) == "" {
		return fmt.Errorf("%w: channel required", ErrInvalidRule)
	}
	if r.MaxSendsPerDay < 0 || r.MaxSendsPerHour < 0 {
		return fmt.Errorf("%w: send caps must be >= 0", ErrInvalidRule)
	}
	if r.StartDate != nil && r.EndDate != nil && r.EndDate.Before(*r.StartDate) {
		return fmt.Errorf("%w: end_date before start_date", ErrInvalidRule)
	}
	for _, d := range r.AllowedDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: allowed day %d out of range 0..6", ErrInvalidRule, d)
		}
	}
	for _, h := range r.AllowedHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: allowed hour %d out of range 0..23", ErrInvalidRule, h)
		}
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: condition %d has no field", ErrInvalidRule, i)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: condition %d has unknown operator %q", ErrInvalidRule, i, c.Operator)
		}
	}
	return nil
}

// Clone returns a deep-enough copy for read-only sharing across goroutines.
func (r Rule) Clone() Rule {
	cp := r
	cp.Conditions = slices.Clone(r.Conditions)
	cp.AllowedDays = slices.Clone(r.AllowedDays)
	cp.AllowedHours = slices.Clone(r.AllowedHours)
	cp.Metadata = maps.Clone(r.Metadata)
	if r.StartDate != nil {
		t := *r.StartDate
		cp.StartDate = &t
	}
	if r.EndDate != nil {
		t := *r.EndDate
		cp.EndDate = &t
	}
	return cp
}
