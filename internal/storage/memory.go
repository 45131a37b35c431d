package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"notifygate/internal/notification"

	"github.com/shopspring/decimal"
)

// Memory is a process-local Store. The file backend wraps it.
type Memory struct {
	mu     sync.RWMutex
	closed bool

	rules []notification.Rule
	names map[string]struct{}
	logs  []notification.LogEntry
	usage []notification.UsageRecord

	ruleSeq  int64
	logSeq   int64
	usageSeq int64
}

func NewMemory() *Memory {
	return &Memory{names: map[string]struct{}{}}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) ActiveRules(ctx context.Context, channel string) ([]notification.Rule, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]notification.Rule, 0, 4)
	for _, r := range m.rules {
		if r.IsActive && r.Channel == channel {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *Memory) ListRules(ctx context.Context) ([]notification.Rule, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]notification.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *Memory) CreateRule(ctx context.Context, r notification.Rule) (int64, error) {
	_ = ctx
	if err := r.Validate(); err != nil {
		return 0, err
	}
	r.ID = 0
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertRuleLocked(r)
}

func (m *Memory) insertRuleLocked(r notification.Rule) (int64, error) {
	if m.closed {
		return 0, ErrStoreClosed
	}
	if _, dup := m.names[r.Name]; dup {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateRule, r.Name)
	}
	if r.ID <= m.ruleSeq {
		m.ruleSeq++
		r.ID = m.ruleSeq
	} else {
		m.ruleSeq = r.ID
	}
	m.names[r.Name] = struct{}{}
	m.rules = append(m.rules, r.Clone())
	return r.ID, nil
}

func (m *Memory) AppendLog(ctx context.Context, e notification.LogEntry) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.appendLogLocked(e)
	return err
}

func (m *Memory) appendLogLocked(e notification.LogEntry) (notification.LogEntry, error) {
	if m.closed {
		return e, ErrStoreClosed
	}
	if !e.Status.Valid() {
		return e, fmt.Errorf("invalid log status %q", e.Status)
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	if e.ID <= m.logSeq {
		m.logSeq++
		e.ID = m.logSeq
	} else {
		m.logSeq = e.ID
	}
	m.logs = append(m.logs, e)
	return e, nil
}

func (m *Memory) CountLogs(ctx context.Context, q LogQuery) (int, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, e := range m.logs {
		if q.match(e) {
			n++
		}
	}
	return n, nil
}

// Logs returns a copy of log rows matching q, oldest first.
func (m *Memory) Logs(q LogQuery) []notification.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]notification.LogEntry, 0, len(m.logs))
	for _, e := range m.logs {
		if q.match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	kept := m.logs[:0]
	var n int64
	for _, e := range m.logs {
		if e.SentAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return n, nil
}

func (m *Memory) AppendUsage(ctx context.Context, u notification.UsageRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.appendUsageLocked(u)
	return err
}

func (m *Memory) appendUsageLocked(u notification.UsageRecord) (notification.UsageRecord, error) {
	if m.closed {
		return u, ErrStoreClosed
	}
	if u.Cost.IsNegative() {
		return u, fmt.Errorf("negative cost %s", u.Cost)
	}
	if u.UsedAt.IsZero() {
		u.UsedAt = time.Now()
	}
	u.Cost = u.Cost.Round(4)
	if u.ID <= m.usageSeq {
		m.usageSeq++
		u.ID = m.usageSeq
	} else {
		m.usageSeq = u.ID
	}
	m.usage = append(m.usage, u)
	return u, nil
}

// Usage returns a copy of usage rows matching q, oldest first.
func (m *Memory) Usage(q UsageQuery) []notification.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]notification.UsageRecord, 0, len(m.usage))
	for _, u := range m.usage {
		if q.match(u) {
			out = append(out, u)
		}
	}
	return out
}

func (m *Memory) SumUsage(ctx context.Context, q UsageQuery) (UsageSummary, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return UsageSummary{}, ErrStoreClosed
	}
	sum := UsageSummary{Total: decimal.Zero}
	for _, u := range m.usage {
		if q.match(u) {
			sum.Count++
			sum.Total = sum.Total.Add(u.Cost)
		}
	}
	return sum, nil
}

func (m *Memory) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	kept := m.usage[:0]
	var n int64
	for _, u := range m.usage {
		if u.UsedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, u)
	}
	m.usage = kept
	return n, nil
}
