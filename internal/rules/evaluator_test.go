package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifygate/internal/notification"
	"notifygate/internal/storage"
	logx "notifygate/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday 2025-03-10 10:30 UTC.
var monday1030 = time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newEvaluator(st *storage.Memory, now time.Time) *Evaluator {
	return New(st, st, Config{Location: time.UTC, Now: fixedClock(now)}, logx.Nop())
}

func mustCreate(t *testing.T, st storage.RuleStore, r notification.Rule) {
	t.Helper()
	_, err := st.CreateRule(context.Background(), r)
	require.NoError(t, err)
}

func TestNoRulesAllows(t *testing.T) {
	st := storage.NewMemory()
	ev := newEvaluator(st, monday1030)
	d, err := ev.ShouldSend(context.Background(), notification.New("email", "a@example.com", "hi"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "allowed", d.String())
}

func TestHourlyCap(t *testing.T) {
	const max = 3
	ctx := context.Background()
	st := storage.NewMemory()
	mustCreate(t, st, notification.Rule{Name: "hourly", Channel: "email", IsActive: true, MaxSendsPerHour: max})
	ev := newEvaluator(st, monday1030)

	n := notification.New("email", "a@example.com", "hi")
	for i := 0; i < max; i++ {
		d, err := ev.ShouldSend(ctx, n)
		require.NoError(t, err)
		require.True(t, d.Allowed, "send %d should be allowed", i+1)
		require.NoError(t, st.AppendLog(ctx, notification.NewLogEntry(n, notification.StatusSent, "", monday1030.Add(-time.Minute))))
	}
	d, err := ev.ShouldSend(ctx, n)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "hourly", d.Rule)
	assert.Contains(t, d.Reason, "hourly send limit")

	// Another recipient has its own budget.
	d, err = ev.ShouldSend(ctx, notification.New("email", "b@example.com", "hi"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Logs older than an hour do not count.
	later := newEvaluator(st, monday1030.Add(61*time.Minute))
	d, err = later.ShouldSend(ctx, n)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDailyCapUsesCalendarDay(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	mustCreate(t, st, notification.Rule{Name: "daily", Channel: "sms", IsActive: true, MaxSendsPerDay: 1})

	n := notification.New("sms", "+100", "hi")
	// Sunday 23:30 does not count toward Monday.
	require.NoError(t, st.AppendLog(ctx, notification.NewLogEntry(n, notification.StatusSent, "", monday1030.Add(-11*time.Hour))))

	ev := newEvaluator(st, monday1030)
	d, err := ev.ShouldSend(ctx, n)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, st.AppendLog(ctx, notification.NewLogEntry(n, notification.StatusFailed, "", monday1030.Add(-time.Hour))))
	d, err = ev.ShouldSend(ctx, n)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "daily", d.Rule)
}

func TestTimeWindows(t *testing.T) {
	yesterday := monday1030.AddDate(0, 0, -1)
	tomorrow := monday1030.AddDate(0, 0, 1)

	tests := []struct {
		name  string
		rule  notification.Rule
		now   time.Time
		allow bool
	}{
		{"hour inside", notification.Rule{AllowedHours: []int{9, 10, 11}}, monday1030, true},
		{"hour before", notification.Rule{AllowedHours: []int{9, 10, 11}}, monday1030.Add(-2 * time.Hour), false},
		{"hour after", notification.Rule{AllowedHours: []int{9, 10, 11}}, monday1030.Add(2 * time.Hour), false},
		{"weekday allowed", notification.Rule{AllowedDays: []int{1, 2, 3, 4, 5}}, monday1030, true},
		{"sunday blocked", notification.Rule{AllowedDays: []int{1, 2, 3, 4, 5}}, monday1030.AddDate(0, 0, -1), false},
		{"sunday is zero", notification.Rule{AllowedDays: []int{0}}, monday1030.AddDate(0, 0, -1), true},
		{"not started", notification.Rule{StartDate: &tomorrow}, monday1030, false},
		{"expired", notification.Rule{EndDate: &yesterday}, monday1030, false},
		{"inside window", notification.Rule{StartDate: &yesterday, EndDate: &tomorrow}, monday1030, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := storage.NewMemory()
			r := tt.rule
			r.Name, r.Channel, r.IsActive = "window", "email", true
			mustCreate(t, st, r)
			d, err := newEvaluator(st, tt.now).ShouldSend(context.Background(), notification.New("email", "x", "y"))
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allowed, d.String())
		})
	}
}

func TestTimezoneShiftsHourWindow(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	st := storage.NewMemory()
	mustCreate(t, st, notification.Rule{Name: "office", Channel: "email", IsActive: true, AllowedHours: []int{17}})

	// 10:30 UTC is 17:30 in UTC+7.
	ev := New(st, st, Config{Location: loc, Now: fixedClock(monday1030)}, logx.Nop())
	d, err := ev.ShouldSend(context.Background(), notification.New("email", "x", "y"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestConditions(t *testing.T) {
	st := storage.NewMemory()
	mustCreate(t, st, notification.Rule{
		Name: "vip", Channel: "email", IsActive: true,
		Conditions: []notification.Condition{
			{Field: "priority", Operator: notification.OpGte, Value: 2},
			{Field: "tags", Operator: notification.OpContains, Value: "billing"},
			{Field: "tier", Operator: notification.OpIn, Value: []any{"gold", "platinum"}},
		},
	})
	ev := newEvaluator(st, monday1030)
	ctx := context.Background()

	ok := notification.New("email", "x", "y",
		notification.WithPriority(3),
		notification.WithTags("billing", "eu"),
		notification.WithMetadata(map[string]any{"tier": "gold"}),
	)
	d, err := ev.ShouldSend(ctx, ok)
	require.NoError(t, err)
	assert.True(t, d.Allowed, d.String())

	lowPriority := notification.New("email", "x", "y",
		notification.WithPriority(1),
		notification.WithTags("billing"),
		notification.WithMetadata(map[string]any{"tier": "gold"}),
	)
	d, err = ev.ShouldSend(ctx, lowPriority)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "priority")

	missingMeta := notification.New("email", "x", "y", notification.WithPriority(2), notification.WithTags("billing"))
	d, err = ev.ShouldSend(ctx, missingMeta)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "tier")
}

func TestFirstFailingRuleWins(t *testing.T) {
	st := storage.NewMemory()
	mustCreate(t, st, notification.Rule{Name: "first", Channel: "email", IsActive: true, AllowedHours: []int{1}})
	mustCreate(t, st, notification.Rule{Name: "second", Channel: "email", IsActive: true, AllowedHours: []int{2}})
	d, err := newEvaluator(st, monday1030).ShouldSend(context.Background(), notification.New("email", "x", "y"))
	require.NoError(t, err)
	assert.Equal(t, "first", d.Rule)
}

func TestInactiveAndOtherChannelRulesIgnored(t *testing.T) {
	st := storage.NewMemory()
	mustCreate(t, st, notification.Rule{Name: "off", Channel: "email", IsActive: false, AllowedHours: []int{1}})
	mustCreate(t, st, notification.Rule{Name: "tg", Channel: "telegram", IsActive: true, AllowedHours: []int{1}})
	d, err := newEvaluator(st, monday1030).ShouldSend(context.Background(), notification.New("email", "x", "y"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestInlineRulesReplacePersisted(t *testing.T) {
	st := storage.NewMemory()
	mustCreate(t, st, notification.Rule{Name: "persisted", Channel: "email", IsActive: true, AllowedHours: []int{1}})
	ev := newEvaluator(st, monday1030)
	ctx := context.Background()

	inlineAllow := notification.New("email", "x", "y", notification.WithRules(
		notification.Rule{Name: "inline", Channel: "email", IsActive: true, AllowedHours: []int{10}},
	))
	d, err := ev.ShouldSend(ctx, inlineAllow)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "persisted rule must not be merged with inline rules")

	inlineBlock := notification.New("email", "x", "y", notification.WithRules(
		notification.Rule{Name: "inline-block", Channel: "email", IsActive: true, AllowedDays: []int{6}},
	))
	d, err = ev.ShouldSend(ctx, inlineBlock)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "inline-block", d.Rule)

	// Inline rules for another channel or inactive ones are skipped, which
	// still replaces (does not fall back to) the persisted set.
	skipped := notification.New("email", "x", "y", notification.WithRules(
		notification.Rule{Name: "sms-only", Channel: "sms", IsActive: true, AllowedHours: []int{1}},
		notification.Rule{Name: "paused", Channel: "email", IsActive: false, AllowedHours: []int{1}},
	))
	d, err = ev.ShouldSend(ctx, skipped)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGlobalLimits(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	ev := New(st, st, Config{
		Location: time.UTC,
		Now:      fixedClock(monday1030),
		Global:   GlobalLimits{Enabled: true, MaxPerHour: 1},
	}, logx.Nop())

	n := notification.New("telegram", "42", "hi")
	d, err := ev.ShouldSend(ctx, n)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, st.AppendLog(ctx, notification.NewLogEntry(n, notification.StatusSent, "", monday1030)))
	d, err = ev.ShouldSend(ctx, n)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, GlobalRuleName, d.Rule)
}

type failingRules struct{ storage.RuleStore }

var errBoom = errors.New("boom")

func (failingRules) ActiveRules(context.Context, string) ([]notification.Rule, error) {
	return nil, errBoom
}

func TestStoreErrorsPropagate(t *testing.T) {
	ev := New(failingRules{}, storage.NewMemory(), Config{Now: fixedClock(monday1030)}, logx.Nop())
	_, err := ev.ShouldSend(context.Background(), notification.New("email", "x", "y"))
	require.ErrorIs(t, err, errBoom)

	st := storage.NewMemory()
	mustCreate(t, st, notification.Rule{Name: "cap", Channel: "email", IsActive: true, MaxSendsPerDay: 1})
	noLogs := New(st, nil, Config{Now: fixedClock(monday1030)}, logx.Nop())
	_, err = noLogs.ShouldSend(context.Background(), notification.New("email", "x", "y"))
	require.ErrorIs(t, err, ErrNoLogStore)
}
