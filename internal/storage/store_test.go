package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "data.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func TestStoreRules(t *testing.T) {
	for name, open := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			id1, err := st.CreateRule(ctx, notification.Rule{
				Name:            "business-hours",
				Channel:         "email",
				IsActive:        true,
				StartDate:       &start,
				MaxSendsPerHour: 5,
				AllowedDays:     []int{1, 2, 3, 4, 5},
				AllowedHours:    []int{9, 10, 11},
				Conditions: []notification.Condition{
					{Field: "priority", Operator: notification.OpGte, Value: float64(2)},
				},
				Metadata: map[string]any{"owner": "ops"},
			})
			require.NoError(t, err)
			require.NotZero(t, id1)

			_, err = st.CreateRule(ctx, notification.Rule{Name: "paused", Channel: "email"})
			require.NoError(t, err)
			_, err = st.CreateRule(ctx, notification.Rule{Name: "tg", Channel: "telegram", IsActive: true})
			require.NoError(t, err)

			_, err = st.CreateRule(ctx, notification.Rule{Name: "business-hours", Channel: "email"})
			require.True(t, errors.Is(err, ErrDuplicateRule), "got %v", err)

			_, err = st.CreateRule(ctx, notification.Rule{Name: "", Channel: "email"})
			require.True(t, errors.Is(err, notification.ErrInvalidRule), "got %v", err)

			rules, err := st.ActiveRules(ctx, "email")
			require.NoError(t, err)
			require.Len(t, rules, 1)
			r := rules[0]
			assert.Equal(t, id1, r.ID)
			assert.Equal(t, "business-hours", r.Name)
			assert.Equal(t, 5, r.MaxSendsPerHour)
			assert.Equal(t, []int{9, 10, 11}, r.AllowedHours)
			require.NotNil(t, r.StartDate)
			assert.True(t, r.StartDate.Equal(start))
			require.Len(t, r.Conditions, 1)
			assert.Equal(t, notification.OpGte, r.Conditions[0].Operator)
			assert.Equal(t, "ops", r.Metadata["owner"])

			all, err := st.ListRules(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "paused", all[1].Name)
		})
	}
}

func TestStoreLogsAndUsage(t *testing.T) {
	for name, open := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
			for i, status := range []notification.Status{
				notification.StatusSent, notification.StatusFailed, notification.StatusBlocked,
			} {
				require.NoError(t, st.AppendLog(ctx, notification.LogEntry{
					NotificationID: "n",
					Channel:        "email",
					Recipient:      "a@example.com",
					Message:        "hi",
					Status:         status,
					SentAt:         base.Add(time.Duration(i) * time.Hour),
				}))
			}
			require.NoError(t, st.AppendLog(ctx, notification.LogEntry{
				Channel: "email", Recipient: "b@example.com", Status: notification.StatusSent, SentAt: base,
			}))
			require.Error(t, st.AppendLog(ctx, notification.LogEntry{Channel: "email", Status: "bogus"}))

			n, err := st.CountLogs(ctx, LogQuery{Channel: "email", Recipient: "a@example.com"})
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			n, err = st.CountLogs(ctx, LogQuery{Channel: "email", Recipient: "a@example.com", Since: base.Add(time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			n, err = st.CountLogs(ctx, LogQuery{Channel: "email", Until: base.Add(time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			n, err = st.CountLogs(ctx, LogQuery{Status: notification.StatusBlocked})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, st.AppendUsage(ctx, notification.UsageRecord{
				NotificationID: "n", Channel: "email", Cost: decimal.RequireFromString("0.003"), UsedAt: base,
			}))
			require.NoError(t, st.AppendUsage(ctx, notification.UsageRecord{
				NotificationID: "m", Channel: "email", Cost: decimal.RequireFromString("0.0024"), UsedAt: base.Add(2 * time.Hour),
			}))
			require.Error(t, st.AppendUsage(ctx, notification.UsageRecord{Channel: "email", Cost: decimal.NewFromInt(-1)}))

			sum, err := st.SumUsage(ctx, UsageQuery{Channel: "email"})
			require.NoError(t, err)
			assert.Equal(t, int64(2), sum.Count)
			assert.True(t, sum.Total.Equal(decimal.RequireFromString("0.0054")), "total %s", sum.Total)

			pruned, err := st.PruneLogs(ctx, base.Add(90*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(3), pruned)
			n, err = st.CountLogs(ctx, LogQuery{})
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			pruned, err = st.PruneUsage(ctx, base.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), pruned)
			sum, err = st.SumUsage(ctx, UsageQuery{})
			require.NoError(t, err)
			assert.Equal(t, int64(1), sum.Count)
		})
	}
}

func TestFileStoreReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	_, err = st.CreateRule(ctx, notification.Rule{Name: "r1", Channel: "email", IsActive: true, MaxSendsPerDay: 2})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, st.AppendLog(ctx, notification.LogEntry{Channel: "email", Recipient: "x", Status: notification.StatusSent, SentAt: now}))
	require.NoError(t, st.AppendUsage(ctx, notification.UsageRecord{Channel: "email", Cost: decimal.RequireFromString("0.01"), UsedAt: now}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	rules, err := st.ActiveRules(ctx, "email")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 2, rules[0].MaxSendsPerDay)

	id, err := st.CreateRule(ctx, notification.Rule{Name: "r2", Channel: "email"})
	require.NoError(t, err)
	assert.Greater(t, id, rules[0].ID)

	n, err := st.CountLogs(ctx, LogQuery{Recipient: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sum, err := st.SumUsage(ctx, UsageQuery{})
	require.NoError(t, err)
	assert.True(t, sum.Total.Equal(decimal.RequireFromString("0.01")))
}

func TestClosedStore(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.CountLogs(context.Background(), LogQuery{})
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}
