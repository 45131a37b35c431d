package retention

import (
	"context"
	"testing"
	"time"

	"notifygate/internal/notification"
	"notifygate/internal/storage"
	logx "notifygate/pkg/logx"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *storage.Memory, at time.Time) {
	t.Helper()
	ctx := context.Background()
	n := notification.New("email", "a@example.com", "hi")
	require.NoError(t, st.AppendLog(ctx, notification.NewLogEntry(n, notification.StatusSent, "", at)))
	require.NoError(t, st.AppendUsage(ctx, notification.UsageRecord{
		NotificationID: n.ID(), Channel: "email", Cost: decimal.RequireFromString("0.005"), UsedAt: at,
	}))
}

func TestRunOnce(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, now.AddDate(0, 0, -120))
	seed(t, st, now.AddDate(0, 0, -31))
	seed(t, st, now.Add(-time.Hour))

	j, err := New(Config{Days: 30, Now: func() time.Time { return now }}, st, st, logx.Nop())
	require.NoError(t, err)

	res, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -30), res.Cutoff)
	assert.Equal(t, int64(2), res.Logs)
	assert.Equal(t, int64(2), res.Usage)
	assert.Len(t, st.Logs(storage.LogQuery{}), 1)
	assert.Len(t, st.Usage(storage.UsageQuery{}), 1)
}

func TestDefaults(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, now.AddDate(0, 0, -89))
	j, err := New(Config{Now: func() time.Time { return now }}, st, st, logx.Nop())
	require.NoError(t, err)
	res, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Logs, "89 days is inside the default 90 day window")
}

func TestBadSchedule(t *testing.T) {
	st := storage.NewMemory()
	_, err := New(Config{Schedule: "every tuesday"}, st, st, logx.Nop())
	require.Error(t, err)

	_, err = New(Config{}, nil, nil, logx.Nop())
	require.Error(t, err)
}

func TestClosedStoreReportsError(t *testing.T) {
	st := storage.NewMemory()
	require.NoError(t, st.Close())
	j, err := New(Config{}, st, st, logx.Nop())
	require.NoError(t, err)
	_, err = j.RunOnce(context.Background())
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}

func TestScheduledRun(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, time.Now().AddDate(0, 0, -400))

	j, err := New(Config{Schedule: "@every 1s", Location: time.UTC}, st, st, logx.Nop())
	require.NoError(t, err)
	j.Start(context.Background())
	j.Start(context.Background())

	require.Eventually(t, func() bool { return len(st.Logs(storage.LogQuery{})) == 0 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, j.Stop(ctx))
	require.NoError(t, j.Stop(ctx))
}
