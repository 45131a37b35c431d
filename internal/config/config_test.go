package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
default_channel: email
timezone: UTC
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./notifygate.db
  busy_timeout: 2s
channels:
  email:
    enabled: true
    host: smtp.example.com
    port: 587
    from: noreply@example.com
    password: hunter2
    cost: "0.005"
  console:
    enabled: true
monetization:
  currency: EUR
  priority_multipliers:
    "3": "2.5"
rate_limiting:
  enable_global_limits: true
  default_max_per_day: 100
queue:
  enabled: true
  driver: redis
  redis:
    addr: 127.0.0.1:6379
rules:
  - name: business-hours
    channel: email
    is_active: true
    allowed_hours: [9, 10, 11, 12, 13, 14, 15, 16]
    conditions:
      - field: priority
        operator: ">="
        value: 2
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "email", cfg.DefaultChannel)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.NotNil(t, cfg.Channels.Email)
	assert.Equal(t, 587, cfg.Channels.Email.Port)
	assert.Nil(t, cfg.Channels.Telegram)
	assert.Equal(t, "2.5", cfg.Monetization.PriorityMultipliers["3"])
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, notification.OpGte, cfg.Rules[0].Conditions[0].Operator)
	assert.Len(t, cfg.Rules[0].AllowedHours, 8)
	assert.Same(t, cfg, m.Get())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadJSONStrict(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "config.json", `{"default_channel":"email","bogus":1}`)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = NewConfigManager(writeFile(t, "config.json", `{"default_channel":"email"}{}`)).Load()
	require.Error(t, err)

	cfg, err := NewConfigManager(writeFile(t, "config.json", `{"default_channel":"console"}`)).Load()
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.DefaultChannel)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"empty ok", Config{}, ""},
		{"bad tz", Config{Timezone: "Mars/Olympus"}, "timezone"},
		{"sqlite without path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"bad driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"bad duration", Config{Queue: QueueConfig{PollInterval: "soon"}}, "queue.poll_interval"},
		{"negative cost", Config{Channels: ChannelsConfig{Console: &ConsoleChannel{Cost: "-1"}}}, "channels.console.cost"},
		{"email without from", Config{Channels: ChannelsConfig{Email: &EmailChannel{Enabled: true}}}, "channels.email.from"},
		{"redis without addr", Config{Queue: QueueConfig{Enabled: true, Driver: "redis"}}, "queue.redis.addr"},
		{"priority key", Config{Monetization: MonetizationConfig{PriorityMultipliers: map[string]string{"high": "2"}}}, "priority_multipliers"},
		{"metrics addr", Config{Metrics: MetricsConfig{Enabled: true}}, "metrics.addr"},
		{"invalid rule", Config{Rules: []notification.Rule{{Name: "x"}}}, "rules[0]"},
		{"duplicate rule", Config{Rules: []notification.Rule{
			{Name: "x", Channel: "email"}, {Name: "x", Channel: "sms"},
		}}, "duplicate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	require.Error(t, Validate(nil))
}

func TestParseDecimalField(t *testing.T) {
	d, err := ParseDecimalField("x", " 0.25 ")
	require.NoError(t, err)
	assert.Equal(t, "0.25", d.String())

	d, err = ParseDecimalField("x", "")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = ParseDecimalField("x", "abc")
	require.Error(t, err)
}

func TestSummarizeNeverLogsSecrets(t *testing.T) {
	oldCfg := &Config{Channels: ChannelsConfig{Email: &EmailChannel{Password: "old-secret"}}}
	newCfg := &Config{
		Channels: ChannelsConfig{
			Email:    &EmailChannel{Password: "new-secret", Host: "smtp"},
			Telegram: &TelegramChannel{Token: "123:ABC"},
		},
		Logging: LoggingConfig{Level: "debug"},
		Rules:   []notification.Rule{{Name: "r1", Channel: "email"}},
	}
	sections, attrs, rules := SummarizeConfigChange(oldCfg, newCfg)
	assert.ElementsMatch(t, []string{"logging", "channels", "rules"}, sections)
	assert.Equal(t, []string{"r1"}, rules)
	assert.Equal(t, []string{"channels"}, RestartRequired(sections))

	var sb strings.Builder
	logx.NewWriter(&sb, "DEBUG").Info("config reloaded", attrs...)
	out := sb.String()
	assert.NotContains(t, out, "new-secret")
	assert.NotContains(t, out, "123:ABC")
	assert.Contains(t, out, "password_set")
}

func TestSummarizeNoChange(t *testing.T) {
	cfg := &Config{DefaultChannel: "email", Monetization: MonetizationConfig{PriorityMultipliers: map[string]string{"1": "1"}}}
	sections, _, rules := SummarizeConfigChange(cfg, cfg)
	assert.Empty(t, sections)
	assert.Empty(t, rules)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := writeFile(t, "config.yaml", "default_channel: email\n")
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// An invalid file is rejected and the committed config is kept.
	require.NoError(t, os.WriteFile(p, []byte("default_channel: email\ntimezone: Nowhere/Land\n"), 0o644))
	time.Sleep(2 * reloadDebounce)
	assert.Empty(t, m.Get().Timezone)

	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte("default_channel: telegram\n"), 0o644)
		select {
		case cfg := <-sub:
			return cfg.DefaultChannel == "telegram"
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "telegram", m.Get().DefaultChannel)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{DefaultChannel: "a"})
	m.publish(&Config{DefaultChannel: "b"})
	got := <-sub
	assert.Equal(t, "b", got.DefaultChannel)

	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
	m.publish(&Config{})
}
