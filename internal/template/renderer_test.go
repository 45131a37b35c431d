package template

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+DefaultExtension), []byte(body), 0o600))
}

func TestRenderFromDir(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "welcome", "Hi {{.name}} ({{.recipient}}) on {{.channel}}: {{.message}} [p{{.notification.Priority}}]")

	r := New(Config{Dir: dir}, logx.Nop())
	n := notification.New("email", "a@example.com", "raw body",
		notification.WithTemplate("welcome"),
		notification.WithTemplateData(map[string]any{"name": "Ann"}),
		notification.WithPriority(2),
		notification.WithSubject("Hello"),
	)
	out, err := r.Render(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ann (a@example.com) on email: raw body [p2]", out.Message())

	// Only the message changes.
	assert.Equal(t, n.ID(), out.ID())
	assert.Equal(t, "Hello", out.Subject())
	assert.Equal(t, "welcome", out.Template())
	assert.Equal(t, "raw body", n.Message())
}

func TestTemplateDataOverridesBaseKeys(t *testing.T) {
	r := New(Config{}, logx.Nop())
	require.NoError(t, r.Register("greet", "{{.message}}"))
	n := notification.New("email", "a", "original",
		notification.WithTemplate("greet"),
		notification.WithTemplateData(map[string]any{"message": "overridden"}),
	)
	out, err := r.Render(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "overridden", out.Message())
}

func TestMissingTemplateFallsBack(t *testing.T) {
	r := New(Config{Dir: t.TempDir()}, logx.Nop())
	n := notification.New("email", "a", "plain", notification.WithTemplate("nope"))
	out, err := r.Render(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "plain", out.Message())

	noTemplate := notification.New("email", "a", "plain")
	out, err = r.Render(context.Background(), noTemplate)
	require.NoError(t, err)
	assert.Equal(t, "plain", out.Message())
}

func TestBrokenTemplateIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "broken", "{{.name")
	r := New(Config{Dir: dir}, logx.Nop())
	_, err := r.Render(context.Background(), notification.New("email", "a", "m", notification.WithTemplate("broken")))
	require.Error(t, err)

	require.Error(t, r.Register("bad", "{{end}}"))
}

func TestRenderCache(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "alert", "v1 {{.host}}")
	r := New(Config{Dir: dir, CacheEnabled: true}, logx.Nop())
	ctx := context.Background()

	mk := func(host string) notification.Notification {
		return notification.New("console", "ops", "m",
			notification.WithTemplate("alert"),
			notification.WithTemplateData(map[string]any{"host": host}),
		)
	}
	out, err := r.Render(ctx, mk("db1"))
	require.NoError(t, err)
	assert.Equal(t, "v1 db1", out.Message())

	// Edit the file: cached output wins until reload.
	writeTemplate(t, dir, "alert", "v2 {{.host}}")
	r.mu.Lock()
	delete(r.templates, "alert")
	r.mu.Unlock()

	out, err = r.Render(ctx, mk("db1"))
	require.NoError(t, err)
	assert.Equal(t, "v1 db1", out.Message())

	out, err = r.Render(ctx, mk("db2"))
	require.NoError(t, err)
	assert.Equal(t, "v2 db2", out.Message())

	r.Reload()
	out, err = r.Render(ctx, mk("db1"))
	require.NoError(t, err)
	assert.Equal(t, "v2 db1", out.Message())
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"welcome":          "welcome",
		"../../etc/passwd": "..etc.passwd",
		`..\secret`:        ".secret",
		"emails/welcome":   "emails.welcome",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), in)
	}
}

func TestTraversalStaysInDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "templates")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.tmpl"), []byte("leaked"), 0o600))

	r := New(Config{Dir: dir}, logx.Nop())
	out, err := r.Render(context.Background(), notification.New("email", "a", "safe", notification.WithTemplate("../secret")))
	require.NoError(t, err)
	assert.Equal(t, "safe", out.Message())
}

func TestCachedRenderIgnoresID(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "ack", "{{.notification.Channel}}/{{.notification.Priority}} id={{.notification.ID}}")
	r := New(Config{Dir: dir, CacheEnabled: true}, logx.Nop())
	ctx := context.Background()

	first := notification.New("console", "ops", "m", notification.WithTemplate("ack"), notification.WithPriority(3))
	second := notification.New("console", "ops", "m", notification.WithTemplate("ack"), notification.WithPriority(3))

	a, err := r.Render(ctx, first)
	require.NoError(t, err)
	b, err := r.Render(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, a.Message(), b.Message())
	assert.True(t, strings.HasPrefix(a.Message(), "console/3 id="), a.Message())
	assert.NotContains(t, a.Message(), first.ID())
	assert.NotContains(t, b.Message(), second.ID())
}
