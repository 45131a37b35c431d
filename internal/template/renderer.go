// Package template renders notification bodies from named text/template files.
package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"

	gocache "github.com/patrickmn/go-cache"
)

var ErrTemplateNotFound = errors.New("template not found")

const DefaultExtension = ".tmpl"

type Config struct {
	// Dir holds <name>.tmpl files. Empty means only registered templates.
	Dir          string
	Extension    string
	CacheEnabled bool
	CacheTTL     time.Duration
}

// Renderer loads templates lazily from Dir and caches rendered output.
type Renderer struct {
	cfg Config
	log logx.Logger

	mu        sync.RWMutex
	templates map[string]*template.Template

	cache *gocache.Cache
}

func New(cfg Config, log logx.Logger) *Renderer {
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Renderer{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "template")),
		templates: map[string]*template.Template{},
	}
	if cfg.CacheEnabled {
		r.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r
}

// Register adds or replaces an in-memory template.
func (r *Renderer) Register(name, body string) error {
	name = SanitizeName(name)
	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	r.mu.Lock()
	r.templates[name] = tmpl
	r.mu.Unlock()
	r.ClearCache()
	return nil
}

// Render returns n with its message replaced by the rendered template. A
// notification without a template, or naming a template that does not exist,
// is returned unchanged.
func (r *Renderer) Render(ctx context.Context, n notification.Notification) (notification.Notification, error) {
	_ = ctx
	if n.Template() == "" {
		return n, nil
	}
	name := SanitizeName(n.Template())
	data := renderData(n)

	var key string
	if r.cache != nil {
		key = cacheKey(name, data)
		if v, ok := r.cache.Get(key); ok {
			if s, ok := v.(string); ok {
				return n.WithMessage(s), nil
			}
		}
	}

	tmpl, err := r.lookup(name)
	if errors.Is(err, ErrTemplateNotFound) {
		r.log.Debug("template missing, using raw message", logx.String("template", name), logx.String("id", n.ID()))
		return n, nil
	}
	if err != nil {
		return n, err
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return n, fmt.Errorf("render template %s: %w", name, err)
	}
	rendered := out.String()
	if r.cache != nil {
		r.cache.SetDefault(key, rendered)
	}
	return n.WithMessage(rendered), nil
}

func (r *Renderer) lookup(name string) (*template.Template, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}
	if r.cfg.Dir == "" {
		return nil, ErrTemplateNotFound
	}

	path := filepath.Join(r.cfg.Dir, name+r.cfg.Extension)
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	tmpl, err = template.New(name).Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}

	r.mu.Lock()
	r.templates[name] = tmpl
	r.mu.Unlock()
	return tmpl, nil
}

// Reload drops parsed file templates and the render cache so edited files are
// picked up. Registered templates are dropped too.
func (r *Renderer) Reload() {
	r.mu.Lock()
	r.templates = map[string]*template.Template{}
	r.mu.Unlock()
	r.ClearCache()
}

func (r *Renderer) ClearCache() {
	if r.cache != nil {
		r.cache.Flush()
	}
}

// SanitizeName flattens path separators and parent references to dots so a
// template name can never leave Dir.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	for _, s := range []string{"../", `..\`, "/", `\`} {
		name = strings.ReplaceAll(name, s, ".")
	}
	return name
}

// renderData is everything a template sees. The notification view leaves
// out the id so a cached render is valid for every attempt.
func renderData(n notification.Notification) map[string]any {
	data := map[string]any{
		"notification": map[string]any{
			"Channel":   n.Channel(),
			"Recipient": n.Recipient(),
			"Message":   n.Message(),
			"Subject":   n.Subject(),
			"Priority":  n.Priority(),
			"Tags":      n.Tags(),
			"Metadata":  n.Metadata(),
			"Template":  n.Template(),
		},
		"message":   n.Message(),
		"subject":   n.Subject(),
		"recipient": n.Recipient(),
		"channel":   n.Channel(),
	}
	for k, v := range n.TemplateData() {
		data[k] = v
	}
	return data
}

func cacheKey(name string, data map[string]any) string {
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", data))
	}
	sum := sha256.Sum256(b)
	return "tmpl:" + name + ":" + hex.EncodeToString(sum[:])
}
