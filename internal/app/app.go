// Package app wires the file config into a running gateway: storage,
// channels, admission, pricing, templates, the async queue, retention and
// metrics, plus config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifygate/internal/channel"
	"notifygate/internal/config"
	"notifygate/internal/cost"
	"notifygate/internal/dispatch"
	"notifygate/internal/eventbus"
	"notifygate/internal/metrics"
	"notifygate/internal/notification"
	"notifygate/internal/queue"
	"notifygate/internal/retention"
	"notifygate/internal/rules"
	"notifygate/internal/runtime/supervisor"
	"notifygate/internal/storage"
	tmpl "notifygate/internal/template"
	logx "notifygate/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store     storage.Store
	renderer  *tmpl.Renderer
	queue     queue.Queue
	disp      *dispatch.Dispatcher
	retention *retention.Job
	metrics   *metrics.Metrics
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
	}
	if err := a.build(cfg, root); err != nil {
		a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.log.Warn("storage disabled; rules, audit log and usage are not persisted")
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}
	var wrap func(channel.Channel) channel.Channel
	if a.metrics != nil {
		wrap = a.metrics.Instrument
	}
	channels, err := buildChannels(cfg, root, wrap)
	if err != nil {
		return err
	}
	if len(channels.Names()) == 0 {
		a.log.Warn("no channels enabled")
	}

	rc, err := mapRulesConfig(cfg)
	if err != nil {
		return err
	}
	cc, err := mapCostConfig(cfg)
	if err != nil {
		return err
	}
	tc, err := mapTemplateConfig(cfg)
	if err != nil {
		return err
	}
	a.renderer = tmpl.New(tc, root)

	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return err
	}
	q, err := queue.Open(qc, root, a.bus)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.queue = q

	var (
		ruleStore  storage.RuleStore
		logStore   storage.LogStore
		usageStore storage.UsageStore
	)
	if a.store != nil {
		ruleStore, logStore, usageStore = a.store, a.store, a.store
	}
	a.disp = dispatch.New(dispatch.Config{
		DefaultChannel:        strings.TrimSpace(cfg.DefaultChannel),
		SerializePerRecipient: cfg.Dispatch.SerializePerRecipient,
	}, dispatch.Deps{
		Channels:  channels,
		Admission: rules.New(ruleStore, logStore, rc, root),
		Costs:     cost.New(cc),
		Rules:     ruleStore,
		Logs:      logStore,
		Usage:     usageStore,
		Renderer:  a.renderer,
		Scheduler: a.queue,
		Bus:       a.bus,
	}, root)

	if cfg.Retention.Enabled {
		if a.store == nil {
			a.log.Warn("retention enabled without storage; skipping")
		} else {
			rtc, err := mapRetentionConfig(cfg)
			if err != nil {
				return err
			}
			job, err := retention.New(rtc, a.store, a.store, root)
			if err != nil {
				return err
			}
			a.retention = job
		}
	}

	return a.seedRules(context.Background(), cfg.Rules)
}

// seedRules creates the configured rules. Names already stored are kept
// unchanged.
func (a *App) seedRules(ctx context.Context, seeds []notification.Rule) error {
	if len(seeds) == 0 {
		return nil
	}
	if a.store == nil {
		return errors.New("rules configured but storage is disabled")
	}
	created := 0
	for _, r := range seeds {
		_, err := a.store.CreateRule(ctx, r)
		switch {
		case err == nil:
			created++
		case errors.Is(err, storage.ErrDuplicateRule):
		default:
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}
	a.log.Info("rules seeded", logx.Int("created", created), logx.Int("configured", len(seeds)))
	return nil
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Queue() queue.Queue               { return a.queue }
func (a *App) Logger() logx.Logger              { return a.log }
func (a *App) Config() *config.Config           { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the background parts: queue workers, retention, metrics and
// the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	// The queue outlives the supervisor context so Stop can drain it.
	if err := a.queue.Start(context.WithoutCancel(ctx), a.disp.Send); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	if a.retention != nil {
		a.retention.Start(c)
	}

	if a.metrics != nil {
		addr := strings.TrimSpace(a.cfgm.Get().Metrics.Addr)
		a.sup.Go("metrics.consume", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
		a.sup.Go("metrics.serve", func(c context.Context) error {
			return metrics.Serve(c, addr, a.metrics.Handler(), a.log)
		})
	}

	a.startEventLog()
	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Any("channels", a.disp.Channels()))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// startReload applies hot-reloadable sections. Everything else is logged as
// needing a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, rulesChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	for _, s := range sections {
		if s == "templates" {
			a.renderer.Reload()
		}
	}
	if len(rulesChanged) > 0 {
		var seeds []notification.Rule
		want := make(map[string]struct{}, len(rulesChanged))
		for _, n := range rulesChanged {
			want[n] = struct{}{}
		}
		for _, r := range newCfg.Rules {
			if _, ok := want[r.Name]; ok {
				seeds = append(seeds, r)
			}
		}
		if err := a.seedRules(ctx, seeds); err != nil {
			a.log.Warn("rule seeding failed", logx.Err(err))
		}
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("queue", 5*time.Second, a.queue.Stop)
	if a.retention != nil {
		step("retention", 2*time.Second, a.retention.Stop)
	}
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.queue != nil {
		_ = a.queue.Stop(context.Background())
	}
}
