// Package retention prunes audit and usage rows past the retention horizon.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifygate/internal/storage"
	logx "notifygate/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	DefaultDays     = 90
	DefaultSchedule = "@daily"
)

type Config struct {
	Days     int
	Schedule string
	Location *time.Location
	// Timeout bounds one prune run.
	Timeout time.Duration
	Now     func() time.Time
}

// Result reports one prune run.
type Result struct {
	Cutoff time.Time
	Logs   int64
	Usage  int64
}

type Job struct {
	cfg   Config
	logs  storage.LogStore
	usage storage.UsageStore
	log   logx.Logger

	parser cron.Parser
	sched  cron.Schedule

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, logs storage.LogStore, usage storage.UsageStore, log logx.Logger) (*Job, error) {
	if cfg.Days <= 0 {
		cfg.Days = DefaultDays
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logs == nil && usage == nil {
		return nil, errors.New("retention: no store to prune")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.Schedule, err)
	}
	return &Job{
		cfg:    cfg,
		logs:   logs,
		usage:  usage,
		log:    log.With(logx.String("comp", "retention")),
		parser: parser,
		sched:  sched,
	}, nil
}

// Start registers the cron entry. Runs use ctx as their parent.
func (j *Job) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return
	}
	j.c = cron.New(cron.WithParser(j.parser), cron.WithLocation(j.cfg.Location))
	j.c.Schedule(j.sched, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Error("retention run failed", logx.Err(err))
		}
	}))
	j.c.Start()
	j.log.Info("retention started",
		logx.String("schedule", j.cfg.Schedule),
		logx.Int("days", j.cfg.Days),
		logx.Time("next", j.sched.Next(j.cfg.Now().In(j.cfg.Location))),
	)
}

// Stop removes the cron entry and waits for a running prune until ctx expires.
func (j *Job) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce deletes rows older than the configured number of days.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	res := Result{Cutoff: j.cfg.Now().AddDate(0, 0, -j.cfg.Days)}
	var errs []error
	if j.logs != nil {
		n, err := j.logs.PruneLogs(ctx, res.Cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune logs: %w", err))
		}
		res.Logs = n
	}
	if j.usage != nil {
		n, err := j.usage.PruneUsage(ctx, res.Cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune usage: %w", err))
		}
		res.Usage = n
	}
	j.log.Info("retention run finished",
		logx.Time("cutoff", res.Cutoff),
		logx.Int64("logs", res.Logs),
		logx.Int64("usage", res.Usage),
	)
	return res, errors.Join(errs...)
}
