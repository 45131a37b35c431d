package queue

import (
	"context"
	"fmt"
	"time"

	"notifygate/internal/eventbus"
	"notifygate/internal/notification"
	rtsup "notifygate/internal/runtime/supervisor"
	logx "notifygate/pkg/logx"

	"golang.org/x/time/rate"
)

// pool is the worker side shared by both backends: a bounded channel drained
// by supervised, rate-limited workers.
type pool struct {
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	h       Handler
	q       chan notification.Notification
	sup     *rtsup.Supervisor
}

func newPool(ctx context.Context, cfg Config, h Handler, log logx.Logger, bus eventbus.Bus) *pool {
	p := &pool{
		log: log,
		bus: bus,
		h:   h,
		q:   make(chan notification.Notification, cfg.QueueSize),
	}
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	if cfg.RatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(log),
		// queue failures should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), p.worker, rtsup.WithPublishFirstError(true))
	}
	return p
}

func (p *pool) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-p.q:
			if !ok {
				return nil
			}
			p.handle(ctx, n)
		}
	}
}

func (p *pool) handle(ctx context.Context, n notification.Notification) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.log.Warn("queued notification abandoned", logx.String("id", n.ID()), logx.Err(err))
			return
		}
	}
	start := time.Now()
	ok, err := p.call(ctx, n)
	ev := Event{ID: n.ID(), Channel: n.Channel(), OK: ok}
	if err != nil {
		ev.Error = err.Error()
		p.log.Error("queue handler failed", logx.String("id", n.ID()), logx.String("channel", n.Channel()), logx.Err(err))
	} else {
		p.log.Debug("queued notification handled",
			logx.String("id", n.ID()),
			logx.Bool("ok", ok),
			logx.Duration("dur", time.Since(start)),
		)
	}
	eventbus.Publish(p.bus, EventHandled, ev)
}

func (p *pool) call(ctx context.Context, n notification.Notification) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.h(ctx, n), nil
}

// offer is a non-blocking enqueue. Callers serialize it against close.
func (p *pool) offer(n notification.Notification) bool {
	select {
	case p.q <- n:
		return true
	default:
		return false
	}
}

// offerWait blocks until there is room or ctx is done.
func (p *pool) offerWait(ctx context.Context, n notification.Notification) bool {
	select {
	case p.q <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain closes intake and waits for queued items to be handled. When ctx
// expires first the workers are canceled and the remainder is dropped.
func (p *pool) drain(ctx context.Context) error {
	close(p.q)
	if err := p.sup.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			p.sup.Cancel()
			return ctx.Err()
		}
		p.log.Warn("queue workers reported an error", logx.Err(err))
	}
	p.sup.Cancel()
	return nil
}

func (p *pool) depth() int { return len(p.q) }
