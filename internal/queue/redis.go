package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"notifygate/internal/eventbus"
	"notifygate/internal/notification"
	rtsup "notifygate/internal/runtime/supervisor"
	logx "notifygate/pkg/logx"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// envelope is the sorted-set member. Token keeps members unique when the
// same notification is scheduled twice.
type envelope struct {
	Token        string                    `json:"token"`
	Notification notification.Notification `json:"notification"`
}

// Redis stores scheduled notifications in a sorted set scored by due time
// (unix ms). Any number of processes may produce; consumers claim due members
// with ZREM, so each member is handled once.
type Redis struct {
	cfg        Config
	rdb        redis.UniversalClient
	ownsClient bool
	log        logx.Logger
	bus        eventbus.Bus
	now        func() time.Time

	mu     sync.Mutex
	pool   *pool
	poller *rtsup.Supervisor
	closed bool
}

// OpenRedis dials cfg.Redis and verifies the connection.
func OpenRedis(cfg Config, log logx.Logger, bus eventbus.Bus) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	r := NewRedis(cfg, client, log, bus)
	r.ownsClient = true
	return r, nil
}

// NewRedis uses an existing client; the caller keeps ownership of it.
func NewRedis(cfg Config, rdb redis.UniversalClient, log logx.Logger, bus eventbus.Bus) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{
		cfg: cfg.withDefaults(),
		rdb: rdb,
		log: log.With(logx.String("comp", "queue.redis")),
		bus: bus,
		now: time.Now,
	}
}

func (r *Redis) Enabled() bool { return true }

// Dispatch works without Start, so a process can schedule sends that another
// process consumes.
func (r *Redis) Dispatch(ctx context.Context, n notification.Notification, delay time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrStopped
	}

	delay = max(delay, 0)
	if limit := r.cfg.QueueSize; limit > 0 {
		size, err := r.rdb.ZCard(ctx, r.cfg.Redis.Key).Result()
		if err != nil {
			return fmt.Errorf("queue size: %w", err)
		}
		if size >= int64(limit) {
			eventbus.Publish(r.bus, EventDropped, Event{ID: n.ID(), Channel: n.Channel(), Error: ErrQueueFull.Error()})
			return ErrQueueFull
		}
	}

	data, err := json.Marshal(envelope{Token: uuid.NewString(), Notification: n})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	due := r.now().Add(delay).UnixMilli()
	if err := r.rdb.ZAdd(ctx, r.cfg.Redis.Key, redis.Z{Score: float64(due), Member: data}).Err(); err != nil {
		return fmt.Errorf("schedule notification: %w", err)
	}
	eventbus.Publish(r.bus, EventEnqueued, Event{ID: n.ID(), Channel: n.Channel(), Delay: delay})
	r.log.Debug("notification scheduled", logx.String("id", n.ID()), logx.Duration("delay", delay))
	return nil
}

func (r *Redis) DispatchAt(ctx context.Context, n notification.Notification, when time.Time) error {
	return r.Dispatch(ctx, n, delayUntil(when, r.now()))
}

func (r *Redis) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("queue: nil handler")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrStopped
	}
	if r.pool != nil {
		return nil
	}
	r.pool = newPool(ctx, r.cfg, h, r.log, r.bus)
	r.poller = rtsup.New(ctx, rtsup.WithLogger(r.log))
	p := r.pool
	r.poller.GoRestart("redis.poll", func(c context.Context) error { return r.pollLoop(c, p) },
		rtsup.WithRestartBackoff(r.cfg.PollInterval, 30*time.Second))
	r.log.Info("queue started",
		logx.String("key", r.cfg.Redis.Key),
		logx.Int("workers", r.cfg.Workers),
		logx.Duration("poll", r.cfg.PollInterval),
	)
	return nil
}

func (r *Redis) pollLoop(ctx context.Context, p *pool) error {
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()
	for {
		if err := r.claim(ctx, p); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// claim moves due members into the worker pool. A member belongs to whoever
// removes it.
func (r *Redis) claim(ctx context.Context, p *pool) error {
	now := r.now().UnixMilli()
	members, err := r.rdb.ZRangeByScore(ctx, r.cfg.Redis.Key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: int64(r.cfg.BatchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("poll due notifications: %w", err)
	}
	for _, m := range members {
		removed, err := r.rdb.ZRem(ctx, r.cfg.Redis.Key, m).Result()
		if err != nil {
			return fmt.Errorf("claim notification: %w", err)
		}
		if removed == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			r.log.Warn("dropping undecodable queue member", logx.Err(err))
			continue
		}
		if !p.offerWait(ctx, env.Notification) {
			// Shutting down: hand the member back for the next consumer.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := r.rdb.ZAdd(rctx, r.cfg.Redis.Key, redis.Z{Score: float64(now), Member: m}).Err()
			cancel()
			if err != nil {
				r.log.Error("failed to requeue claimed notification", logx.String("id", env.Notification.ID()), logx.Err(err))
			}
			return ctx.Err()
		}
	}
	return nil
}

// Stop halts polling, drains claimed items and closes an owned client.
// Scheduled members stay in redis.
func (r *Redis) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	p, poller := r.pool, r.poller
	r.pool, r.poller = nil, nil
	if r.ownsClient {
		r.closed = true
	}
	r.mu.Unlock()

	var err error
	if poller != nil {
		if perr := poller.Stop(ctx); perr != nil && ctx.Err() != nil {
			err = perr
		}
	}
	if p != nil && err == nil {
		err = p.drain(ctx)
	} else if p != nil {
		p.sup.Cancel()
	}
	if r.ownsClient {
		if cerr := r.rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Pending counts scheduled members in redis.
func (r *Redis) Pending(ctx context.Context) (int64, error) {
	return r.rdb.ZCard(ctx, r.cfg.Redis.Key).Result()
}
