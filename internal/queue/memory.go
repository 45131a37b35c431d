package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"notifygate/internal/eventbus"
	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"
)

// Memory keeps delayed items on one-shot timers inside the process. Pending
// timers are discarded on Stop; use the redis backend when scheduled sends
// must survive a restart.
type Memory struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	mu     sync.Mutex
	pool   *pool
	timers map[uint64]*time.Timer
	seq    uint64
}

func NewMemory(cfg Config, log logx.Logger, bus eventbus.Bus) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Memory{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "queue.memory")),
		bus:    bus,
		now:    time.Now,
		timers: map[uint64]*time.Timer{},
	}
}

func (m *Memory) Enabled() bool { return true }

// Start is idempotent while running.
func (m *Memory) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("queue: nil handler")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		return nil
	}
	m.pool = newPool(ctx, m.cfg, h, m.log, m.bus)
	m.log.Info("queue started", logx.Int("workers", m.cfg.Workers), logx.Int("size", m.cfg.QueueSize))
	return nil
}

func (m *Memory) Dispatch(ctx context.Context, n notification.Notification, delay time.Duration) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	delay = max(delay, 0)

	m.mu.Lock()
	if m.pool == nil {
		m.mu.Unlock()
		return ErrStopped
	}
	if delay == 0 {
		ok := m.pool.offer(n)
		m.mu.Unlock()
		if !ok {
			eventbus.Publish(m.bus, EventDropped, Event{ID: n.ID(), Channel: n.Channel(), Error: ErrQueueFull.Error()})
			return ErrQueueFull
		}
		eventbus.Publish(m.bus, EventEnqueued, Event{ID: n.ID(), Channel: n.Channel()})
		return nil
	}

	m.seq++
	id := m.seq
	m.timers[id] = time.AfterFunc(delay, func() { m.fire(id, n) })
	m.mu.Unlock()

	eventbus.Publish(m.bus, EventEnqueued, Event{ID: n.ID(), Channel: n.Channel(), Delay: delay})
	m.log.Debug("notification scheduled", logx.String("id", n.ID()), logx.Duration("delay", delay))
	return nil
}

func (m *Memory) DispatchAt(ctx context.Context, n notification.Notification, when time.Time) error {
	return m.Dispatch(ctx, n, delayUntil(when, m.now()))
}

func (m *Memory) fire(id uint64, n notification.Notification) {
	m.mu.Lock()
	if _, ok := m.timers[id]; !ok {
		// Discarded by Stop.
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	ok := m.pool.offer(n)
	m.mu.Unlock()

	if !ok {
		m.log.Warn("scheduled notification dropped, queue full", logx.String("id", n.ID()), logx.String("channel", n.Channel()))
		eventbus.Publish(m.bus, EventDropped, Event{ID: n.ID(), Channel: n.Channel(), Error: ErrQueueFull.Error()})
	}
}

// Stop discards pending timers, closes intake and drains queued items until
// ctx expires.
func (m *Memory) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	p := m.pool
	if p == nil {
		m.mu.Unlock()
		return nil
	}
	for _, t := range m.timers {
		t.Stop()
	}
	discarded := len(m.timers)
	m.timers = map[uint64]*time.Timer{}
	m.pool = nil
	m.mu.Unlock()

	if discarded > 0 {
		m.log.Warn("pending scheduled notifications discarded", logx.Int("count", discarded))
	}
	return p.drain(ctx)
}

// Pending reports scheduled plus queued items.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.timers)
	if m.pool != nil {
		n += m.pool.depth()
	}
	return n
}
