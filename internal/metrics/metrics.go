// Package metrics exposes dispatch and queue counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"notifygate/internal/channel"
	"notifygate/internal/dispatch"
	"notifygate/internal/eventbus"
	"notifygate/internal/notification"
	"notifygate/internal/queue"
	logx "notifygate/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifygate"

type Metrics struct {
	reg *prometheus.Registry

	dispatchTotal *prometheus.CounterVec
	dispatchCost  *prometheus.CounterVec
	sendDuration  *prometheus.HistogramVec
	queueEvents   *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Send attempts by channel and audit status.",
		}, []string{"channel", "status"}),
		dispatchCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cost_total",
			Help:      "Accumulated cost of send attempts by channel.",
		}, []string{"channel"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_send_duration_seconds",
			Help:      "Channel transport latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "result"}),
		queueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_total",
			Help:      "Queue enqueues, drops and handled items.",
		}, []string{"channel", "event"}),
	}
	m.reg.MustRegister(
		m.dispatchTotal,
		m.dispatchCost,
		m.sendDuration,
		m.queueEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe folds one bus event into the counters. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case dispatch.EventCompleted:
		res, ok := e.Data.(dispatch.Result)
		if !ok {
			return
		}
		m.dispatchTotal.WithLabelValues(res.Channel, string(res.Status)).Inc()
		if c, _ := res.Cost.Float64(); c > 0 {
			m.dispatchCost.WithLabelValues(res.Channel).Add(c)
		}
	case queue.EventEnqueued, queue.EventDropped, queue.EventHandled:
		ev, ok := e.Data.(queue.Event)
		if !ok {
			return
		}
		m.queueEvents.WithLabelValues(ev.Channel, e.Type).Inc()
	}
}

// Consume observes bus events until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Instrument wraps ch so every Send is timed.
func (m *Metrics) Instrument(ch channel.Channel) channel.Channel {
	if ch == nil {
		return nil
	}
	return &instrumented{Channel: ch, hist: m.sendDuration}
}

type instrumented struct {
	channel.Channel
	hist *prometheus.HistogramVec
}

func (i *instrumented) Send(ctx context.Context, n notification.Notification) (ok bool, err error) {
	start := time.Now()
	result := "panic"
	defer func() {
		i.hist.WithLabelValues(i.Name(), result).Observe(time.Since(start).Seconds())
	}()
	ok, err = i.Channel.Send(ctx, n)
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "ok"
	default:
		result = "failed"
	}
	return ok, err
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", logx.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
