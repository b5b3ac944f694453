// README: Prometheus collectors shared by the engine.
package infra

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the engine. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	storeOps        *prometheus.HistogramVec
	positionUpdates *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	published       *prometheus.CounterVec
	pushes          *prometheus.CounterVec
	lockBusy        *prometheus.CounterVec
}

// NewMetrics registers collectors on reg, reusing collectors that are already
// registered. A nil reg defaults to the global registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		storeOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convoy_store_op_duration_seconds",
			Help:    "Latency of round trips to Redis, Postgres and RabbitMQ",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		positionUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_position_updates_total",
			Help: "Worker position writes by result",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_dispatch_total",
			Help: "Dispatch pipeline passes by outcome",
		}, []string{"outcome"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_events_published_total",
			Help: "Lifecycle events published to the broker",
		}, []string{"routing_key", "result"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_realtime_push_total",
			Help: "Live-connection pushes by event and delivery",
		}, []string{"event", "delivered"}),
		lockBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convoy_lock_busy_total",
			Help: "Lock acquisitions that exhausted the retry budget",
		}, []string{"lock"}),
	}
	var err error
	if m.storeOps, err = register(reg, m.storeOps); err != nil {
		return nil, err
	}
	if m.positionUpdates, err = register(reg, m.positionUpdates); err != nil {
		return nil, err
	}
	if m.dispatches, err = register(reg, m.dispatches); err != nil {
		return nil, err
	}
	if m.published, err = register(reg, m.published); err != nil {
		return nil, err
	}
	if m.pushes, err = register(reg, m.pushes); err != nil {
		return nil, err
	}
	if m.lockBusy, err = register(reg, m.lockBusy); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) ObserveStoreOp(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storeOps.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (m *Metrics) PositionUpdate(accepted bool) {
	if m == nil {
		return
	}
	result := "stale"
	if accepted {
		result = "accepted"
	}
	m.positionUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Published(routingKey string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(routingKey, result).Inc()
}

func (m *Metrics) Push(event string, delivered bool) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(event, strconv.FormatBool(delivered)).Inc()
}

func (m *Metrics) LockBusy(lock string) {
	if m == nil {
		return
	}
	m.lockBusy.WithLabelValues(lock).Inc()
}
