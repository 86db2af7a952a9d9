// Package metrics 服务的 Prometheus 指标。*Metrics 为 nil 时所有方法都是空操作
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "board"

type Metrics struct {
	Mutations      *prometheus.CounterVec
	MoveDuration   prometheus.Histogram
	Rebalances     *prometheus.CounterVec
	RelayDelivered prometheus.Counter
	RelayDropped   prometheus.Counter
	Connections    prometheus.Gauge
	Rejected       prometheus.Counter
	KafkaDropped   prometheus.Counter
}

// New 注册到 reg；reg 为 nil 时用 prometheus.DefaultRegisterer
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Board mutations by operation and result.",
		}, []string{"op", "result"}),
		MoveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "move_duration_seconds",
			Help:      "Latency of move requests, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		}),
		Rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Container rebalances by entity kind.",
		}, []string{"kind"}),
		RelayDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_delivered_total",
			Help:      "Events enqueued to room members.",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_total",
			Help:      "Events dropped because a member send buffer was full.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open authenticated websocket connections.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_rejected_total",
			Help:      "Websocket connections closed because authentication failed.",
		}),
		KafkaDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_dropped_total",
			Help:      "Activity events dropped after exhausting retries.",
		}),
	}
	reg.MustRegister(m.Mutations, m.MoveDuration, m.Rebalances, m.RelayDelivered,
		m.RelayDropped, m.Connections, m.Rejected, m.KafkaDropped)
	return m
}

func (m *Metrics) Mutation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Mutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveMove(start time.Time) {
	if m == nil {
		return
	}
	m.MoveDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) Rebalanced(kind string) {
	if m == nil {
		return
	}
	m.Rebalances.WithLabelValues(kind).Inc()
}

func (m *Metrics) Relayed(delivered, dropped int) {
	if m == nil {
		return
	}
	m.RelayDelivered.Add(float64(delivered))
	m.RelayDropped.Add(float64(dropped))
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) ConnRejected() {
	if m == nil {
		return
	}
	m.Rejected.Inc()
}

func (m *Metrics) ActivityDropped() {
	if m == nil {
		return
	}
	m.KafkaDropped.Inc()
}
