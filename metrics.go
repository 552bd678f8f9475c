package wsys

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the broker's and transport's Prometheus collector.
type Metrics struct {
	Dispatched *prometheus.CounterVec // by op
	Relayed    prometheus.Counter
	Dropped    *prometheus.CounterVec // by reason
	Replies    *prometheus.CounterVec // by op (reply or error)

	Clients  prometheus.Gauge
	Channels prometheus.Gauge

	AuthFailures prometheus.Counter
	Teardowns    *prometheus.CounterVec // by reason
	BytesIn      prometheus.Counter
	BytesOut     prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics is registered once with the default
// Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics registers a fresh collector with reg. Tests
// pass prometheus.NewRegistry() to stay independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsys",
				Name:      "messages_dispatched_total",
				Help:      "Messages handled locally by the broker",
			},
			[]string{"op"},
		),
		Relayed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wsys",
				Name:      "messages_relayed_total",
				Help:      "Messages forwarded to another client",
			},
		),
		Dropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsys",
				Name:      "messages_dropped_total",
				Help:      "Messages dropped with a warning",
			},
			[]string{"reason"},
		),
		Replies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsys",
				Name:      "replies_total",
				Help:      "Replies sent, by opcode",
			},
			[]string{"op"},
		),
		Clients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wsys",
				Name:      "clients",
				Help:      "Authenticated clients currently connected",
			},
		),
		Channels: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wsys",
				Name:      "channels",
				Help:      "Open data channels across all clients",
			},
		),
		AuthFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wsys",
				Name:      "auth_failures_total",
				Help:      "Control connections refused during authentication",
			},
		),
		Teardowns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsys",
				Name:      "client_teardowns_total",
				Help:      "Client connections torn down",
			},
			[]string{"reason"},
		),
		BytesIn: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wsys",
				Name:      "channel_bytes_read_total",
				Help:      "Bytes read from data channels",
			},
		),
		BytesOut: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wsys",
				Name:      "channel_bytes_written_total",
				Help:      "Bytes written to data channels",
			},
		),
	}
}
