package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates Prometheus metrics across the server.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	DisconnectsTotal  *prometheus.CounterVec
	PacketsDispatched *prometheus.CounterVec
	PermissionDenials prometheus.Counter
	DispatchDuration  prometheus.Histogram
}

// NewMetrics registers the server metrics with reg (the default
// registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "apphub",
			Name:      "active_sessions",
			Help:      "Number of live sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apphub",
			Name:      "sessions_total",
			Help:      "Total sessions admitted since start.",
		}),
		DisconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apphub",
			Name:      "disconnects_total",
			Help:      "Disconnects by reason code.",
		}, []string{"reason"}),
		PacketsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apphub",
			Name:      "packets_dispatched_total",
			Help:      "Packets dispatched by type.",
		}, []string{"type"}),
		PermissionDenials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apphub",
			Name:      "permission_denials_total",
			Help:      "Requests rejected for lacking a grant.",
		}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "apphub",
			Name:      "dispatch_duration_seconds",
			Help:      "Packet dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
