// Package metrics holds the Prometheus instrumentation for the SSE bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge. Pass to components
// that need to record them; construct with an injected registry so tests can
// use isolated registries.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	DispatchTotal     *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	MessagesStreamed  prometheus.Counter
	BackpressureTotal prometheus.Counter
}

// New creates and registers all metrics with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "servicenow_mcp",
				Name:      "active_sessions",
				Help:      "Number of currently open SSE sessions",
			},
		),
		SessionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "servicenow_mcp",
				Name:      "sessions_total",
				Help:      "Total number of SSE sessions opened",
			},
		),
		DispatchTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "servicenow_mcp",
				Name:      "dispatch_requests_total",
				Help:      "Requests on the shared delivery path",
			},
			[]string{"method", "status"},
		),
		MessagesDelivered: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "servicenow_mcp",
				Name:      "messages_delivered_total",
				Help:      "Client messages accepted onto a session's inbound queue",
			},
		),
		MessagesStreamed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "servicenow_mcp",
				Name:      "messages_streamed_total",
				Help:      "Protocol messages written to SSE streams",
			},
		),
		BackpressureTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "servicenow_mcp",
				Name:      "backpressure_rejections_total",
				Help:      "Deliveries rejected because a session's inbound queue stayed full",
			},
		),
	}
}
