// Package metrics defines the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for EventsReceived.
const (
	ResultAccepted    = "accepted"
	ResultRateLimited = "rate_limited"
	ResultInvalid     = "invalid"
	ResultBlocked     = "blocked"
	ResultRejected    = "rejected"
	ResultEphemeral   = "ephemeral"
)

type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	SubscriptionsActive prometheus.Gauge
	ConnectionsRejected prometheus.Counter

	EventsReceived      *prometheus.CounterVec
	MessagesReceived    *prometheus.CounterVec
	BroadcastDeliveries prometheus.Counter
	BroadcastDropped    prometheus.Counter
	QueryDuration       prometheus.Histogram

	HTTPAuthFailures prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors on registry. A nil registry uses a fresh
// one with the Go and process collectors attached.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(registry)

	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Number of open websocket connections",
		}),
		SubscriptionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscriptions_active",
			Help: "Number of live subscriptions across all connections",
		}),
		ConnectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Connections refused by the per-source ceiling",
		}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_received_total",
			Help: "Published events by outcome",
		}, []string{"result"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Client messages by type",
		}, []string{"type"}),
		BroadcastDeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcast_deliveries_total",
			Help: "Events queued to subscribers by fan-out",
		}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcast_dropped_total",
			Help: "Fan-out messages dropped because a send queue was full",
		}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_query_duration_seconds",
			Help:    "Time spent answering the stored-event part of a REQ",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPAuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_http_auth_failures_total",
			Help: "Signed HTTP requests that failed verification",
		}),
		gatherer: registry,
	}
}

// Handler serves the exposition format for this set of collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
