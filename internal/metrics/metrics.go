// Package metrics holds the Prometheus collectors for call signaling and the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsCreated counts records inserted in dialing, by call type.
	CallsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_created_total",
			Help: "Call records created, by type.",
		},
		[]string{"type"},
	)

	// Transitions counts status transition requests by target status and result
	// (ok, noop, invalid, error).
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_transitions_total",
			Help: "Call status transition requests, by target status and result.",
		},
		[]string{"to", "result"},
	)

	MediaUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_media_updates_total",
			Help: "Media state updates, by side and result.",
		},
		[]string{"side", "result"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_store_errors_total",
			Help: "Call record store failures, by operation.",
		},
		[]string{"op"},
	)

	// Subscriptions is the number of open live feeds, by kind (call, incoming).
	Subscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "call_subscriptions_active",
			Help: "Open call record subscriptions, by kind.",
		},
		[]string{"kind"},
	)

	SubscriptionsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_subscriptions_lost_total",
			Help: "Subscriptions dropped by the store or for a slow consumer, by kind.",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Result labels shared by the counters above.
const (
	ResultOK      = "ok"
	ResultNoop    = "noop"
	ResultInvalid = "invalid"
	ResultError   = "error"
)
