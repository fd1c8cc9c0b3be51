package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflect_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflect_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflect_rate_limited_total",
			Help: "Requests rejected by a rate limiter.",
		},
		[]string{"scope"},
	)

	VoiceChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflect_voice_checks_total",
			Help: "Voice recording permission checks by decision reason.",
		},
		[]string{"decision"},
	)

	VoiceIncrementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflect_voice_increments_total",
			Help: "Voice messages counted against the usage record.",
		},
	)

	CollaboratorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflect_collaborator_requests_total",
			Help: "Calls to external collaborators (medplum, revenuecat) by outcome.",
		},
		[]string{"collaborator", "operation", "outcome"},
	)

	CollaboratorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reflect_collaborator_request_duration_seconds",
			Help:    "Latency of calls to external collaborators.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collaborator", "operation"},
	)

	BillingState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflect_billing_state",
			Help: "Billing service lifecycle state (0 uninitialized, 1 initializing, 2 ready, 3 failed).",
		},
	)

	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflect_live_connections",
			Help: "Connected websocket clients receiving thread updates.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitedTotal,
		VoiceChecksTotal,
		VoiceIncrementsTotal,
		CollaboratorRequestsTotal,
		CollaboratorRequestDuration,
		BillingState,
		LiveConnections,
	)
}
