// Package metrics provides Prometheus instrumentation for the dispatch engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// MESSAGE PIPELINE METRICS
// =============================================================================

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimesh_messages_total",
			Help: "Total messages submitted, by terminal status",
		},
		[]string{"agent", "status"}, // status: success, failed
	)

	dispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aimesh_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"endpoint"},
	)

	tokensConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimesh_tokens_consumed_total",
			Help: "Total budget tokens charged to agents",
		},
		[]string{"agent"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimesh_errors_total",
			Help: "Total pipeline errors by kind",
		},
		[]string{"kind"},
	)
)

// =============================================================================
// ROUTING AND EXECUTION METRICS
// =============================================================================

var (
	routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimesh_routing_decisions_total",
			Help: "Total routing decisions by target endpoint and reason",
		},
		[]string{"endpoint", "reason"}, // reason: lowest-cost, least-loaded, fastest, balanced
	)

	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimesh_executions_total",
			Help: "Total execution attempts against endpoints",
		},
		[]string{"endpoint", "status"}, // status: success, error, timeout
	)

	endpointLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aimesh_endpoint_load",
			Help: "In-flight dispatches per endpoint",
		},
		[]string{"endpoint"},
	)
)

// =============================================================================
// SCHEDULING AND ADMISSION METRICS
// =============================================================================

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aimesh_queue_depth",
			Help: "Messages waiting per priority class",
		},
		[]string{"class"}, // class: high, normal, low
	)

	dedupEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimesh_dedup_events_total",
			Help: "Deduplication cache outcomes",
		},
		[]string{"outcome"}, // outcome: hit, wait, owner
	)
)

// =============================================================================
// GATEWAY METRICS
// =============================================================================

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aimesh_http_requests_total",
			Help: "Total gateway HTTP requests",
		},
		[]string{"route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aimesh_http_request_duration_seconds",
			Help:    "Gateway HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"route"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordMessage records a terminal message outcome.
// This should be called once per submission, at acknowledgment time.
func RecordMessage(agent string, status string) {
	messagesTotal.WithLabelValues(agent, status).Inc()
}

// RecordDispatch records an execution attempt and its duration.
// This should be called after each endpoint attempt completes.
func RecordDispatch(endpoint string, status string, durationMS int) {
	executionsTotal.WithLabelValues(endpoint, status).Inc()
	dispatchDurationSeconds.WithLabelValues(endpoint).Observe(float64(durationMS) / 1000.0)
}

// RecordTokens records budget tokens charged to an agent.
func RecordTokens(agent string, tokens int64) {
	if tokens <= 0 {
		return
	}
	tokensConsumedTotal.WithLabelValues(agent).Add(float64(tokens))
}

// RecordRoutingDecision records a routing verdict.
func RecordRoutingDecision(endpoint string, reason string) {
	routingDecisionsTotal.WithLabelValues(endpoint, reason).Inc()
}

// RecordError records a typed pipeline error.
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

// RecordDedupEvent records a deduplication outcome.
func RecordDedupEvent(outcome string) {
	dedupEventsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth updates the waiting-message gauge for a priority class.
func SetQueueDepth(class string, depth int) {
	queueDepth.WithLabelValues(class).Set(float64(depth))
}

// SetEndpointLoad updates the in-flight gauge for an endpoint.
func SetEndpointLoad(endpoint string, load int64) {
	endpointLoad.WithLabelValues(endpoint).Set(float64(load))
}

// RecordHTTPRequest records gateway request metrics.
// This should be called from the gateway's instrumentation middleware.
func RecordHTTPRequest(route string, code string, durationMS int) {
	httpRequestsTotal.WithLabelValues(route, code).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(float64(durationMS) / 1000.0)
}
