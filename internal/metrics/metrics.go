// Package metrics exposes Prometheus counters and gauges for the network
// client, grounded on internal/metrics/metrics.go's promauto style.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ElectionsTotal counts endpoint elector rounds by outcome.
	ElectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerclient_elections_total",
			Help: "Endpoint elections run, partitioned by outcome",
		},
		[]string{"outcome"}, // healthy, fallback_stale
	)

	// ElectionDuration tracks how long an election round took.
	ElectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledgerclient_election_duration_seconds",
			Help:    "Duration of endpoint election rounds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// QueryAttemptsTotal counts query attempts by endpoint and result.
	QueryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerclient_query_attempts_total",
			Help: "Query attempts, partitioned by endpoint and result",
		},
		[]string{"endpoint", "result"}, // result: ok, transport_error, logical_error
	)

	// QueryRetriesExhausted counts queries that failed after all retries.
	QueryRetriesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerclient_query_retries_exhausted_total",
			Help: "Queries that failed after exhausting network_retries_count",
		},
	)

	// SendChunksTotal counts send fan-out chunks by outcome.
	SendChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerclient_send_chunks_total",
			Help: "Message send fan-out chunks, partitioned by outcome",
		},
		[]string{"outcome"}, // won, exhausted
	)

	// SubscriptionsActive tracks currently registered subscriptions.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerclient_subscriptions_active",
			Help: "Currently registered subscriptions",
		},
	)

	// SuspendCyclesTotal counts suspend/resume cycles.
	SuspendCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerclient_suspend_cycles_total",
			Help: "Number of suspend/resume cycles observed by the server link",
		},
	)

	// EndpointFailureCount tracks the live failure counter per endpoint
	// used for send-address biasing (spec.md §4.E).
	EndpointFailureCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerclient_endpoint_failure_count",
			Help: "Current MessageUndelivered failure counter per endpoint",
		},
		[]string{"endpoint"},
	)
)
