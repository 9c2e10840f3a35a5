// Package metrics provides Prometheus instrumentation for the connector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PacketsTotal counts processed packets by outcome.
	// Outcomes: forwarded, rate_limited, peer_paused, no_route,
	// insufficient_liquidity, expired, internal_error.
	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Name:      "packets_total",
			Help:      "Total packets processed by outcome.",
		},
		[]string{"outcome"},
	)

	// PacketDuration observes end-to-end packet processing latency.
	PacketDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "connector",
			Name:      "packet_duration_seconds",
			Help:      "Packet pipeline duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RateLimitDecisions counts admission decisions by result.
	// Results: allowed, throttled, blocked.
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter admission decisions by result.",
		},
		[]string{"result"},
	)

	// BlockedPeers tracks peers currently blocked by the circuit breaker.
	BlockedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "ratelimit",
			Name:      "blocked_peers",
			Help:      "Number of peers currently blocked.",
		},
	)

	// FraudDetections counts fraud rule hits by rule name and severity.
	FraudDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "fraud",
			Name:      "detections_total",
			Help:      "Fraud detections by rule and severity.",
		},
		[]string{"rule", "severity"},
	)

	// PausedPeers tracks peers currently paused by policy.
	PausedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "fraud",
			Name:      "paused_peers",
			Help:      "Number of peers currently paused.",
		},
	)

	// TransfersPosted counts ledger transfers by code.
	TransfersPosted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "ledger",
			Name:      "transfers_posted_total",
			Help:      "Ledger transfers posted by code.",
		},
		[]string{"code"},
	)

	// BatchFlushes counts batch writer flushes by batcher and result.
	BatchFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Batch flush attempts by batcher and result.",
		},
		[]string{"batcher", "result"},
	)

	// BatchQueueDepth tracks pending items per batch writer.
	BatchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "batch",
			Name:      "queue_depth",
			Help:      "Pending items in the batch writer queue.",
		},
		[]string{"batcher"},
	)

	// SettlementsTotal counts settlement executions by result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Settlement executions by result.",
		},
		[]string{"result"},
	)

	// TelemetryEvents counts telemetry events by disposition.
	// Dispositions: sent, buffered, dropped.
	TelemetryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "telemetry",
			Name:      "events_total",
			Help:      "Telemetry events by disposition.",
		},
		[]string{"disposition"},
	)

	// SignOperations counts key backend signing operations by backend and result.
	SignOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Subsystem: "keys",
			Name:      "sign_operations_total",
			Help:      "Signing operations by backend and result.",
		},
		[]string{"backend", "result"},
	)

	// WorkerQueueDepth tracks tasks waiting in the worker pool queue.
	WorkerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "workers",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the worker pool queue.",
		},
	)

	// ConnectedPeers tracks peers with an open transport connection.
	ConnectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Subsystem: "transport",
			Name:      "connected_peers",
			Help:      "Peers with an open transport connection.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PacketsTotal,
		PacketDuration,
		RateLimitDecisions,
		BlockedPeers,
		FraudDetections,
		PausedPeers,
		TransfersPosted,
		BatchFlushes,
		BatchQueueDepth,
		SettlementsTotal,
		TelemetryEvents,
		SignOperations,
		WorkerQueueDepth,
		ConnectedPeers,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
