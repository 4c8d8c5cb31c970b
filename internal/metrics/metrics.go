// Package metrics holds the Prometheus collectors for the ingestion path,
// the buffer and the sync worker. Collectors register on the default
// registry at init; GET /metrics/prometheus exposes them.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	IngestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_ingest_events_total",
			Help: "Events processed by the ingestion service, by outcome",
		},
		[]string{"outcome"}, // "created", "duplicate", "invalid", "transient"
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runledger_ingest_batch_size",
			Help:    "Number of events per batch request",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
	)

	// Store
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runledger_store_op_duration_seconds",
			Help:    "Duration of store write operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StoreBusyRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_store_busy_retries_total",
			Help: "Store operations retried after SQLITE_BUSY or SQLITE_LOCKED",
		},
		[]string{"op"},
	)

	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_http_requests_total",
			Help: "HTTP requests handled, by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runledger_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Buffer
	BufferAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_buffer_appends_total",
			Help: "Buffer appends, by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	BufferRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_buffer_rotations_total",
			Help: "Active buffer files rotated to ready, by trigger",
		},
		[]string{"trigger"}, // "size", "age", "forced"
	)

	// Sync
	SyncFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_sync_files_total",
			Help: "Ready buffer files processed by the sync worker, by result",
		},
		[]string{"result"}, // "synced", "empty", "retry"
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_sync_records_total",
			Help: "Buffered records uploaded by the sync worker, by result",
		},
		[]string{"result"}, // "inserted", "duplicate", "rejected", "malformed"
	)

	// Client
	ClientAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runledger_client_attempts_total",
			Help: "Outbound HTTP attempts made by the transport, by result",
		},
		[]string{"result"}, // "ok", "retryable", "terminal", "breaker_open"
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runledger_client_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// RecordAPIRequest records one HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordStoreOp records the duration of one store write.
func RecordStoreOp(op string, start time.Time) {
	StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordIngest counts one ingestion outcome.
func RecordIngest(outcome string) {
	IngestOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSyncRecords adds n records with the given result.
func RecordSyncRecords(result string, n int) {
	if n > 0 {
		SyncRecords.WithLabelValues(result).Add(float64(n))
	}
}
