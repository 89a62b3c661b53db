// Package metrics defines Prometheus instrumentation for RelayMesh.
// All metrics share the "relaymesh" namespace and are registered with the
// default registry at init via promauto, so importing this package is enough
// to expose them on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaymesh"

// Outbox dispatch metrics
var (
	OutboxSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_submitted_total",
		Help:      "Total outbox records created, by topic",
	}, []string{"topic"})

	OutboxDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_dispatched_total",
		Help:      "Total outbox records published to the broker, by topic and result",
	}, []string{"topic", "result"})

	OutboxAcknowledged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_acknowledged_total",
		Help:      "Total acknowledgments applied, by status",
	}, []string{"status"})

	OutboxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_retries_total",
		Help:      "Total retry records created by the retry scan",
	})

	OutboxRetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_retries_exhausted_total",
		Help:      "Total records failed terminally after exhausting their retry budget",
	})

	OutboxCleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_cleanup_deleted_total",
		Help:      "Total terminal records deleted by the cleanup job",
	})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending_records",
		Help:      "Current number of pending outbox records for this producer",
	})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_batch_duration_seconds",
		Help:      "Duration of a dispatch batch cycle",
		Buckets:   prometheus.DefBuckets,
	})
)

// Batching intake metrics
var (
	BatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "batch_queue_depth",
		Help:      "Messages currently buffered in the batching intake",
	})

	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_flushes_total",
		Help:      "Total batch flushes, by trigger (size, interval) and result",
	}, []string{"trigger", "result"})

	BatchFlushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_flush_size",
		Help:      "Number of records written per batch flush",
		Buckets:   []float64{1, 10, 50, 100, 250, 500},
	})
)

// Consumer processing metrics
var (
	ConsumerProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_processed_total",
		Help:      "Total messages processed by the consumer, by topic",
	}, []string{"topic"})

	ConsumerFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_failed_total",
		Help:      "Total messages that failed processing, by topic",
	}, []string{"topic"})

	ConsumerDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_duplicates_total",
		Help:      "Total messages skipped by idempotency dedup",
	})

	ConsumerSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_skipped_total",
		Help:      "Total messages skipped because they targeted another instance or group",
	})

	AckDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ack_deliveries_total",
		Help:      "Total acknowledgment calls to the producer, by result",
	}, []string{"result"})
)

// Registry metrics
var (
	RegistryHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_heartbeats_total",
		Help:      "Total agent heartbeats received",
	})

	RegistryAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_agents",
		Help:      "Registered agents by status",
	}, []string{"status"})

	RegistryEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_evictions_total",
		Help:      "Total agents marked terminated by the registry GC",
	})
)

// HTTP metrics
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests, by method, path and status",
	}, []string{"method", "path", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one served HTTP request.
func ObserveHTTP(method, path, status string, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, path, status).Inc()
	HTTPDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
