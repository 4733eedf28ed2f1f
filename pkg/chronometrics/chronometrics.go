package chronometrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine operation metrics
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_operation_duration_seconds",
			Help:    "Time taken to execute an engine operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection", "operation"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_operations_total",
			Help: "Total number of engine operations by collection, operation and outcome",
		},
		[]string{"collection", "operation", "outcome"},
	)

	// Lock contention metrics
	LockAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_lock_acquire_duration_seconds",
			Help:    "Time spent waiting to acquire an item lock in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	LockConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_lock_conflicts_total",
			Help: "Total number of lock acquisition attempts that found the item already locked",
		},
		[]string{"collection"},
	)

	LocksHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chronos_locks_held",
			Help: "Current number of outstanding item locks by collection",
		},
		[]string{"collection"},
	)

	LocksReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_locks_reaped_total",
			Help: "Total number of expired locks swept by the reaper",
		},
		[]string{"collection"},
	)

	// Externalization / blob store metrics
	ExternalizedFieldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_externalized_fields_total",
			Help: "Total number of payload fields moved to blob storage by the externalizer",
		},
		[]string{"collection"},
	)

	BlobPutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_blob_put_duration_seconds",
			Help:    "Time taken to write a blob to the object store in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	BlobGetDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_blob_get_duration_seconds",
			Help:    "Time taken to read a blob from the object store in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Fallback queue metrics
	FallbackQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronos_fallback_queue_depth",
			Help: "Current number of pending fallback operations awaiting replay",
		},
	)

	FallbackOperationAge = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronos_fallback_operation_age_seconds",
			Help:    "Age of a fallback operation, in seconds, at the moment it is replayed",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 21600},
		},
	)

	FallbackReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_fallback_replays_total",
			Help: "Total number of fallback operation replay attempts by outcome",
		},
		[]string{"kind", "outcome"},
	)

	FallbackDeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_fallback_dead_letters_total",
			Help: "Total number of fallback operations moved to the dead-letter collection",
		},
		[]string{"kind"},
	)

	// Restore metrics
	RestoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_restore_duration_seconds",
			Help:    "Time taken to restore a single object or a collection in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"scope"},
	)

	RestoreItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_restore_items_total",
			Help: "Total number of items visited during a collection restore, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(LockAcquireDuration)
	prometheus.MustRegister(LockConflictsTotal)
	prometheus.MustRegister(LocksHeld)
	prometheus.MustRegister(LocksReapedTotal)
	prometheus.MustRegister(ExternalizedFieldsTotal)
	prometheus.MustRegister(BlobPutDuration)
	prometheus.MustRegister(BlobGetDuration)
	prometheus.MustRegister(FallbackQueueDepth)
	prometheus.MustRegister(FallbackOperationAge)
	prometheus.MustRegister(FallbackReplaysTotal)
	prometheus.MustRegister(FallbackDeadLettersTotal)
	prometheus.MustRegister(RestoreDuration)
	prometheus.MustRegister(RestoreItemsTotal)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records its duration against a histogram
// on completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
