package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StepDuration records how long each orchestrator step took.
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdsmigrate_step_duration_seconds",
			Help:    "Time taken to complete a migration step, by step name",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"step"},
	)

	StepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmigrate_step_failures_total",
			Help: "Total number of steps that failed, by step name",
		},
		[]string{"step"},
	)

	// Blob transfer metrics.
	BlobsTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmigrate_blobs_transferred_total",
			Help: "Total number of blobs successfully transferred, by transfer strategy",
		},
		[]string{"strategy"},
	)

	BlobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmigrate_blobs_failed_total",
			Help: "Total number of blobs that failed to transfer, by transfer strategy",
		},
		[]string{"strategy"},
	)

	BlobBytesTransferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdsmigrate_blob_bytes_transferred_total",
			Help: "Total number of blob bytes successfully transferred",
		},
	)

	BlobTransferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdsmigrate_blob_transfer_duration_seconds",
			Help:    "Time taken to upload a single blob to the destination PDS, across all transfer strategies",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	// Blob store backend metrics.
	BlobStoreFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmigrate_blobstore_fallbacks_total",
			Help: "Total number of times the blob store router fell back from one backend to the next, by backend that failed",
		},
		[]string{"from_backend"},
	)

	BlobStoreActiveBackend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdsmigrate_blobstore_active_backend",
			Help: "Set to 1 for the currently active blob store backend, 0 otherwise",
		},
		[]string{"backend"},
	)

	// PDS RPC client metrics.
	PdsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmigrate_pds_requests_total",
			Help: "Total number of PDS XRPC requests, by nsid and outcome",
		},
		[]string{"nsid", "outcome"},
	)

	PdsRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdsmigrate_pds_request_duration_seconds",
			Help:    "PDS XRPC request duration in seconds, by nsid",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"nsid"},
	)

	PdsRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmigrate_pds_retries_total",
			Help: "Total number of retried PDS calls, by step name",
		},
		[]string{"step"},
	)

	// Migration-level state gauges.
	MigrationsInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdsmigrate_migrations_in_progress",
			Help: "Number of migrations currently running in this process",
		},
	)

	MigrationsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdsmigrate_migrations_completed_total",
			Help: "Total number of migrations that reached a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	MigrationsAwaitingVerificationTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdsmigrate_migrations_awaiting_verification_total",
			Help: "Total number of migrations that paused for the emailed PLC verification token",
		},
	)
)

func init() {
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(StepFailuresTotal)
	prometheus.MustRegister(BlobsTransferredTotal)
	prometheus.MustRegister(BlobsFailedTotal)
	prometheus.MustRegister(BlobBytesTransferredTotal)
	prometheus.MustRegister(BlobTransferDuration)
	prometheus.MustRegister(BlobStoreFallbacksTotal)
	prometheus.MustRegister(BlobStoreActiveBackend)
	prometheus.MustRegister(PdsRequestsTotal)
	prometheus.MustRegister(PdsRequestDuration)
	prometheus.MustRegister(PdsRetriesTotal)
	prometheus.MustRegister(MigrationsInProgress)
	prometheus.MustRegister(MigrationsCompletedTotal)
	prometheus.MustRegister(MigrationsAwaitingVerificationTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
