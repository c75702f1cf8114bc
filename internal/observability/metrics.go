// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Feed metrics
	PostsFetched       *prometheus.CounterVec
	FeedRequestLatency *prometheus.HistogramVec
	FeedRequestErrors  *prometheus.CounterVec

	// Ledger metrics
	OperationsApplied *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	PostsSkipped      prometheus.Counter
	AlreadyIndexed    prometheus.Counter

	// Policy metrics
	ClassifierVerdicts *prometheus.CounterVec

	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// Snapshot metrics
	SnapshotTokensSynced prometheus.Counter
	SnapshotErrors       prometheus.Counter
	ChainCallLatency     *prometheus.HistogramVec

	// Archive metrics
	ArchiveWrites *prometheus.CounterVec

	// Stream metrics
	StreamSubscribers prometheus.Gauge

	// Health metrics
	LastSuccessfulRun      *prometheus.GaugeVec
	LastSuccessfulSnapshot prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "agt20"
	}

	return &Metrics{
		// Feed metrics
		PostsFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "posts_fetched_total",
			Help:      "Total number of posts fetched by mode",
		}, []string{"mode"}),
		FeedRequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "request_latency_seconds",
			Help:      "Feed API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		FeedRequestErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "request_errors_total",
			Help:      "Total number of failed feed API requests",
		}, []string{"endpoint"}),

		// Ledger metrics
		OperationsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_applied_total",
			Help:      "Total number of operations applied by kind",
		}, []string{"kind"}),
		Rejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rejections_total",
			Help:      "Total number of rejected operations by kind and reason",
		}, []string{"kind", "reason"}),
		PostsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "posts_skipped_total",
			Help:      "Total number of posts without an agt-20 operation",
		}),
		AlreadyIndexed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "posts_already_indexed_total",
			Help:      "Total number of posts seen again after being indexed",
		}),

		// Policy metrics
		ClassifierVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "classifier_verdicts_total",
			Help:      "Total number of blessing classifier verdicts",
		}, []string{"verdict"}),

		// Run metrics
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "runs_total",
			Help:      "Total number of indexer runs by mode and status",
		}, []string{"mode", "status"}),
		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "run_duration_seconds",
			Help:      "Indexer run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"mode"}),

		// Snapshot metrics
		SnapshotTokensSynced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "tokens_synced_total",
			Help:      "Total number of token rows reconciled from the claim factory",
		}),
		SnapshotErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "errors_total",
			Help:      "Total number of tokens skipped during snapshot sync",
		}),
		ChainCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "EVM JSON-RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Archive metrics
		ArchiveWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "writes_total",
			Help:      "Total number of archive batch writes by status",
		}, []string{"status"}),

		// Stream metrics
		StreamSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Current number of websocket subscribers",
		}),

		// Health metrics
		LastSuccessfulRun: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of last successful indexer run by mode",
		}, []string{"mode"}),
		LastSuccessfulSnapshot: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_snapshot_timestamp",
			Help:      "Unix timestamp of last successful snapshot sync",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordPostsFetched adds n fetched posts for a run mode.
func RecordPostsFetched(mode string, n int) {
	DefaultMetrics.PostsFetched.WithLabelValues(mode).Add(float64(n))
}

// RecordFeedRequest records a feed API request.
func RecordFeedRequest(endpoint string, seconds float64, err error) {
	DefaultMetrics.FeedRequestLatency.WithLabelValues(endpoint).Observe(seconds)
	if err != nil {
		DefaultMetrics.FeedRequestErrors.WithLabelValues(endpoint).Inc()
	}
}

// RecordOperationApplied increments the applied operations counter.
func RecordOperationApplied(kind string) {
	DefaultMetrics.OperationsApplied.WithLabelValues(kind).Inc()
}

// RecordRejection increments the rejections counter.
func RecordRejection(kind, reason string) {
	DefaultMetrics.Rejections.WithLabelValues(kind, reason).Inc()
}

// RecordPostSkipped increments the skipped posts counter.
func RecordPostSkipped() {
	DefaultMetrics.PostsSkipped.Inc()
}

// RecordAlreadyIndexed increments the already indexed counter.
func RecordAlreadyIndexed() {
	DefaultMetrics.AlreadyIndexed.Inc()
}

// RecordClassifierVerdict increments the classifier verdicts counter.
func RecordClassifierVerdict(verdict string) {
	DefaultMetrics.ClassifierVerdicts.WithLabelValues(verdict).Inc()
}

// RecordRun records an indexer run.
func RecordRun(mode, status string, durationSeconds float64) {
	DefaultMetrics.RunsTotal.WithLabelValues(mode, status).Inc()
	DefaultMetrics.RunDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// UpdateLastSuccessfulRun sets the last successful run timestamp gauge.
func UpdateLastSuccessfulRun(mode string, unixSeconds int64) {
	DefaultMetrics.LastSuccessfulRun.WithLabelValues(mode).Set(float64(unixSeconds))
}

// RecordSnapshot records a snapshot sync pass.
func RecordSnapshot(synced, errors int, unixSeconds int64) {
	DefaultMetrics.SnapshotTokensSynced.Add(float64(synced))
	DefaultMetrics.SnapshotErrors.Add(float64(errors))
	if errors == 0 {
		DefaultMetrics.LastSuccessfulSnapshot.Set(float64(unixSeconds))
	}
}

// RecordChainLatency records EVM RPC call latency.
func RecordChainLatency(method string, seconds float64) {
	DefaultMetrics.ChainCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordArchiveWrite records an archive batch write.
func RecordArchiveWrite(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.ArchiveWrites.WithLabelValues(status).Inc()
}

// SetStreamSubscribers sets the websocket subscribers gauge.
func SetStreamSubscribers(n int) {
	DefaultMetrics.StreamSubscribers.Set(float64(n))
}
