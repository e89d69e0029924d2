package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Snapshot lifecycle metrics
	SnapshotsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snaptool_snapshots_created_total",
			Help: "Total number of snapshots created by the planner",
		},
	)

	SnapshotsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snaptool_snapshots_deleted_total",
			Help: "Total number of snapshots deleted by retention pruning",
		},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaptool_uploads_total",
			Help: "Total number of snapshot uploads by site and outcome",
		},
		[]string{"site", "outcome"},
	)

	// Intent queue metrics
	IntentQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snaptool_intent_queue_depth",
			Help: "Number of intents waiting for the background worker",
		},
	)

	IntentsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snaptool_intents_replayed_total",
			Help: "Total number of intents re-queued from the intent log at startup",
		},
	)

	IntentsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaptool_intents_completed_total",
			Help: "Total number of intents driven to a terminal status, by operation and status",
		},
		[]string{"operation", "status"},
	)

	// Planner metrics
	PlanTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snaptool_plan_ticks_total",
			Help: "Total number of planner ticks completed",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snaptool_reconcile_duration_seconds",
			Help:    "Time taken for a retention reconcile pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConfigReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaptool_config_reloads_total",
			Help: "Total number of config reloads by outcome",
		},
		[]string{"outcome"},
	)

	// Cluster API metrics
	APIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snaptool_api_retries_total",
			Help: "Total number of cluster API retries by method",
		},
		[]string{"method"},
	)

	UploadPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snaptool_upload_poll_duration_seconds",
			Help:    "Wall-clock time spent polling a single stow operation to completion",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200}, // 1s to 2h
		},
	)
)

func init() {
	prometheus.MustRegister(SnapshotsCreated)
	prometheus.MustRegister(SnapshotsDeleted)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(IntentQueueDepth)
	prometheus.MustRegister(IntentsReplayed)
	prometheus.MustRegister(IntentsCompleted)
	prometheus.MustRegister(PlanTicksTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ConfigReloadsTotal)
	prometheus.MustRegister(APIRetriesTotal)
	prometheus.MustRegister(UploadPollDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
