// Package metrics declares the Prometheus collectors shared by the rm,
// tm and wc binaries for RM operation, 2PC and business-verb
// observability.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction Manager metrics.
	TxnsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "travelres_tm_txns_started_total",
			Help: "Total number of transactions started",
		},
	)

	TxnOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelres_tm_txn_outcomes_total",
			Help: "Total number of transaction outcomes by terminal state",
		},
		[]string{"state"},
	)

	CommitDriverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "travelres_tm_commit_driver_duration_seconds",
			Help:    "Time taken for the full prepare-then-commit driver to settle a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	ParticipantRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelres_tm_participant_retries_total",
			Help: "Total number of commit/abort broadcast retries by endpoint",
		},
		[]string{"endpoint", "phase"},
	)

	// ResourceManager metrics.
	RMOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelres_rm_operations_total",
			Help: "Total number of RM CRUD/prepare/commit/abort operations by table, op and outcome",
		},
		[]string{"table", "op", "outcome"},
	)

	RMPrepareDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "travelres_rm_prepare_duration_seconds",
			Help:    "Time taken for an RM prepare call by table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// WorkflowController metrics.
	WCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "travelres_wc_requests_total",
			Help: "Total number of WC business-verb requests by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	WCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "travelres_wc_request_duration_seconds",
			Help:    "WC business-verb request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	WCAutoAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "travelres_wc_auto_aborts_total",
			Help: "Total number of transactions auto-aborted by the WC after a downstream failure",
		},
	)
)

func init() {
	prometheus.MustRegister(TxnsStartedTotal)
	prometheus.MustRegister(TxnOutcomesTotal)
	prometheus.MustRegister(CommitDriverDuration)
	prometheus.MustRegister(ParticipantRetriesTotal)
	prometheus.MustRegister(RMOperationsTotal)
	prometheus.MustRegister(RMPrepareDuration)
	prometheus.MustRegister(WCRequestsTotal)
	prometheus.MustRegister(WCRequestDuration)
	prometheus.MustRegister(WCAutoAbortsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
