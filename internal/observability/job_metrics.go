package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job outcome and row result labels.
const (
	JobOutcomeSuccess = "success"
	JobOutcomePartial = "partial"
	JobOutcomeFailure = "failure"
	JobOutcomeSkipped = "skipped"

	RowResultProcessed = "processed"
	RowResultSkipped   = "skipped"
	RowResultFailed    = "failed"
)

// JobMetrics captures scheduled job health for the expiry and period reset sweeps.
type JobMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	rows     *prometheus.CounterVec
}

// NewJobMetrics registers job collectors on registerer. A nil registerer uses the default one.
func NewJobMetrics(registerer prometheus.Registerer) *JobMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_job_runs_total",
		Help: "Scheduled credit job runs by job and outcome.",
	}, []string{"job", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credits_job_duration_seconds",
		Help:    "Scheduled credit job latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"job"})
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_job_rows_total",
		Help: "Rows handled by scheduled credit jobs by result.",
	}, []string{"job", "result"})
	registerer.MustRegister(runs, duration, rows)
	return &JobMetrics{runs: runs, duration: duration, rows: rows}
}

// ObserveRun records one finished job run.
func (metrics *JobMetrics) ObserveRun(job string, outcome string, elapsed time.Duration) {
	if metrics == nil {
		return
	}
	metrics.runs.WithLabelValues(job, outcome).Inc()
	if outcome != JobOutcomeSkipped {
		metrics.duration.WithLabelValues(job).Observe(elapsed.Seconds())
	}
}

// AddRows adds count rows with the given result.
func (metrics *JobMetrics) AddRows(job string, result string, count int) {
	if metrics == nil || count <= 0 {
		return
	}
	metrics.rows.WithLabelValues(job, result).Add(float64(count))
}
