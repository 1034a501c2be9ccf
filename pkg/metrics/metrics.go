package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersTotal is the current in-flight worker count, labeled by
	// instrument ("" counts workers recorded without an instrument; no
	// label holds the global total).
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postprocess_workers_total",
			Help: "Current in-flight worker count by instrument",
		},
		[]string{"instrument"},
	)

	// JobsTotal counts job status transitions and admission rejections
	// by outcome.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postprocess_jobs_total",
			Help: "Total number of jobs by outcome (started, complete, error, disabled, rejected)",
		},
		[]string{"outcome"},
	)

	// HeartbeatsTotal counts successful heartbeat publishes.
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "postprocess_heartbeats_total",
			Help: "Total number of heartbeats published to the broker",
		},
	)

	// JobDuration tracks wall-clock time spent in the job handler's
	// supervision loop, regardless of outcome.
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postprocess_job_duration_seconds",
			Help:    "Time spent supervising a worker subprocess, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(JobDuration)
}

// Handler returns the Prometheus scrape HTTP handler.
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
