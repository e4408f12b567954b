package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		audioJobsProcessedTotal,
		audioJobAttemptSeconds,
		audioQueueDepth,
		audioJobsPrunedTotal,
	)
}

var (
	audioJobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audio_jobs_processed_total",
			Help: "Audio job attempts by outcome.",
		},
		[]string{"outcome"}, // 'completed', 'retrying', 'failed'
	)

	audioJobAttemptSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audio_job_attempt_seconds",
			Help:    "Wall-clock duration of a single job attempt.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	audioQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audio_queue_jobs",
			Help: "Number of jobs in the job store by state.",
		},
		[]string{"state"},
	)

	audioJobsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audio_jobs_pruned_total",
			Help: "Terminal jobs removed by retention housekeeping.",
		},
	)
)

// ObserveJobAttempt records the outcome and duration of one attempt
func ObserveJobAttempt(outcome string, elapsed time.Duration) {
	audioJobsProcessedTotal.WithLabelValues(norm(outcome)).Inc()
	audioJobAttemptSeconds.WithLabelValues(norm(outcome)).Observe(elapsed.Seconds())
}

// SetQueueDepth publishes the job count of one state
func SetQueueDepth(state string, n int64) {
	audioQueueDepth.WithLabelValues(norm(state)).Set(float64(n))
}

// AddPruned counts jobs removed by Prune
func AddPruned(n int64) {
	audioJobsPrunedTotal.Add(float64(n))
}
