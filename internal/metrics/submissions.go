package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(submissionsTotal, retriesTotal) }

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audio_submissions_total",
			Help: "Job submissions, labeled by whether a new job was created.",
		},
		[]string{"result"}, // 'created', 'duplicate'
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audio_manual_retries_total",
			Help: "Manual retry requests by outcome.",
		},
		[]string{"outcome"},
	)
)

// IncSubmission counts a submission
func IncSubmission(created bool) {
	result := "duplicate"
	if created {
		result = "created"
	}
	submissionsTotal.WithLabelValues(result).Inc()
}

// IncManualRetry counts a manual retry request
func IncManualRetry(outcome string) {
	retriesTotal.WithLabelValues(norm(outcome)).Inc()
}
