package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(providerCallSeconds) }

var providerCallSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "audio_provider_call_seconds",
		Help:    "Transcription and sentiment call latency.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	},
	[]string{"op", "success"},
)

// ObserveProviderCall records one provider call
func ObserveProviderCall(op string, elapsed time.Duration, success bool) {
	providerCallSeconds.WithLabelValues(norm(op), strconv.FormatBool(success)).Observe(elapsed.Seconds())
}
