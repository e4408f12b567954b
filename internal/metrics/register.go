// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

// register is called by init() in each metrics file to enqueue collectors.
func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers all enqueued collectors with the default registry exactly once.
func MustRegister() {
	once.Do(func() {
		if len(collectors) > 0 {
			prometheus.MustRegister(collectors...)
		}
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
