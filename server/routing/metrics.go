package routing

import (
	"github.com/go-chi/chi/v5"

	"github.com/teilomillet/lorebridge/server/metrics"
)

// RegisterMetricsRoutes adds the Prometheus scrape endpoint at path.
func RegisterMetricsRoutes(r chi.Router, path string, m *metrics.Metrics) {
	if path == "" {
		path = "/metrics"
	}
	r.Method("GET", path, m.Handler())
}
