// Package routing wires the HTTP surface of the proxy onto a chi router.
package routing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/errors"
	"github.com/teilomillet/lorebridge/server/metrics"
	"github.com/teilomillet/lorebridge/server/middleware"
)

// Route paths.
const (
	ChatCompletionsPath = "/v1/chat/completions"
	HealthPath          = "/health"
	ConfigPath          = "/config"
)

// Handlers are the endpoint implementations mounted by the router.
type Handlers struct {
	Completion http.Handler
	Health     http.Handler
	Config     http.Handler
}

// Router handles HTTP routing for the proxy.
type Router struct {
	router chi.Router
	logger *zap.Logger
}

// NewRouter creates a router with the global middleware stack. m may be
// nil, in which case no HTTP metrics are recorded and /metrics is not
// served.
func NewRouter(cfg *config.Config, h Handlers, m *metrics.Metrics, logger *zap.Logger) *Router {
	r := &Router{
		router: chi.NewRouter(),
		logger: logger,
	}

	r.router.Use(middleware.RequestID)
	r.router.Use(middleware.Logging(logger))
	r.router.Use(middleware.Recovery(logger))
	r.router.Use(middleware.CORS)

	r.router.NotFound(errors.NotFoundHandler)
	r.router.MethodNotAllowed(errors.MethodNotAllowedHandler)

	routes := r.router
	if m != nil {
		routes = r.router.With(middleware.PrometheusMetrics(m))
	}
	routes.Method(http.MethodPost, ChatCompletionsPath, h.Completion)
	routes.Method(http.MethodGet, HealthPath, h.Health)
	routes.Method(http.MethodGet, ConfigPath, h.Config)

	if m != nil && cfg.Metrics.Enabled {
		RegisterMetricsRoutes(r.router, cfg.Metrics.Path, m)
	}

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}
