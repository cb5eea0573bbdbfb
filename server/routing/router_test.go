package routing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/server/metrics"
)

func stub(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})
}

func newTestRouter(t *testing.T, cfg *config.Config, m *metrics.Metrics) *Router {
	t.Helper()
	return NewRouter(cfg, Handlers{
		Completion: stub("completion"),
		Health:     stub("health"),
		Config:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }),
	}, m, zaptest.NewLogger(t))
}

func TestRouter_Routes(t *testing.T) {
	m := metrics.NewMetrics()
	r := newTestRouter(t, config.DefaultConfig(), m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"chat completions", http.MethodPost, "/v1/chat/completions", http.StatusOK, "completion"},
		{"health", http.MethodGet, "/health", http.StatusOK, "health"},
		{"wrong method", http.MethodGet, "/v1/chat/completions", http.StatusMethodNotAllowed, `"kind":"method_not_allowed"`},
		{"unknown route", http.MethodGet, "/v2/nothing", http.StatusNotFound, `"kind":"not_found"`},
		{"panicking handler", http.MethodGet, "/config", http.StatusInternalServerError, `"kind":"internal_error"`},
		{"preflight", http.MethodOptions, "/v1/chat/completions", http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/v1/chat/completions", "200")))
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics()
	r := newTestRouter(t, config.DefaultConfig(), m)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `lorebridge_http_requests_total{endpoint="/health",status="200"} 1`))
}

func TestRouter_MetricsDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	r := newTestRouter(t, cfg, metrics.NewMetrics())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
