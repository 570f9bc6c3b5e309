package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_nil_is_noop(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncEncoderStarts("success")
	m.SetActiveEncoders(3)
	m.IncPublishes("accepted")
}

func TestHandler_exposes_counters(t *testing.T) {
	m := New()
	m.IncEncoderStarts("success")
	m.IncEncoderKills()

	refreshed := false
	rec := httptest.NewRecorder()
	m.Handler(func() {
		refreshed = true
		m.SetActiveEncoders(2)
	}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, refreshed)
	body := rec.Body.String()
	assert.Contains(t, body, `orchestrator_encoder_starts_total{result="success"} 1`)
	assert.Contains(t, body, "orchestrator_encoder_forced_kills_total 1")
	assert.Contains(t, body, "orchestrator_active_encoders 2")
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/bad", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusConflict) })

	for _, p := range []string{"/ok", "/bad", "/bad"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "orchestrator_http_requests_total 3")
	assert.Contains(t, rec.Body.String(), "orchestrator_http_errors_total 2")
}
