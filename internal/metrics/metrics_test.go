package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposed(t *testing.T) {
	m := New()
	m.ObserveRequest("GET /member", 200, 15*time.Millisecond)
	m.ObserveRequest("", 303, time.Millisecond)
	m.ObserveBackendCall("check_user", "404", 20*time.Millisecond)
	m.ObserveGuardDecision("not-registered")

	out := scrape(t, m)
	assert.Contains(t, out, `quickcheck_http_requests_total{code="200",route="GET /member"} 1`)
	assert.Contains(t, out, `quickcheck_http_requests_total{code="303",route="unmatched"} 1`)
	assert.Contains(t, out, `quickcheck_backend_calls_total{op="check_user",outcome="404"} 1`)
	assert.Contains(t, out, `quickcheck_guard_decisions_total{state="not-registered"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("GET /", 200, time.Millisecond)
		m.ObserveBackendCall("user", "ok", time.Millisecond)
		m.ObserveGuardDecision("registered")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
