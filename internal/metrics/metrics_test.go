package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/eligibility-agent/internal/admission"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Admission(t *testing.T) {
	m := New()
	m.ObserveAdmission(admission.Status{Active: 1, Waiting: 3})

	body := scrape(t, m)
	assert.Contains(t, body, "agent_active_jobs 1")
	assert.Contains(t, body, "agent_queued_jobs 3")
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.SessionFinished("ddma", "completed")
	m.SessionFinished("ddma", "completed")
	m.SessionFinished("ddma", "error")
	m.BrowserLaunched("deltains")
	m.ObserveOTPWait("ddma", 30*time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, `agent_sessions_total{outcome="completed",portal="ddma"} 2`)
	assert.Contains(t, body, `agent_sessions_total{outcome="error",portal="ddma"} 1`)
	assert.Contains(t, body, `agent_browser_launches_total{portal="deltains"} 1`)
	assert.Contains(t, body, `agent_otp_wait_seconds_count{portal="ddma"} 1`)
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.BrowserLaunched("ddma")

	assert.NotContains(t, scrape(t, b), `agent_browser_launches_total{portal="ddma"}`)
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Use(m.Middleware)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.Contains(t, scrape(t, m), `agent_http_requests_total{method="GET",route="/items/{id}",status="418"} 1`)
}
