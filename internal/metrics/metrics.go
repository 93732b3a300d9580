package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/eligibility-agent/internal/admission"
)

// Metrics holds the agent's Prometheus collectors.
type Metrics struct {
	ActiveJobs prometheus.Gauge
	QueuedJobs prometheus.Gauge

	Sessions        *prometheus.CounterVec
	OTPWait         *prometheus.HistogramVec
	BrowserLaunches *prometheus.CounterVec

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		ActiveJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_active_jobs",
			Help: "Jobs currently holding the browser slot",
		}),
		QueuedJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "agent_queued_jobs",
			Help: "Jobs waiting for the browser slot",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_sessions_total",
			Help: "Finished sessions by portal and outcome",
		}, []string{"portal", "outcome"}),
		OTPWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_otp_wait_seconds",
			Help:    "Time spent waiting for a one-time password",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300},
		}, []string{"portal"}),
		BrowserLaunches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_browser_launches_total",
			Help: "Browser processes launched by portal",
		}, []string{"portal"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30, 120, 600},
		}, []string{"method", "route"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveAdmission mirrors the admission counters.
func (m *Metrics) ObserveAdmission(st admission.Status) {
	m.ActiveJobs.Set(float64(st.Active))
	m.QueuedJobs.Set(float64(st.Waiting))
}

// SessionFinished counts a terminal session.
func (m *Metrics) SessionFinished(portal, outcome string) {
	m.Sessions.WithLabelValues(portal, outcome).Inc()
}

// ObserveOTPWait records how long a session waited for its code.
func (m *Metrics) ObserveOTPWait(portal string, d time.Duration) {
	m.OTPWait.WithLabelValues(portal).Observe(d.Seconds())
}

// BrowserLaunched counts a browser launch.
func (m *Metrics) BrowserLaunched(portal string) {
	m.BrowserLaunches.WithLabelValues(portal).Inc()
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
