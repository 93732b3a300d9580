package api

import (
	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/eligibility-agent/internal/metrics"
	"github.com/shehryarbajwa/eligibility-agent/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. A nil rateLimiter disables rate
// limiting and a nil m skips the metrics endpoint.
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter, requestsPerHour int, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()

	// Endpoints that start browser work (rate limited)
	start := r.PathPrefix("").Subrouter()
	if rateLimiter != nil {
		start.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))
	}
	start.HandleFunc("/{portal:[a-z]+}-eligibility", h.StartEligibility).Methods("POST", "OPTIONS")
	start.HandleFunc("/{portal:[a-z]+}-eligibility-check", h.RunEligibility).Methods("POST", "OPTIONS")

	// OTP and status endpoints (not rate limited - frequent polling)
	r.HandleFunc("/{portal:[a-z]+}-submit-otp", h.SubmitOTP).Methods("POST", "OPTIONS")
	r.HandleFunc("/{portal:[a-z]+}-session/{id}/status", h.SessionStatus).Methods("GET")
	r.HandleFunc("/{portal:[a-z]+}-session/{id}/ws", h.StreamSession).Methods("GET")

	// Unprefixed routes kept for existing callers
	r.HandleFunc("/submit-otp", h.SubmitOTP).Methods("POST", "OPTIONS")
	r.HandleFunc("/session/{id}/status", h.SessionStatus).Methods("GET")

	r.HandleFunc("/status", h.AgentStatus).Methods("GET")
	r.HandleFunc("/portals", h.ListPortals).Methods("GET")

	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods("GET")
		r.Use(m.Middleware)
	}
	r.Use(loggingMiddleware(h.logger))

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}
