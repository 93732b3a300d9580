package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/admission"
	"github.com/shehryarbajwa/eligibility-agent/internal/orchestrator"
	"github.com/shehryarbajwa/eligibility-agent/internal/portal"
	"github.com/shehryarbajwa/eligibility-agent/internal/session"
	"github.com/shehryarbajwa/eligibility-agent/pkg/models"
)

// legacyPortal is addressed by the unprefixed OTP and status routes.
const legacyPortal = portal.DDMA

// Handler holds dependencies for HTTP handlers
type Handler struct {
	portals  *portal.Manager
	orch     *orchestrator.Orchestrator
	registry *session.Registry
	gate     *admission.Controller
	logger   *zap.Logger

	streamInterval time.Duration
}

// NewHandler creates a new HTTP handler
func NewHandler(portals *portal.Manager, orch *orchestrator.Orchestrator, registry *session.Registry, gate *admission.Controller, logger *zap.Logger) *Handler {
	return &Handler{
		portals:        portals,
		orch:           orch,
		registry:       registry,
		gate:           gate,
		logger:         logger,
		streamInterval: 500 * time.Millisecond,
	}
}

// StartEligibility handles POST /{portal}-eligibility
func (h *Handler) StartEligibility(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portal(w, r)
	if !ok {
		return
	}

	var req models.EligibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s := h.orch.Start(p.Target, p.Definition.Input(req.Data, req.URL))

	writeJSON(w, http.StatusOK, models.StartResponse{
		Status:    "started",
		SessionID: s.ID(),
	})
}

// RunEligibility handles POST /{portal}-eligibility-check. It blocks until
// the run is admitted and finished.
func (h *Handler) RunEligibility(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portal(w, r)
	if !ok {
		return
	}

	var req models.EligibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	snap, err := h.orch.Run(r.Context(), p.Target, p.Definition.Input(req.Data, req.URL))
	if err != nil {
		// The caller went away; the session keeps running and stays pollable.
		h.logger.Info("client left before run finished",
			zap.String("portal", p.Definition.Name),
			zap.String("session_id", snap.SessionID),
			zap.Error(err),
		)
		return
	}

	if snap.Status == session.StatusError {
		writeJSON(w, http.StatusOK, models.ErrorResponse{Status: "error", Message: snap.Message})
		return
	}

	out := make(map[string]any, len(snap.Result)+1)
	for k, v := range snap.Result {
		out[k] = v
	}
	out["session_id"] = snap.SessionID
	writeJSON(w, http.StatusOK, out)
}

// SubmitOTP handles POST /{portal}-submit-otp and POST /submit-otp
func (h *Handler) SubmitOTP(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portal(w, r)
	if !ok {
		return
	}

	var req models.SubmitOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" || req.OTP == "" {
		writeError(w, http.StatusBadRequest, "session_id and otp required")
		return
	}
	if _, ok := h.session(p, req.SessionID); !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}

	if err := h.registry.SubmitOTP(req.SessionID, req.OTP); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	h.logger.Info("otp submitted", zap.String("portal", p.Definition.Name), zap.String("session_id", req.SessionID))
	writeJSON(w, http.StatusOK, models.SubmitOTPResponse{Status: "ok", Message: "otp received"})
}

// SessionStatus handles GET /{portal}-session/{id}/status and GET /session/{id}/status
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portal(w, r)
	if !ok {
		return
	}

	s, ok := h.session(p, mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.Snapshot())
}

// AgentStatus handles GET /status
func (h *Handler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	st := h.gate.Status()

	status := "idle"
	if st.Busy() {
		status = "busy"
	}
	writeJSON(w, http.StatusOK, models.AgentStatus{
		ActiveJobs: st.Active,
		QueuedJobs: st.Waiting,
		Status:     status,
	})
}

// ListPortals handles GET /portals
func (h *Handler) ListPortals(w http.ResponseWriter, r *http.Request) {
	names := h.portals.Names()
	out := make([]models.Portal, 0, len(names))
	for _, name := range names {
		p, err := h.portals.Get(name)
		if err != nil {
			continue
		}
		out = append(out, models.Portal{
			Name:          name,
			LoginURL:      p.Definition.LoginURL,
			OTPStrategy:   p.Target.Strategy.String(),
			OTPTimeout:    p.Target.OTPTimeout.Seconds(),
			CookieJar:     p.Browser.UsesCookieJar(),
			CloseAfterRun: p.Target.AfterRun == orchestrator.CloseBrowser,
			BrowserAlive:  p.Browser.Running(),
			Sessions:      len(h.registry.List(p.Target.Kind)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// portal resolves the {portal} route variable. Routes without one address
// the legacy portal.
func (h *Handler) portal(w http.ResponseWriter, r *http.Request) (*portal.Portal, bool) {
	name, ok := mux.Vars(r)["portal"]
	if !ok {
		name = legacyPortal
	}

	p, err := h.portals.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return p, true
}

// session finds a session belonging to p.
func (h *Handler) session(p *portal.Portal, id string) (*session.Session, bool) {
	s, ok := h.registry.Get(id)
	if !ok || s.Kind() != p.Target.Kind {
		return nil, false
	}
	return s, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Status: "error", Message: message})
}
