package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/admission"
	"github.com/shehryarbajwa/eligibility-agent/internal/browser"
	"github.com/shehryarbajwa/eligibility-agent/internal/browser/browsertest"
	"github.com/shehryarbajwa/eligibility-agent/internal/config"
	"github.com/shehryarbajwa/eligibility-agent/internal/metrics"
	"github.com/shehryarbajwa/eligibility-agent/internal/orchestrator"
	"github.com/shehryarbajwa/eligibility-agent/internal/portal"
	"github.com/shehryarbajwa/eligibility-agent/internal/ratelimit"
	"github.com/shehryarbajwa/eligibility-agent/internal/session"
	"github.com/shehryarbajwa/eligibility-agent/pkg/models"
)

type stubDriver struct {
	outcome orchestrator.LoginOutcome
	err     error
	release chan struct{}
}

func (d *stubDriver) Login(ctx context.Context, h browser.Handle, in orchestrator.Input) (orchestrator.LoginOutcome, error) {
	return d.outcome, nil
}

func (d *stubDriver) EnterOTP(ctx context.Context, h browser.Handle, code string) (bool, error) {
	return code != "000000", nil
}

func (d *stubDriver) Authenticated(ctx context.Context, h browser.Handle) (bool, error) {
	return false, nil
}

func (d *stubDriver) Execute(ctx context.Context, h browser.Handle, in orchestrator.Input) (session.Result, error) {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return session.Result{
		"status":      "success",
		"patientName": "Jane Doe",
		"memberId":    in.Data["memberId"],
	}, nil
}

type testEnv struct {
	server   *httptest.Server
	gate     *admission.Controller
	registry *session.Registry
	driver   *stubDriver
	launcher *browsertest.Launcher
}

func newTestEnv(t *testing.T, driver *stubDriver, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()

	cfg := config.Default()
	dir := t.TempDir()
	cfg.Browser.DataDir = dir
	cfg.Browser.DownloadDir = filepath.Join(dir, "downloads")
	cfg.Portals = []string{portal.DDMA, portal.DentaQuest}

	launcher := &browsertest.Launcher{}
	portals, err := portal.NewManager(cfg, launcher, nil, zap.NewNop())
	require.NoError(t, err)
	for _, name := range portals.Names() {
		p, err := portals.Get(name)
		require.NoError(t, err)
		p.Target.Driver = driver
		p.Target.OTPTimeout = 5 * time.Second
	}

	gate := admission.New()
	registry := session.NewRegistry(zap.NewNop())
	orch := orchestrator.New(gate, registry, orchestrator.Options{}, zap.NewNop())

	h := NewHandler(portals, orch, registry, gate, zap.NewNop())
	h.streamInterval = 5 * time.Millisecond
	server := httptest.NewServer(h.SetupRoutes(limiter, 1, metrics.New()))

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		registry.Close()
		portals.Close()
	})

	return &testEnv{server: server, gate: gate, registry: registry, driver: driver, launcher: launcher}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func (e *testEnv) start(t *testing.T, path string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, path, models.EligibilityRequest{
		Data: map[string]any{"memberId": "M123", "massddmaUsername": "frontdesk"},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	resp := decode[models.StartResponse](t, body)
	require.Equal(t, "started", resp.Status)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func (e *testEnv) waitStatus(t *testing.T, path string, want session.Status) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.Eventually(t, func() bool {
		code, body := e.do(t, http.MethodGet, path, nil)
		if code != http.StatusOK {
			return false
		}
		snap = decode[session.Snapshot](t, body)
		return snap.Status == want
	}, 5*time.Second, 10*time.Millisecond, "never reached %s", want)
	return snap
}

func TestAgentStatus_Idle(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, nil)

	code, body := env.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.AgentStatus{ActiveJobs: 0, QueuedJobs: 0, Status: "idle"}, decode[models.AgentStatus](t, body))
}

func TestAgentStatus_Busy(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginSuccess, release: release}, nil)

	env.start(t, "/ddma-eligibility")
	env.start(t, "/ddma-eligibility")

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/status", nil)
		return decode[models.AgentStatus](t, body) == models.AgentStatus{ActiveJobs: 1, QueuedJobs: 1, Status: "busy"}
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/status", nil)
		return decode[models.AgentStatus](t, body).Status == "idle"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEligibility_OTPFlow(t *testing.T) {
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginOTPRequired}, nil)

	id := env.start(t, "/ddma-eligibility")
	statusPath := "/ddma-session/" + id + "/status"
	env.waitStatus(t, statusPath, session.StatusWaitingForOTP)

	code, body := env.do(t, http.MethodPost, "/ddma-submit-otp", models.SubmitOTPRequest{SessionID: id, OTP: "123456"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, models.SubmitOTPResponse{Status: "ok", Message: "otp received"}, decode[models.SubmitOTPResponse](t, body))

	snap := env.waitStatus(t, statusPath, session.StatusCompleted)
	assert.Equal(t, "Jane Doe", snap.Result["patientName"])
	assert.Equal(t, "M123", snap.Result["memberId"])
	assert.Equal(t, "ddma_eligibility", snap.Kind)
	assert.NotZero(t, snap.CreatedAt)

	// Sessions are scoped to their portal.
	code, _ = env.do(t, http.MethodGet, "/dentaquest-session/"+id+"/status", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEligibility_LegacyRoutes(t *testing.T) {
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginOTPRequired}, nil)

	id := env.start(t, "/ddma-eligibility")
	env.waitStatus(t, "/session/"+id+"/status", session.StatusWaitingForOTP)

	code, body := env.do(t, http.MethodPost, "/submit-otp", map[string]string{"session_id": id, "otp": "123456"})
	require.Equal(t, http.StatusOK, code, string(body))

	env.waitStatus(t, "/session/"+id+"/status", session.StatusCompleted)
}

func TestSubmitOTP_Errors(t *testing.T) {
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginSuccess}, nil)

	code, body := env.do(t, http.MethodPost, "/ddma-submit-otp", map[string]string{"session_id": "abc"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, models.ErrorResponse{Status: "error", Message: "session_id and otp required"}, decode[models.ErrorResponse](t, body))

	code, body = env.do(t, http.MethodPost, "/ddma-submit-otp", models.SubmitOTPRequest{SessionID: "missing", OTP: "1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, models.ErrorResponse{Status: "error", Message: "session not found"}, decode[models.ErrorResponse](t, body))

	id := env.start(t, "/ddma-eligibility")
	before := env.waitStatus(t, "/ddma-session/"+id+"/status", session.StatusCompleted)

	code, body = env.do(t, http.MethodPost, "/ddma-submit-otp", models.SubmitOTPRequest{SessionID: id, OTP: "1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, decode[models.ErrorResponse](t, body).Message, "not waiting for otp")

	after := env.waitStatus(t, "/ddma-session/"+id+"/status", session.StatusCompleted)
	assert.Equal(t, before, after, "rejected submission leaves the session untouched")
}

func TestSessionStatus_Unknown(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, nil)

	code, body := env.do(t, http.MethodGet, "/ddma-session/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "error", decode[models.ErrorResponse](t, body).Status)
}

func TestUnknownPortal(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, nil)

	code, body := env.do(t, http.MethodPost, "/aetna-eligibility", models.EligibilityRequest{})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, decode[models.ErrorResponse](t, body).Message, "unknown portal")
}

func TestStartEligibility_InvalidBody(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, nil)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/ddma-eligibility", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, env.registry.Len())
}

func TestRunEligibility_Sync(t *testing.T) {
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginAlreadyAuthenticated}, nil)

	code, body := env.do(t, http.MethodPost, "/ddma-eligibility-check", models.EligibilityRequest{
		Data: map[string]any{"memberId": "M9"},
	})
	require.Equal(t, http.StatusOK, code, string(body))

	out := decode[map[string]any](t, body)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "Jane Doe", out["patientName"])
	assert.Equal(t, "M9", out["memberId"])
	assert.NotEmpty(t, out["session_id"])
}

func TestRunEligibility_Error(t *testing.T) {
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginSuccess, err: errors.New("member search not available")}, nil)

	code, body := env.do(t, http.MethodPost, "/dentaquest-eligibility-check", models.EligibilityRequest{})
	require.Equal(t, http.StatusOK, code)

	out := decode[models.ErrorResponse](t, body)
	assert.Equal(t, "error", out.Status)
	assert.Contains(t, out.Message, "member search not available")
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginSuccess}, ratelimit.NewLimiter(1, 1))

	env.start(t, "/ddma-eligibility")
	code, body := env.do(t, http.MethodPost, "/ddma-eligibility", models.EligibilityRequest{})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "error", decode[models.ErrorResponse](t, body).Status)

	// Other portals have their own bucket and status polling is never limited.
	env.start(t, "/dentaquest-eligibility")
	code, _ = env.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, nil)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/ddma-eligibility", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-Client-ID")
	assert.Equal(t, 0, env.registry.Len(), "preflight never starts a session")
}

func TestListPortals(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, nil)

	code, body := env.do(t, http.MethodGet, "/portals", nil)
	require.Equal(t, http.StatusOK, code)

	list := decode[[]models.Portal](t, body)
	require.Len(t, list, 2)
	assert.Equal(t, portal.DDMA, list[0].Name)
	assert.Equal(t, "event", list[0].OTPStrategy)
	assert.False(t, list[0].BrowserAlive)
	assert.Equal(t, portal.DentaQuest, list[1].Name)
}

func TestListPortals_LeavesBusyBrowserAlone(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginSuccess, release: release}, nil)

	env.start(t, "/ddma-eligibility")
	require.Eventually(t, func() bool {
		return env.gate.Status().Active == 1 && env.launcher.Last() != nil
	}, 5*time.Second, 10*time.Millisecond)
	h := env.launcher.Last()
	before := h.LocationCalls()

	code, body := env.do(t, http.MethodGet, "/portals", nil)
	require.Equal(t, http.StatusOK, code)

	list := decode[[]models.Portal](t, body)
	require.Len(t, list, 2)
	assert.True(t, list[0].BrowserAlive)
	assert.False(t, list[1].BrowserAlive)
	assert.Equal(t, before, h.LocationCalls(), "listing portals must not touch a browser in use")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, nil)

	env.do(t, http.MethodGet, "/status", nil)
	code, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `agent_http_requests_total{method="GET",route="/status",status="200"} 1`)
}

func TestStreamSession(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, &stubDriver{outcome: orchestrator.LoginSuccess, release: release}, nil)

	id := env.start(t, "/ddma-eligibility")
	env.waitStatus(t, "/ddma-session/"+id+"/status", session.StatusRunning)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ddma-session/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first session.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, id, first.SessionID)
	assert.Equal(t, session.StatusRunning, first.Status)

	close(release)

	var last session.Snapshot
	for {
		var snap session.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = snap
	}
	assert.Equal(t, session.StatusCompleted, last.Status)
	assert.Equal(t, "Jane Doe", last.Result["patientName"])
}

func TestStreamSession_Unknown(t *testing.T) {
	env := newTestEnv(t, &stubDriver{}, nil)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ddma-session/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
