package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated       Status = "created"
	StatusRunning       Status = "running"
	StatusWaitingForOTP Status = "waiting_for_otp"
	StatusOTPSubmitted  Status = "otp_submitted"
	StatusCompleted     Status = "completed"
	StatusError         Status = "error"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// transitions is the forward-only state graph. running -> running is a
// login that needed no OTP; otp_submitted -> waiting_for_otp is a code the
// page rejected.
var transitions = map[Status][]Status{
	StatusCreated:       {StatusRunning, StatusError},
	StatusRunning:       {StatusRunning, StatusWaitingForOTP, StatusCompleted, StatusError},
	StatusWaitingForOTP: {StatusOTPSubmitted, StatusRunning, StatusError},
	StatusOTPSubmitted:  {StatusWaitingForOTP, StatusRunning, StatusError},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("session not found")
	ErrNotWaiting        = errors.New("session not waiting for otp")
	ErrOTPPending        = errors.New("otp already submitted")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Result is the terminal payload of a run.
type Result map[string]any

// Session is one task run. Its fields are written only by the orchestrator
// driving it; readers take snapshots.
type Session struct {
	id        string
	kind      string
	createdAt time.Time

	mu           sync.RWMutex
	status       Status
	message      string
	lastActivity time.Time
	otpValue     string
	result       Result
	history      []Status

	otpReady chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newSession(id, kind string, now time.Time) *Session {
	return &Session{
		id:           id,
		kind:         kind,
		createdAt:    now,
		status:       StatusCreated,
		lastActivity: now,
		history:      []Status{StatusCreated},
		otpReady:     make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Kind returns the workflow the session belongs to.
func (s *Session) Kind() string { return s.kind }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// History returns every status the session has been in, in order.
func (s *Session) History() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Status(nil), s.history...)
}

// Transition moves the session along the state graph. Terminal states are
// reached through Complete and Fail only.
func (s *Session) Transition(to Status, message string) error {
	if to.Terminal() {
		return fmt.Errorf("%w: use Complete or Fail for %s", ErrInvalidTransition, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.setStatusLocked(to)
	if message != "" {
		s.message = message
	}
	return nil
}

// Touch records activity without changing state.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Complete ends the session successfully. Only the first terminal call
// takes effect; it reports whether this call did.
func (s *Session) Complete(result Result, message string) bool {
	return s.finish(StatusCompleted, result, message)
}

// Fail ends the session with an error message. Only the first terminal call
// takes effect; it reports whether this call did.
func (s *Session) Fail(message string) bool {
	return s.finish(StatusError, Result{"status": "error", "message": message}, message)
}

func (s *Session) finish(to Status, result Result, message string) bool {
	s.mu.Lock()
	if s.status.Terminal() || !CanTransition(s.status, to) {
		s.mu.Unlock()
		return false
	}
	s.setStatusLocked(to)
	s.message = message
	s.result = result
	s.otpValue = ""
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	return true
}

func (s *Session) setStatusLocked(to Status) {
	s.status = to
	s.lastActivity = time.Now()
	s.history = append(s.history, to)
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OTPReady receives a value each time a code is submitted.
func (s *Session) OTPReady() <-chan struct{} {
	return s.otpReady
}

// submitOTP stores code and signals the waiter. The caller must hold no
// session lock.
func (s *Session) submitOTP(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusWaitingForOTP {
		return fmt.Errorf("%w (state=%s)", ErrNotWaiting, s.status)
	}
	if s.otpValue != "" {
		return ErrOTPPending
	}
	s.otpValue = code
	s.lastActivity = time.Now()

	select {
	case s.otpReady <- struct{}{}:
	default:
	}
	return nil
}

// TakeOTP returns and clears a submitted code.
func (s *Session) TakeOTP() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := s.otpValue
	s.otpValue = ""
	return code, code != ""
}

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	SessionID    string  `json:"session_id"`
	Kind         string  `json:"type,omitempty"`
	Status       Status  `json:"status"`
	Message      string  `json:"message"`
	CreatedAt    float64 `json:"created_at"`
	LastActivity float64 `json:"last_activity"`
	Result       Result  `json:"result"`
}

// Snapshot returns the current view. Result is only set once terminal.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SessionID:    s.id,
		Kind:         s.kind,
		Status:       s.status,
		Message:      s.message,
		CreatedAt:    unixSeconds(s.createdAt),
		LastActivity: unixSeconds(s.lastActivity),
	}
	if s.status.Terminal() {
		snap.Result = s.result
	}
	return snap
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
