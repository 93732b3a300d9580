// Package session holds the in-memory table of task runs and their
// forward-only state machine.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry maps session ids to sessions. Entries live until Cleanup, which
// is normally scheduled a grace period after the session ends so late
// status polls still see the outcome.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
		logger:   logger,
	}
}

// Create registers a new session for the given workflow kind.
func (r *Registry) Create(kind string) *Session {
	s := newSession(uuid.New().String(), kind, time.Now())

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	return s
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of every session, optionally filtered by kind.
func (r *Registry) List(kind string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		if kind != "" && s.kind != kind {
			continue
		}
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// SubmitOTP hands code to a session waiting for it. Unknown sessions and
// sessions in any other state are rejected without mutation.
func (r *Registry) SubmitOTP(id, code string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	return s.submitOTP(code)
}

// Status returns the snapshot of a session or ErrNotFound.
func (r *Registry) Status(id string) (Snapshot, error) {
	s, ok := r.Get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.Snapshot(), nil
}

// Cleanup forces a non-terminal session to error, wakes anything waiting
// on it and removes it. Unknown ids are ignored.
func (r *Registry) Cleanup(id, message string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	if t, found := r.timers[id]; found {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if message == "" {
		message = "session cleaned up"
	}
	s.Fail(message)
	r.logger.Debug("session removed", zap.String("session_id", id), zap.String("status", string(s.Status())))
}

// ScheduleCleanup removes the session after delay. A later call replaces
// an earlier schedule.
func (r *Registry) ScheduleCleanup(id string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return
	}
	if t, found := r.timers[id]; found {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(delay, func() {
		r.Cleanup(id, "")
	})
}

// Close stops pending cleanup timers and fails every live session.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Cleanup(id, "agent shutting down")
	}
}
