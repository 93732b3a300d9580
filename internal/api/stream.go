package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/session"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamSession handles GET /{portal}-session/{id}/ws. It pushes the
// session snapshot whenever its status or message changes and closes once
// the session is terminal.
func (h *Handler) StreamSession(w http.ResponseWriter, r *http.Request) {
	p, ok := h.portal(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	s, ok := h.session(p, id)
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("session_id", id))
	logger.Debug("status stream opened")

	// The client only ever closes; reading surfaces that.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("status stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	var (
		lastStatus  session.Status
		lastMessage string
	)
	for {
		snap := s.Snapshot()
		if snap.Status != lastStatus || snap.Message != lastMessage {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				logger.Debug("status stream write failed", zap.Error(err))
				return
			}
			lastStatus, lastMessage = snap.Status, snap.Message
		}

		if snap.Status.Terminal() {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
				time.Now().Add(writeWait))
			return
		}

		select {
		case <-gone:
			return
		case <-s.Done():
		case <-ticker.C:
		}
	}
}
