package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gateway/internal/eventbus"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 30 * time.Second

type SessionHandler struct {
	sessions Sessions
	events   Subscriber
	logger   *slog.Logger
}

func NewSessionHandler(sessions Sessions, events Subscriber, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, events: events, logger: logger}
}

// KeepAlive POST /api/v1/sessions/:id/keepalive
func (h *SessionHandler) KeepAlive(c *gin.Context) {
	if err := h.sessions.KeepAlive(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CloseSession DELETE /api/v1/sessions/:id
func (h *SessionHandler) CloseSession(c *gin.Context) {
	if err := h.sessions.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StreamEvents GET /api/v1/sessions/:id/events
// streams session lifecycle events over SSE until the session closes.
func (h *SessionHandler) StreamEvents(c *gin.Context) {
	sessionID := c.Param("id")

	eventCh, err := h.events.Subscribe(c.Request.Context(), eventbus.SessionTopic(sessionID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// Long-lived; not bound by http.Server.WriteTimeout.
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("Failed to disable write deadline for SSE", "error", err)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				GrainID:   event.GrainID,
				SessionID: event.SessionID,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}
			c.SSEvent("message", string(data))

			// session.closed is the last event.
			return event.Type != eventbus.EventSessionClosed

		case <-c.Request.Context().Done():
			return false

		case <-heartbeat.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
