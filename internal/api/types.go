package api

import (
	"time"
)

type NewGrainRequest struct {
	AppID string `json:"app_id" binding:"required,max=128"`
	Title string `json:"title" binding:"max=256"`
}

type GrainResponse struct {
	GrainID string `json:"grain_id"`
}

type SessionResponse struct {
	SessionID string `json:"session_id"`
	Port      int    `json:"port"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Type      string `json:"type"`
	GrainID   string `json:"grain_id,omitempty"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
