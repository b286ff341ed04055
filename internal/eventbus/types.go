package eventbus

import "time"

type EventType string

const (
	EventSessionOpened EventType = "session.opened"
	EventSessionClosed EventType = "session.closed"
	EventGrainStarted  EventType = "grain.started"
	EventGrainExited   EventType = "grain.exited"
)

type Event struct {
	Type      EventType `json:"type"`
	GrainID   string    `json:"grain_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionTopic and GrainTopic name the streams events are published on.
func SessionTopic(sessionID string) string { return "session:" + sessionID }

func GrainTopic(grainID string) string { return "grain:" + grainID }

func ChannelKey(topic string) string {
	return "gateway:" + topic + ":events"
}
