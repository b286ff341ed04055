package api

import (
	"context"

	"gateway/internal/eventbus"
	"gateway/internal/session"
)

// Sessions is the slice of the session manager the shell API drives.
type Sessions interface {
	NewGrain(ctx context.Context, userID, appID, title string) (string, error)
	OpenSession(ctx context.Context, userID, grainID string) (*session.SessionInfo, error)
	KeepAlive(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan eventbus.Event, error)
}

var (
	_ Sessions   = (*session.SessionManager)(nil)
	_ Subscriber = (eventbus.EventBus)(nil)
)
