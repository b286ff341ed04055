package session

import (
	"time"

	"gateway/internal/proxy"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultGCInterval  = 60 * time.Second
)

type Config struct {
	// IdleTimeout is how long a session may go without a keep-alive before
	// the sweep closes it.
	IdleTimeout time.Duration
	// FirstPort is the bottom of the session port range, used to reconcile
	// the allocator after a restart.
	FirstPort int
	GrainDir  string
	Proxy     proxy.Options
}

// SessionInfo is what the shell needs to point the browser at a new session.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Port      int    `json:"port"`
}
