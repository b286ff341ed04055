package session

import (
	"context"
	"log/slog"
	"time"
)

// CleanupConfig controls the idle-session sweep.
type CleanupConfig struct {
	Interval time.Duration // time between sweeps
	Timeout  time.Duration // bound on a single sweep
}

// SessionCleaner periodically closes sessions that stopped sending keep-alives.
type SessionCleaner struct {
	sweep  func(ctx context.Context) (int, error)
	logger *slog.Logger
	config CleanupConfig
	stopCh chan struct{}
}

// NewSessionCleaner builds a cleaner around sweep, usually SessionManager.Sweep.
func NewSessionCleaner(
	sweep func(ctx context.Context) (int, error),
	config CleanupConfig,
	logger *slog.Logger,
) *SessionCleaner {
	if config.Interval <= 0 {
		config.Interval = DefaultGCInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SessionCleaner{
		sweep:  sweep,
		logger: logger.With("component", "session-cleaner"),
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop. It blocks; run it in a goroutine.
func (c *SessionCleaner) Start() {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.logger.Info("Session cleaner started", "interval", c.config.Interval)

	for {
		select {
		case <-c.stopCh:
			c.logger.Info("Session cleaner stopped")
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// Stop ends the sweep loop. It is safe to call more than once.
func (c *SessionCleaner) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *SessionCleaner) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	swept, err := c.sweep(ctx)
	if err != nil {
		c.logger.Error("Failed to sweep idle sessions", "error", err)
		return
	}
	if swept > 0 {
		c.logger.Info("Session cleanup completed", "swept", swept)
	}
}
