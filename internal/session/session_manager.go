package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gateway/internal/eventbus"
	"gateway/internal/httperr"
	"gateway/internal/monitor"
	"gateway/internal/portpool"
	"gateway/internal/proxy"
	"gateway/internal/store"
	"gateway/internal/supervisor"

	"github.com/google/uuid"
)

var ErrSessionNotFound = httperr.NotFound("Session not found")

// SessionManager owns the lifecycle of grains' UI sessions: starting grains,
// opening a proxy per session, keep-alives, the idle sweep and the restore
// after a restart.
type SessionManager struct {
	store   Store
	grains  Grains
	proxies *proxy.Registry
	ports   *portpool.Pool
	dial    proxy.Dialer
	bus     eventbus.EventBus
	config  Config
	logger  *slog.Logger
	base    *slog.Logger // unscoped, handed to proxies
	now     func() time.Time
}

func NewSessionManager(st Store, grains Grains, proxies *proxy.Registry, ports *portpool.Pool, bus eventbus.EventBus, config Config, logger *slog.Logger) *SessionManager {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	return &SessionManager{
		store:   st,
		grains:  grains,
		proxies: proxies,
		ports:   ports,
		dial:    proxy.GrainDialer(config.GrainDir),
		bus:     bus,
		config:  config,
		logger:  logger.With("component", "session-manager"),
		base:    logger,
		now:     time.Now,
	}
}

// NewGrain creates a grain record for userID and starts it with the app's
// newCommand.
func (s *SessionManager) NewGrain(ctx context.Context, userID, appID, title string) (string, error) {
	if userID == "" {
		return "", httperr.Unauthorized("Must be logged in to create grains.")
	}

	app, err := s.store.GetApp(ctx, appID)
	if errors.Is(err, store.ErrNotFound) {
		return "", httperr.NotFound("App not installed")
	}
	if err != nil {
		return "", err
	}
	if app.Manifest.NewCommand == nil {
		return "", httperr.New(http.StatusInternalServerError, "App manifest defines no newCommand.")
	}

	grainID := uuid.NewString()
	if err := s.store.InsertGrain(ctx, &store.Grain{
		ID:      grainID,
		AppID:   appID,
		UserID:  userID,
		Title:   title,
		Created: s.now(),
	}); err != nil {
		return "", fmt.Errorf("insert grain: %w", err)
	}

	if err := s.grains.EnsureRunning(ctx, appID, grainID, *app.Manifest.NewCommand, true); err != nil {
		return "", err
	}

	s.logger.Info("Grain created", "grain_id", grainID, "app_id", appID, "user_id", userID)
	return grainID, nil
}

// ensureGrain waits for a start already in flight or starts the grain with
// its app's continueCommand.
func (s *SessionManager) ensureGrain(ctx context.Context, grainID string) error {
	found, err := s.grains.Await(ctx, grainID)
	if found {
		return err
	}

	g, err := s.store.GetGrain(ctx, grainID)
	if errors.Is(err, store.ErrNotFound) {
		return httperr.Wrap(http.StatusNotFound, "Grain Not Found", fmt.Errorf("grain ID: %s", grainID))
	}
	if err != nil {
		return err
	}

	app, err := s.store.GetApp(ctx, g.AppID)
	if errors.Is(err, store.ErrNotFound) {
		return httperr.Wrap(http.StatusInternalServerError, "Grain's app not installed", fmt.Errorf("app ID: %s", g.AppID))
	}
	if err != nil {
		return err
	}
	if app.Manifest.ContinueCommand == nil {
		return httperr.Wrap(http.StatusInternalServerError, "App manifest defines no continueCommand.", fmt.Errorf("app ID: %s", g.AppID))
	}

	return s.grains.EnsureRunning(ctx, g.AppID, grainID, *app.Manifest.ContinueCommand, false)
}

// OpenSession starts the grain if needed and binds a fresh proxy for a new
// session on it.
func (s *SessionManager) OpenSession(ctx context.Context, userID, grainID string) (*SessionInfo, error) {
	start := time.Now()
	if err := s.ensureGrain(ctx, grainID); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	p := proxy.New(grainID, sessionID, s.ports, s.dial, s.config.Proxy, s.base)
	if err := p.Start(0); err != nil {
		return nil, err
	}
	if err := s.proxies.Add(p); err != nil {
		_ = p.Close()
		return nil, err
	}

	err := s.store.InsertSession(ctx, &store.Session{
		ID:        sessionID,
		GrainID:   grainID,
		UserID:    userID,
		Port:      p.Port(),
		Timestamp: s.now(),
	})
	if err != nil {
		s.proxies.Remove(sessionID)
		_ = p.Close()
		return nil, fmt.Errorf("insert session: %w", err)
	}

	monitor.SessionActiveCount.Inc()
	monitor.SessionOpenLatency.Observe(time.Since(start).Seconds())
	s.publish(ctx, eventbus.EventSessionOpened, grainID, sessionID, map[string]int{"port": p.Port()})
	s.logger.Info("Session opened", "session_id", sessionID, "grain_id", grainID, "port", p.Port())

	return &SessionInfo{SessionID: sessionID, Port: p.Port()}, nil
}

// KeepAlive refreshes the session's timestamp and pings its grain.
// Any caller knowing the session id may keep it alive.
// TODO: charge keep-alives to the grain owner's quota once quotas exist.
func (s *SessionManager) KeepAlive(ctx context.Context, sessionID string) error {
	if err := s.store.TouchSession(ctx, sessionID, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	p, ok := s.proxies.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return p.KeepAlive(ctx)
}

func (s *SessionManager) CloseSession(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if err := s.store.RemoveSession(ctx, sessionID); err != nil {
		return err
	}
	s.closeProxy(ctx, sessionID, sess.GrainID)
	return nil
}

func (s *SessionManager) closeProxy(ctx context.Context, sessionID, grainID string) {
	if p, ok := s.proxies.Remove(sessionID); ok {
		if err := p.Close(); err != nil {
			s.logger.Warn("Closing session proxy", "session_id", sessionID, "error", err)
		}
		monitor.SessionActiveCount.Dec()
	}
	s.publish(ctx, eventbus.EventSessionClosed, grainID, sessionID, nil)
}

// Sweep closes every session idle for longer than the idle timeout. A record
// touched after the cutoff was computed is left alone.
func (s *SessionManager) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.IdleTimeout)
	idle, err := s.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sess := range idle {
		removed, err := s.store.RemoveSessionIfIdle(ctx, sess.ID, cutoff)
		if err != nil {
			s.logger.Error("Failed to remove idle session", "session_id", sess.ID, "error", err)
			continue
		}
		if !removed {
			continue
		}
		s.logger.Info("Closing idle session",
			"session_id", sess.ID,
			"grain_id", sess.GrainID,
			"idle", s.now().Sub(sess.Timestamp),
		)
		s.closeProxy(ctx, sess.ID, sess.GrainID)
		swept++
	}

	monitor.SessionsSweptTotal.Add(float64(swept))
	return swept, nil
}

// Restore runs at startup: it sweeps, re-binds a proxy on the recorded port of
// every remaining session, drops records whose port cannot be re-bound, and
// rebuilds the port allocator around the survivors.
func (s *SessionManager) Restore(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		return fmt.Errorf("sweep before restore: %w", err)
	}

	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return err
	}

	inUse := make([]int, 0, len(sessions))
	for _, sess := range sessions {
		p := proxy.New(sess.GrainID, sess.ID, s.ports, s.dial, s.config.Proxy, s.base)
		if err := p.Start(sess.Port); err != nil {
			s.logger.Warn("Cannot restore session", "session_id", sess.ID, "port", sess.Port, "error", err)
			if err := s.store.RemoveSession(ctx, sess.ID); err != nil {
				s.logger.Error("Failed to remove unrestorable session", "session_id", sess.ID, "error", err)
			}
			continue
		}
		if err := s.proxies.Add(p); err != nil {
			_ = p.Close()
			continue
		}
		monitor.SessionActiveCount.Inc()
		inUse = append(inUse, sess.Port)
	}

	s.ports.Reconcile(s.config.FirstPort, inUse)
	s.logger.Info("Sessions restored", "restored", len(inUse), "recorded", len(sessions), "next_port", s.ports.Next())
	return nil
}

// UseGrain runs fn against a running grain's supervisor over a temporary
// connection that is torn down afterwards.
func (s *SessionManager) UseGrain(ctx context.Context, grainID string, fn func(ctx context.Context, c *supervisor.Client, sup supervisor.Cap) error) error {
	if err := s.ensureGrain(ctx, grainID); err != nil {
		return err
	}

	c, err := supervisor.DialGrain(s.config.GrainDir, grainID)
	if err != nil {
		return err
	}
	defer c.Close()

	sup, err := c.Restore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Drop(dctx, sup)
	}()

	return fn(ctx, c, sup)
}

// Shutdown closes every proxy. Session records are kept so Restore can bring
// them back on the next start.
func (s *SessionManager) Shutdown() {
	n := s.proxies.Len()
	s.proxies.CloseAll()
	s.logger.Info("Session proxies closed", "count", n)
}

func (s *SessionManager) publish(ctx context.Context, typ eventbus.EventType, grainID, sessionID string, payload any) {
	if s.bus == nil {
		return
	}
	ev := eventbus.Event{
		Type:      typ,
		GrainID:   grainID,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: s.now(),
	}
	if err := s.bus.Publish(ctx, eventbus.SessionTopic(sessionID), ev); err != nil {
		s.logger.Warn("Failed to publish session event", "type", typ, "session_id", sessionID, "error", err)
	}
}

