package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"gateway/internal/api"
	"gateway/internal/assets"
	"gateway/internal/config"
	"gateway/internal/dispatcher"
	"gateway/internal/grain"
	"gateway/internal/monitor"
	"gateway/internal/portpool"
	"gateway/internal/proxy"
	"gateway/internal/resolver"
	"gateway/internal/session"

	"github.com/hibiken/asynq"
)

// firstAlternateFD is the first inherited descriptor of an alternate port.
const firstAlternateFD = 5

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	primary     *http.Server
	alternates  []*http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	sessions    *session.SessionManager
	cleaner     *session.SessionCleaner
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger

	ports := portpool.New(cfg.Proxy.FirstPort)
	ports.OnChange(func(available int) {
		monitor.ProxyPortsAvailable.Set(float64(available))
	})

	grains := grain.NewRegistry(deps.Spawner, deps.Bus, logger)
	proxies := proxy.NewRegistry()
	sessionMgr := session.NewSessionManager(deps.Store, grains, proxies, ports, deps.Bus, session.Config{
		IdleTimeout: cfg.Session.IdleTimeout,
		FirstPort:   cfg.Proxy.FirstPort,
		GrainDir:    cfg.Grain.Dir,
		Proxy: proxy.Options{
			BindAddr:    cfg.Proxy.BindAddr,
			BindRetries: cfg.Proxy.BindRetries,
		},
	}, logger)

	cleaner := session.NewSessionCleaner(sessionMgr.Sweep, session.CleanupConfig{
		Interval: cfg.Session.GCInterval,
	}, logger)

	var queue assets.Enqueuer
	if deps.AsynqClient != nil {
		queue = deps.AsynqClient
	}
	handlers := dispatcher.Handlers{
		Shell:    api.NewRouter(sessionMgr, deps.Bus, logger),
		Assets:   assets.NewRouter(assets.NewHandler(deps.Store, queue, logger)),
		SelfTest: assets.NewSelfTestRouter(cfg.Shell.RootURL, logger),
	}

	dns := resolver.New(cfg.Shell.RootURL, logger, resolver.WithTTL(cfg.DNS.CacheTTL))
	disp, err := dispatcher.New(dispatcher.Config{
		RootURL:         cfg.Shell.RootURL,
		DDPURL:          cfg.Shell.DDPURL,
		WildcardHost:    cfg.Shell.WildcardHost,
		WwwCacheSeconds: cfg.DNS.WwwCacheSeconds,
	}, handlers, proxies, dns, deps.Store, sessionMgr, logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		primary:  newHTTPServer(cfg, disp),
		sessions: sessionMgr,
		cleaner:  cleaner,
		logger:   logger,
	}
	alt := disp.Alternate()
	for range cfg.Server.AlternatePorts() {
		s.alternates = append(s.alternates, newHTTPServer(cfg, alt))
	}

	if deps.AsynqClient != nil {
		s.asynqServer = asynq.NewServer(deps.AsynqRedis, asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Logger:      newAsynqLogger(logger),
		})
		s.asynqMux = asynq.NewServeMux()
		assets.NewAssetTaskWorker(deps.Store, logger).Register(s.asynqMux)
	}

	return s, nil
}

func newHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// listen opens the primary listener followed by one per alternate port.
func (s *Server) listen() ([]net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Server.BindIP, strconv.Itoa(s.cfg.Server.PrimaryPort()))
	primary, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	listeners := []net.Listener{primary}

	for i, port := range s.cfg.Server.AlternatePorts() {
		var l net.Listener
		if s.cfg.Server.AlternatePortFDs {
			f := os.NewFile(uintptr(firstAlternateFD+i), "alternate-port-"+strconv.Itoa(port))
			l, err = net.FileListener(f)
			f.Close()
		} else {
			l, err = net.Listen("tcp", net.JoinHostPort(s.cfg.Server.BindIP, strconv.Itoa(port)))
		}
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return nil, fmt.Errorf("alternate port %d: %w", port, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

func (s *Server) Start(ctx context.Context) error {
	// Sessions from the previous run get their proxies back before any
	// request can reach them.
	if err := s.sessions.Restore(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	listeners, err := s.listen()
	if err != nil {
		s.sessions.Shutdown()
		return err
	}

	go s.cleaner.Start()

	if s.asynqServer != nil {
		go func() {
			s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
			if err := s.asynqServer.Start(s.asynqMux); err != nil {
				s.logger.Error("Asynq worker failed", "error", err)
			}
		}()
	}

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, len(listeners))
	servers := append([]*http.Server{s.primary}, s.alternates...)
	for i, srv := range servers {
		go func(srv *http.Server, l net.Listener, alternate bool) {
			s.logger.Info("Starting gateway listener", "addr", l.Addr().String(), "alternate", alternate)
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv, listeners[i], i > 0)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		s.Shutdown()
		return err
	}

	return s.Shutdown()
}

// Shutdown stops serving and closes every session proxy. Session records are
// kept so the next start can restore them.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, srv := range append([]*http.Server{s.primary}, s.alternates...) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}
	}

	s.cleaner.Stop()
	if s.asynqServer != nil {
		s.asynqServer.Shutdown()
	}
	s.sessions.Shutdown()

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
