package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gateway/internal/monitor"
	"gateway/internal/supervisor"

	"golang.org/x/sys/unix"
)

const (
	DefaultBindRetries = 16
	dropTimeout        = 2 * time.Second
	connectTimeout     = 30 * time.Second
)

type State int

const (
	Unbound State = iota
	Binding
	Listening
	Connected
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Binding:
		return "binding"
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Conn is a connection to a grain supervisor. *supervisor.Client implements it.
type Conn interface {
	Restore(ctx context.Context) (supervisor.Cap, error)
	GetMainView(ctx context.Context, sup supervisor.Cap) (supervisor.Cap, error)
	NewSession(ctx context.Context, req *supervisor.NewSessionRequest) (supervisor.Cap, error)
	Drop(ctx context.Context, handle supervisor.Cap) error
	KeepAlive(ctx context.Context, sup supervisor.Cap) error
	Get(ctx context.Context, req *supervisor.GetRequest) (*supervisor.Response, error)
	Post(ctx context.Context, req *supervisor.PostRequest) (*supervisor.Response, error)
	OpenWebSocket(ctx context.Context, open *supervisor.WebSocketOpen) (*supervisor.WebSocketStream, error)
	Close() error
}

var _ Conn = (*supervisor.Client)(nil)

type Dialer func(grainID string) (Conn, error)

// GrainDialer dials supervisors under grainDir.
func GrainDialer(grainDir string) Dialer {
	return func(grainID string) (Conn, error) {
		return supervisor.DialGrain(grainDir, grainID)
	}
}

// Ports is the slice of the port allocator a proxy needs.
type Ports interface {
	Claim() int
	Hold(port int)
	Release(port int)
}

type Options struct {
	// BindAddr is the interface session ports listen on; empty means all.
	BindAddr    string
	BindRetries int
}

// chain is the lazily acquired capability chain of one supervisor connection.
type chain struct {
	conn       Conn
	supervisor supervisor.Cap
	view       supervisor.Cap
	session    supervisor.Cap
	hasSession bool
	gen        uint64
}

// build is an in-flight connect or session open. Only one runs at a time and
// it runs without holding the proxy lock.
type build struct {
	done chan struct{}
	err  error
}

type hijackedConn struct {
	conn   net.Conn
	cancel context.CancelFunc
}

// Proxy exposes one session of one grain on its own HTTP port.
type Proxy struct {
	GrainID   string
	SessionID string

	ports  Ports
	dial   Dialer
	opts   Options
	logger *slog.Logger

	srv       *http.Server
	listener  net.Listener
	port      int
	serveDone chan struct{}

	// ctx bounds supervisor RPCs issued on behalf of the proxy; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	chain    chain
	gen      uint64
	building *build
	hijacked map[net.Conn]hijackedConn
	wsWG     sync.WaitGroup
}

func New(grainID, sessionID string, ports Ports, dial Dialer, opts Options, logger *slog.Logger) *Proxy {
	if opts.BindRetries <= 0 {
		opts.BindRetries = DefaultBindRetries
	}
	p := &Proxy{
		GrainID:   grainID,
		SessionID: sessionID,
		ports:     ports,
		dial:      dial,
		opts:      opts,
		logger:    logger.With("component", "session-proxy", "session_id", sessionID, "grain_id", grainID),
		state:     Unbound,
		hijacked:  make(map[net.Conn]hijackedConn),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return p
}

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Port is the bound port, zero until Start succeeds.
func (p *Proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Start binds the session port and begins serving. A preferred port is tried
// exactly once; otherwise ports in use by someone else are skipped up to the
// retry budget.
func (p *Proxy) Start(preferredPort int) error {
	p.mu.Lock()
	if p.state != Unbound {
		p.mu.Unlock()
		return fmt.Errorf("proxy already %s", p.state)
	}
	p.state = Binding
	p.mu.Unlock()

	ln, port, err := p.bind(preferredPort)
	if err != nil {
		p.mu.Lock()
		p.state = Closed
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	if p.state == Closed {
		// Closed while binding.
		p.mu.Unlock()
		ln.Close()
		p.ports.Release(port)
		return ErrProxyClosed
	}
	p.listener, p.port, p.state = ln, port, Listening
	p.serveDone = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.serveDone)
		if err := p.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("Session proxy server failed", "port", port, "error", err)
		}
	}()

	monitor.ProxyActiveCount.Inc()
	p.logger.Info("Session proxy listening", "port", port)
	return nil
}

func (p *Proxy) bind(preferredPort int) (net.Listener, int, error) {
	if preferredPort > 0 {
		p.ports.Hold(preferredPort)
		ln, err := p.listen(preferredPort)
		if err != nil {
			return nil, 0, fmt.Errorf("bind preferred port %d: %w", preferredPort, err)
		}
		return ln, preferredPort, nil
	}

	for attempt := 0; attempt <= p.opts.BindRetries; attempt++ {
		port := p.ports.Claim()
		ln, err := p.listen(port)
		if err == nil {
			return ln, port, nil
		}
		if !errors.Is(err, unix.EADDRINUSE) {
			p.ports.Release(port)
			return nil, 0, fmt.Errorf("bind port %d: %w", port, err)
		}
		// Someone outside our allocator owns this port; leave it claimed so it
		// is not handed out again.
		p.logger.Warn("Port in use, trying another", "port", port)
	}
	return nil, 0, ErrPortBindExhausted
}

func (p *Proxy) listen(port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(p.opts.BindAddr, strconv.Itoa(port)))
}

// acquire returns the capability chain, connecting and opening a web session
// as needed. r supplies the session parameters; it may be nil when no session
// is needed. Concurrent callers share one build, and the RPCs run outside the
// lock so Close and reset never queue behind a hung supervisor.
func (p *Proxy) acquire(ctx context.Context, r *http.Request, needSession bool) (chain, error) {
	for {
		p.mu.Lock()
		if p.state == Closed {
			p.mu.Unlock()
			return chain{}, ErrProxyClosed
		}
		if p.chain.conn != nil && (!needSession || p.chain.hasSession) {
			c := p.chain
			p.mu.Unlock()
			return c, nil
		}
		gen := p.gen
		if b := p.building; b != nil {
			p.mu.Unlock()
			select {
			case <-b.done:
			case <-ctx.Done():
				return chain{gen: gen}, ctx.Err()
			}
			if b.err != nil {
				return chain{gen: gen}, b.err
			}
			continue
		}
		b := &build{done: make(chan struct{})}
		p.building = b
		base := p.chain
		p.mu.Unlock()

		c, err := p.extend(base, r, needSession)

		p.mu.Lock()
		p.building = nil
		stale := p.state == Closed || p.gen != gen
		if err == nil && !stale {
			c.gen = gen
			p.chain = c
			p.state = Connected
		}
		p.mu.Unlock()
		b.err = err
		close(b.done)

		if err != nil {
			return chain{gen: gen}, err
		}
		if !stale {
			return c, nil
		}
		// Closed or reset while building. Whoever reset the chain released
		// base; only a connection we opened ourselves is still ours to free.
		if base.conn == nil {
			p.release(c)
		}
	}
}

// extend connects when base has no connection and opens a web session when
// one is needed. The RPCs are bounded by connectTimeout and abandoned on Close.
func (p *Proxy) extend(base chain, r *http.Request, needSession bool) (chain, error) {
	ctx, cancel := context.WithTimeout(p.ctx, connectTimeout)
	defer cancel()

	c := base
	if c.conn == nil {
		var err error
		if c, err = p.connect(ctx); err != nil {
			return chain{}, err
		}
	}
	if needSession && !c.hasSession {
		sess, err := c.conn.NewSession(ctx, &supervisor.NewSessionRequest{
			View:        c.view,
			User:        supervisor.UserInfo{DisplayName: "User"},
			SessionType: supervisor.WebSessionType,
			Params:      sessionParams(r),
		})
		if err != nil {
			if base.conn == nil {
				p.release(c)
			}
			return chain{}, err
		}
		c.session, c.hasSession = sess, true
	}
	return c, nil
}

// connect builds a fresh chain. Partially acquired capabilities are released
// on failure so a chain is never half-built.
func (p *Proxy) connect(ctx context.Context) (chain, error) {
	conn, err := p.dial(p.GrainID)
	if err != nil {
		return chain{}, err
	}
	sup, err := conn.Restore(ctx)
	if err != nil {
		conn.Close()
		return chain{}, err
	}
	view, err := conn.GetMainView(ctx, sup)
	if err != nil {
		p.dropAll(conn, sup)
		conn.Close()
		return chain{}, err
	}
	return chain{conn: conn, supervisor: sup, view: view}, nil
}

// reset tears the chain down in reverse acquisition order, unless another
// caller already reset the generation that failed.
func (p *Proxy) reset(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.resetLocked()
}

func (p *Proxy) resetLocked() {
	c := p.chain
	p.chain = chain{}
	p.gen++
	if p.state == Connected {
		p.state = Disconnected
	}
	p.release(c)
}

// release drops c's capabilities in reverse acquisition order and closes its
// connection.
func (p *Proxy) release(c chain) {
	if c.conn == nil {
		return
	}
	caps := make([]supervisor.Cap, 0, 3)
	if c.hasSession {
		caps = append(caps, c.session)
	}
	caps = append(caps, c.view, c.supervisor)
	p.dropAll(c.conn, caps...)
	if err := c.conn.Close(); err != nil {
		p.logger.Debug("Closing supervisor connection", "error", err)
	}
}

func (p *Proxy) dropAll(conn Conn, caps ...supervisor.Cap) {
	ctx, cancel := context.WithTimeout(context.Background(), dropTimeout)
	defer cancel()
	for _, c := range caps {
		if err := conn.Drop(ctx, c); err != nil {
			p.logger.Debug("Dropping capability", "error", err)
		}
	}
}

// do runs fn against the current chain and, if the connection broke, resets
// it and runs fn once more on a fresh one.
func (p *Proxy) do(ctx context.Context, r *http.Request, needSession bool, fn func(chain) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var c chain
		c, err = p.acquire(ctx, r, needSession)
		if err == nil {
			err = fn(c)
		}
		if err == nil || !supervisor.IsNetworkFailure(err) {
			return err
		}
		p.logger.Warn("Supervisor connection failed", "attempt", attempt+1, "error", err)
		p.reset(c.gen)
		if attempt == 0 {
			monitor.ProxyRPCRetriesTotal.Inc()
		}
	}
	return err
}

// KeepAlive pings the grain's supervisor so it does not shut the grain down.
func (p *Proxy) KeepAlive(ctx context.Context) error {
	return p.do(ctx, nil, false, func(c chain) error {
		return c.conn.KeepAlive(ctx, c.supervisor)
	})
}

// ResetConnection drops the supervisor connection; the next request reconnects.
// The listening socket is unaffected.
func (p *Proxy) ResetConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

// Close stops serving and releases everything. The port goes back to the
// allocator only after the listener is closed. An in-flight connect is
// cancelled rather than awaited. Calling Close again is a no-op.
func (p *Proxy) Close() error {
	p.cancel()
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return nil
	}
	wasListening := p.listener != nil
	p.state = Closed
	p.resetLocked()
	hijacked := p.hijacked
	p.hijacked = make(map[net.Conn]hijackedConn)
	p.mu.Unlock()

	// Binding still in progress; Start notices the state and cleans up.
	if !wasListening {
		return nil
	}

	err := p.srv.Close()
	for _, h := range hijacked {
		h.cancel()
		h.conn.Close()
	}
	p.wsWG.Wait()
	<-p.serveDone

	p.ports.Release(p.port)
	monitor.ProxyActiveCount.Dec()
	p.logger.Info("Session proxy closed", "port", p.port)
	return err
}

func (p *Proxy) trackHijacked(conn net.Conn, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Closed {
		return false
	}
	p.hijacked[conn] = hijackedConn{conn: conn, cancel: cancel}
	p.wsWG.Add(1)
	return true
}

func (p *Proxy) untrackHijacked(conn net.Conn) {
	p.mu.Lock()
	delete(p.hijacked, conn)
	p.mu.Unlock()
	p.wsWG.Done()
}
