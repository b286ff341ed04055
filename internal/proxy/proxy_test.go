package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gateway/internal/portpool"
	"gateway/internal/supervisor"
	"gateway/internal/supervisor/supervisortest"

	"go.uber.org/goleak"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSessionID = "sess-123"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func grainDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "px")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// freePort finds a port that was free a moment ago, used as the pool base.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// countingDialer records dials and can inject a network failure into the
// first Get of the first connection.
type countingDialer struct {
	grainDir  string
	mu        sync.Mutex
	dials     int
	failFirst bool
}

func (d *countingDialer) dial(grainID string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	c, err := supervisor.DialGrain(d.grainDir, grainID)
	if err != nil {
		return nil, err
	}
	if d.failFirst && n == 1 {
		return &flakyConn{Conn: c}, nil
	}
	return c, nil
}

func (d *countingDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type flakyConn struct {
	Conn
}

func (f *flakyConn) Get(context.Context, *supervisor.GetRequest) (*supervisor.Response, error) {
	return nil, status.Error(codes.Unavailable, "connection reset by peer")
}

func (f *flakyConn) OpenWebSocket(context.Context, *supervisor.WebSocketOpen) (*supervisor.WebSocketStream, error) {
	return nil, status.Error(codes.Unavailable, "connection reset by peer")
}

// stallingConn never finishes Restore until its context ends.
type stallingConn struct {
	Conn
	entered  chan struct{}
	released chan struct{}
}

func (s *stallingConn) Restore(ctx context.Context) (supervisor.Cap, error) {
	close(s.entered)
	<-ctx.Done()
	close(s.released)
	return 0, ctx.Err()
}

func (s *stallingConn) Close() error { return nil }

// busyPorts hands out the same port every time.
type busyPorts struct {
	port   int
	claims int
}

func (b *busyPorts) Claim() int {
	b.claims++
	return b.port
}
func (b *busyPorts) Hold(int) {}
func (b *busyPorts) Release(int) {}

type harness struct {
	t      *testing.T
	fake   *supervisortest.Fake
	pool   *portpool.Pool
	dialer *countingDialer
	proxy  *Proxy
	client *http.Client
}

func newHarness(t *testing.T, fake *supervisortest.Fake, failFirst bool) *harness {
	t.Helper()
	dir := grainDir(t)
	supervisortest.Serve(t, fake, dir, "grain1")

	h := &harness{
		t:      t,
		fake:   fake,
		pool:   portpool.New(freePort(t)),
		dialer: &countingDialer{grainDir: dir, failFirst: failFirst},
		client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	h.proxy = New("grain1", testSessionID, h.pool, h.dialer.dial, Options{BindAddr: "127.0.0.1"}, testLogger())
	if err := h.proxy.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.proxy.Close() })
	return h
}

func (h *harness) url(path string) string {
	return "http://127.0.0.1:" + strconv.Itoa(h.proxy.Port()) + path
}

func (h *harness) do(method, path, cookie string, body io.Reader) (*http.Response, string) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.url(path), body)
	if err != nil {
		h.t.Fatal(err)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestSessionInitThenForward(t *testing.T) {
	h := newHarness(t, supervisortest.NewFake(), false)

	resp, _ := h.do("GET", InitPath+testSessionID, "theme=dark; lang=en", nil)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("init status = %d, want 303", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want /", loc)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache, private" {
		t.Errorf("Cache-Control = %q", cc)
	}
	want := []string{
		"theme=; expires=Thu, 01 Jan 1970 00:00:00 GMT",
		"lang=; expires=Thu, 01 Jan 1970 00:00:00 GMT",
		"sandstorm-sid=" + testSessionID + "; Max-Age=31536000; HttpOnly",
	}
	if got := resp.Header.Values("Set-Cookie"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Set-Cookie = %q\nwant %q", got, want)
	}

	resp, body := h.do("GET", "/index.html?x=1", "sandstorm-sid="+testSessionID+"; theme=dark", nil)
	if resp.StatusCode != http.StatusOK || body != "GET index.html?x=1" {
		t.Fatalf("forwarded GET = %d %q", resp.StatusCode, body)
	}

	sessions := h.fake.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected one web session, got %d", len(sessions))
	}
	if sessions[0].Params.UserAgent == "" || len(sessions[0].Params.AcceptableLanguages) == 0 {
		t.Errorf("session params incomplete: %+v", sessions[0].Params)
	}
	if h.proxy.State() != Connected {
		t.Errorf("state = %s, want connected", h.proxy.State())
	}
}

func TestInitWithCurrentCookieSetsNothing(t *testing.T) {
	h := newHarness(t, supervisortest.NewFake(), false)

	resp, _ := h.do("GET", InitPath+testSessionID, "sandstorm-sid="+testSessionID, nil)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 0 {
		t.Fatalf("unexpected Set-Cookie %q", got)
	}
}

func TestInitWithDuplicateSessionCookie(t *testing.T) {
	h := newHarness(t, supervisortest.NewFake(), false)

	resp, _ := h.do("GET", InitPath+testSessionID, "sandstorm-sid="+testSessionID+"; sandstorm-sid=other", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 0 {
		t.Fatalf("unexpected Set-Cookie %q", got)
	}
}

func TestCookieChecks(t *testing.T) {
	h := newHarness(t, supervisortest.NewFake(), false)

	tests := []struct {
		name   string
		cookie string
		status int
	}{
		{"missing", "", http.StatusForbidden},
		{"mismatched", "sandstorm-sid=other", http.StatusForbidden},
		{"duplicate", "sandstorm-sid=" + testSessionID + "; sandstorm-sid=" + testSessionID, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := h.do("GET", "/", tt.cookie, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
	if h.dialer.Dials() != 0 {
		t.Fatalf("unauthenticated requests reached the grain")
	}
}

func TestPostAndUnsupportedMethod(t *testing.T) {
	fake := supervisortest.NewFake()
	var gotMime string
	fake.OnPost = func(req *supervisor.PostRequest) (*supervisor.Response, error) {
		gotMime = req.Content.MimeType
		return supervisortest.TextResponse(string(req.Content.Content)), nil
	}
	h := newHarness(t, fake, false)
	cookie := "sandstorm-sid=" + testSessionID

	req, _ := http.NewRequest("POST", h.url("/submit"), strings.NewReader("a=1"))
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "a=1" || gotMime != "application/x-www-form-urlencoded" {
		t.Fatalf("POST = %d %q mime=%q", resp.StatusCode, body, gotMime)
	}

	resp, _ = h.do("PUT", "/x", cookie, strings.NewReader("z"))
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PUT status = %d, want 405", resp.StatusCode)
	}
}

func TestRetryOnceAfterNetworkFailure(t *testing.T) {
	h := newHarness(t, supervisortest.NewFake(), true)

	resp, body := h.do("GET", "/page", "sandstorm-sid="+testSessionID, nil)
	if resp.StatusCode != 200 || body != "GET page" {
		t.Fatalf("GET = %d %q", resp.StatusCode, body)
	}
	if h.dialer.Dials() != 2 {
		t.Fatalf("dials = %d, want 2 (reset and retry)", h.dialer.Dials())
	}
	// The broken chain was torn down in reverse order before reconnecting.
	if got := h.fake.Drops(); !reflect.DeepEqual(got, []string{"session", "view", "supervisor"}) {
		t.Fatalf("drops = %v", got)
	}
}

func TestApplicationErrorNotRetried(t *testing.T) {
	fake := supervisortest.NewFake()
	fake.OnGet = func(*supervisor.GetRequest) (*supervisor.Response, error) {
		return nil, errors.New("app crashed")
	}
	h := newHarness(t, fake, false)

	resp, body := h.do("GET", "/", "sandstorm-sid="+testSessionID, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if strings.Contains(body, "app crashed") {
		t.Errorf("internal error text leaked: %q", body)
	}
	if h.dialer.Dials() != 1 {
		t.Fatalf("dials = %d, want 1", h.dialer.Dials())
	}
}

func TestSupervisorDownFailsAfterOneRetry(t *testing.T) {
	pool := portpool.New(freePort(t))
	dialer := &countingDialer{grainDir: grainDir(t)}
	p := New("nogrn", testSessionID, pool, dialer.dial, Options{BindAddr: "127.0.0.1"}, testLogger())

	req, _ := http.NewRequest("GET", "http://gw/x", nil)
	req.RequestURI = "/x"
	req.Header.Set("Cookie", "sandstorm-sid="+testSessionID)
	rec := newRecorder()
	p.ServeHTTP(rec, req)

	if rec.status != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.status)
	}
	if dialer.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.Dials())
	}
	if p.State() != Unbound {
		t.Fatalf("state = %s", p.State())
	}
	_ = p.Close()
}

func TestKeepAlive(t *testing.T) {
	h := newHarness(t, supervisortest.NewFake(), false)
	if err := h.proxy.KeepAlive(context.Background()); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	if h.fake.KeepAlives() != 1 {
		t.Fatalf("keepAlives = %d", h.fake.KeepAlives())
	}
	// No web session is needed for a ping.
	if len(h.fake.Sessions()) != 0 {
		t.Fatal("KeepAlive opened a web session")
	}
}

func TestCloseIsIdempotentAndReleasesPort(t *testing.T) {
	h := newHarness(t, supervisortest.NewFake(), false)
	h.do("GET", "/", "sandstorm-sid="+testSessionID, nil)
	port := h.proxy.Port()

	if err := h.proxy.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.proxy.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h.proxy.State() != Closed {
		t.Fatalf("state = %s", h.proxy.State())
	}
	if got := h.pool.Available(); len(got) != 1 || got[0] != port {
		t.Fatalf("available = %v, want [%d]", got, port)
	}
	if _, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second); err == nil {
		t.Fatal("port still accepting after Close")
	}
	if got := h.fake.Drops(); !reflect.DeepEqual(got, []string{"session", "view", "supervisor"}) {
		t.Fatalf("drops = %v", got)
	}
}

func TestPreferredPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	p := New("g", "s", portpool.New(busy), func(string) (Conn, error) { return nil, errors.New("unused") },
		Options{BindAddr: "127.0.0.1"}, testLogger())
	if err := p.Start(busy); err == nil {
		t.Fatal("expected bind failure on busy preferred port")
	}
	if p.State() != Closed {
		t.Fatalf("state = %s, want closed", p.State())
	}
}

func TestBindSkipsPortsInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	pool := portpool.New(busy)
	p := New("g", "s", pool, func(string) (Conn, error) { return nil, errors.New("unused") },
		Options{BindAddr: "127.0.0.1"}, testLogger())
	if err := p.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if p.Port() == busy {
		t.Fatal("bound the busy port")
	}
	for _, a := range pool.Available() {
		if a == busy {
			t.Fatal("busy port was returned to the pool")
		}
	}
}

func TestBindRetryExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ports := &busyPorts{port: ln.Addr().(*net.TCPAddr).Port}
	p := New("g", "s", ports, func(string) (Conn, error) { return nil, errors.New("unused") },
		Options{BindAddr: "127.0.0.1", BindRetries: 2}, testLogger())
	if err := p.Start(0); !errors.Is(err, ErrPortBindExhausted) {
		t.Fatalf("Start = %v, want ErrPortBindExhausted", err)
	}
	if ports.claims != 3 {
		t.Fatalf("claims = %d, want 3", ports.claims)
	}
	if p.State() != Closed {
		t.Fatalf("state = %s, want closed", p.State())
	}
}

func TestCloseDoesNotWaitForConnect(t *testing.T) {
	conn := &stallingConn{entered: make(chan struct{}), released: make(chan struct{})}
	p := New("g", testSessionID, portpool.New(freePort(t)), func(string) (Conn, error) { return conn, nil },
		Options{BindAddr: "127.0.0.1"}, testLogger())
	if err := p.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	served := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest("GET", "http://127.0.0.1/", nil)
		req.RequestURI = "/"
		req.Header.Set("Cookie", "sandstorm-sid="+testSessionID)
		rec := newRecorder()
		p.ServeHTTP(rec, req)
		served <- rec.status
	}()

	select {
	case <-conn.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the supervisor")
	}

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for an in-flight connect")
	}

	select {
	case <-conn.released:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight connect was not cancelled")
	}
	select {
	case status := <-served:
		if status != http.StatusInternalServerError {
			t.Fatalf("status = %d, want %d", status, http.StatusInternalServerError)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not finish after Close")
	}
}

// upgrade completes a WebSocket handshake on a raw connection and returns the
// reader positioned after the response headers.
func upgrade(t *testing.T, h *harness) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(h.proxy.Port()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	req := "GET /socket HTTP/1.1\r\n" +
		"Host: 127.0.0.1\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Cookie: sandstorm-sid=" + testSessionID + "\r\n\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if statusLine != "HTTP/1.1 101 Switching Protocols\r\n" {
		t.Fatalf("status line = %q", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			return conn, br
		}
	}
}

func hijackedCount(p *Proxy) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hijacked)
}

func echoSocket(open *supervisor.WebSocketOpen, ws *supervisor.ServerWebSocket) error {
	if err := ws.Accept(nil); err != nil {
		return err
	}
	for {
		data, err := ws.Recv()
		if err != nil {
			return nil
		}
		if err := ws.Send(data); err != nil {
			return err
		}
	}
}

func TestWebSocketRetryAfterNetworkFailure(t *testing.T) {
	fake := supervisortest.NewFake()
	fake.OnWebSocket = echoSocket
	h := newHarness(t, fake, true)

	conn, br := upgrade(t, h)
	if h.dialer.Dials() != 2 {
		t.Fatalf("dials = %d, want 2", h.dialer.Dials())
	}
	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("echo = %q", got)
	}
}

func TestBrowserDisconnectEndsRelay(t *testing.T) {
	ended := make(chan struct{})
	fake := supervisortest.NewFake()
	fake.OnWebSocket = func(open *supervisor.WebSocketOpen, ws *supervisor.ServerWebSocket) error {
		defer close(ended)
		if err := ws.Accept(nil); err != nil {
			return err
		}
		// Never reads; only the gateway abandoning the stream ends it.
		<-ws.Context().Done()
		return nil
	}
	h := newHarness(t, fake, false)

	conn, _ := upgrade(t, h)
	if n := hijackedCount(h.proxy); n != 1 {
		t.Fatalf("hijacked = %d, want 1", n)
	}
	conn.Close()

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("grain stream still open after the browser left")
	}
	deadline := time.Now().Add(5 * time.Second)
	for hijackedCount(h.proxy) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hijacked = %d after the browser left", hijackedCount(h.proxy))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWebSocketHandshakeBeforeData(t *testing.T) {
	fake := supervisortest.NewFake()
	fake.OnWebSocket = func(open *supervisor.WebSocketOpen, ws *supervisor.ServerWebSocket) error {
		if err := ws.Accept([]string{"chat"}); err != nil {
			return err
		}
		// Sent immediately after accepting; must not overtake the 101.
		if err := ws.Send([]byte("hello")); err != nil {
			return err
		}
		for {
			data, err := ws.Recv()
			if err != nil {
				return nil
			}
			if err := ws.Send(data); err != nil {
				return err
			}
		}
	}
	h := newHarness(t, fake, false)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(h.proxy.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	key := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /socket HTTP/1.1\r\n" +
		"Host: 127.0.0.1\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Protocol: chat, superchat\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Cookie: sandstorm-sid=" + testSessionID + "\r\n\r\n" +
		"early"
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if statusLine != "HTTP/1.1 101 Switching Protocols\r\n" {
		t.Fatalf("first bytes on the socket = %q", statusLine)
	}

	headers := map[string]string{}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
		k, v, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ": ")
		headers[k] = v
	}
	if headers["Sec-WebSocket-Accept"] != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("Sec-WebSocket-Accept = %q", headers["Sec-WebSocket-Accept"])
	}
	if headers["Sec-WebSocket-Protocol"] != "chat" {
		t.Errorf("Sec-WebSocket-Protocol = %q", headers["Sec-WebSocket-Protocol"])
	}

	got := make([]byte, len("helloearly"))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("reading relayed data: %v", err)
	}
	if string(got) != "helloearly" {
		t.Fatalf("relayed data = %q, want helloearly", got)
	}
}

func TestWebSocketWithoutKeyIsDropped(t *testing.T) {
	h := newHarness(t, supervisortest.NewFake(), false)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(h.proxy.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, _ = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Cookie: sandstorm-sid="+testSessionID+"\r\n\r\n")
	n, err := conn.Read(make([]byte, 64))
	if n != 0 || err == nil {
		t.Fatalf("expected the socket to be closed without a response, read %d bytes (%v)", n, err)
	}
}

func TestTranslate(t *testing.T) {
	abs := int64(1700000000)
	rel := uint64(60)

	tests := []struct {
		name    string
		resp    *supervisor.Response
		status  int
		header  map[string]string
		body    string
		wantErr error
	}{
		{
			name:   "created with download",
			resp:   &supervisor.Response{Content: &supervisor.Content{StatusCode: "created", MimeType: "text/csv", Encoding: "gzip", Language: "fr", Body: supervisor.Body{Bytes: []byte("a,b")}, Disposition: &supervisor.Disposition{Download: "re\"port\\\n.csv"}}},
			status: 201,
			header: map[string]string{
				"Content-Type":        "text/csv",
				"Content-Encoding":    "gzip",
				"Content-Language":    "fr",
				"Content-Length":      "3",
				"Content-Disposition": "attachment; filename=\"re\\\"port\\\\\\\n.csv\"",
			},
			body: "a,b",
		},
		{name: "see other", resp: &supervisor.Response{Redirect: &supervisor.Redirect{SwitchToGet: true, Location: "/a"}}, status: 303, header: map[string]string{"Location": "/a"}},
		{name: "moved permanently", resp: &supervisor.Response{Redirect: &supervisor.Redirect{SwitchToGet: true, IsPermanent: true, Location: "/b"}}, status: 301},
		{name: "temporary redirect", resp: &supervisor.Response{Redirect: &supervisor.Redirect{Location: "/c"}}, status: 307},
		{name: "permanent redirect", resp: &supervisor.Response{Redirect: &supervisor.Redirect{IsPermanent: true, Location: "/d"}}, status: 308},
		{name: "teapot default page", resp: &supervisor.Response{ClientError: &supervisor.ClientError{StatusCode: "imATeapot"}}, status: 418, header: map[string]string{"Content-Type": "text/html"}, body: "<html><body><h1>418: I'm a teapot</h1></body></html>"},
		{name: "client error description", resp: &supervisor.Response{ClientError: &supervisor.ClientError{StatusCode: "gone", DescriptionHTML: "<p>gone</p>"}}, status: 410, body: "<p>gone</p>"},
		{name: "server error", resp: &supervisor.Response{ServerError: &supervisor.ServerError{}}, status: 500, body: "<html><body><h1>500: Internal Server Error</h1></body></html>"},
		{name: "unknown success code", resp: &supervisor.Response{Content: &supervisor.Content{StatusCode: "partial"}}, wantErr: ErrUnknownResponse},
		{name: "unknown client code", resp: &supervisor.Response{ClientError: &supervisor.ClientError{StatusCode: "paymentRequired"}}, wantErr: ErrUnknownResponse},
		{name: "empty union", resp: &supervisor.Response{}, wantErr: ErrUnknownResponse},
		{name: "streamed body", resp: &supervisor.Response{Content: &supervisor.Content{StatusCode: "ok", Body: supervisor.Body{Stream: 7}}}, wantErr: errStreamingBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := translate(tt.resp)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if out.status != tt.status {
				t.Errorf("status = %d, want %d", out.status, tt.status)
			}
			for k, v := range tt.header {
				if got := out.header.Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}
			if tt.body != "" && string(out.body) != tt.body {
				t.Errorf("body = %q, want %q", out.body, tt.body)
			}
		})
	}

	out, err := translate(&supervisor.Response{
		SetCookies: []supervisor.SetCookie{
			{Name: "a", Value: "1", Expires: supervisor.Expires{Absolute: &abs}, HTTPOnly: true},
			{Name: "b", Value: "2", Expires: supervisor.Expires{Relative: &rel}},
			{Name: "c", Value: "3"},
		},
		Redirect: &supervisor.Redirect{Location: "/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"a=1; Expires=Tue, 14 Nov 2023 22:13:20 GMT; HttpOnly",
		"b=2; Max-Age=60",
		"c=3",
	}
	if got := out.header.Values("Set-Cookie"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Set-Cookie = %q\nwant %q", got, want)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p := New("g", "s1", portpool.New(7000), nil, Options{}, testLogger())

	if err := r.Add(p); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(New("g", "s1", portpool.New(7000), nil, Options{}, testLogger())); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("duplicate Add err = %v", err)
	}
	if got, ok := r.Get("s1"); !ok || got != p {
		t.Fatal("Get did not return the registered proxy")
	}
	if _, ok := r.Remove("s1"); !ok || r.Len() != 0 {
		t.Fatal("Remove failed")
	}
}

func TestAcceptKey(t *testing.T) {
	if got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("AcceptKey = %q", got)
	}
}

type recorder struct {
	header http.Header
	status int
	body   strings.Builder
}

func newRecorder() *recorder { return &recorder{header: make(http.Header)} }

func (r *recorder) Header() http.Header { return r.header }
func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = 200
	}
	return r.body.Write(b)
}
func (r *recorder) WriteHeader(code int) { r.status = code }
