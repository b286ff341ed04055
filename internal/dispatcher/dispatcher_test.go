package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gateway/internal/httperr"
	"gateway/internal/portpool"
	"gateway/internal/proxy"
	"gateway/internal/resolver"
	"gateway/internal/store"
	"gateway/internal/store/memory"
	"gateway/internal/supervisor"
)

type fakeResolver struct {
	ids   map[string]string
	err   error
	hosts []string
}

func (f *fakeResolver) Resolve(_ context.Context, host string) (string, error) {
	f.hosts = append(f.hosts, host)
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.ids[host]; ok {
		return id, nil
	}
	return "", &resolver.LookupError{Status: http.StatusNotFound, Host: host}
}

// recordingGrains stands in for the session manager: it records which grain
// a www request asked for and fails the call.
type recordingGrains struct {
	mu    sync.Mutex
	calls []string
}

func (g *recordingGrains) UseGrain(_ context.Context, grainID string, _ func(context.Context, *supervisor.Client, supervisor.Cap) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, grainID)
	return httperr.New(http.StatusServiceUnavailable, "grain "+grainID)
}

func (g *recordingGrains) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, name)
	})
}

type DispatcherTestHarness struct {
	d        *Dispatcher
	store    *memory.Store
	resolver *fakeResolver
	grains   *recordingGrains
	proxies  *proxy.Registry
}

func newHarness(t *testing.T) *DispatcherTestHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := memory.New()
	ctx := context.Background()
	if err := st.InsertGrain(ctx, &store.Grain{ID: "grain-1", AppID: "app", PublicID: "pub1"}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertGrain(ctx, &store.Grain{ID: "grain-2", AppID: "app", PublicID: "blogid"}); err != nil {
		t.Fatal(err)
	}

	res := &fakeResolver{ids: map[string]string{"blog.example.org": "blogid"}}
	grains := &recordingGrains{}
	proxies := proxy.NewRegistry()

	d, err := New(Config{
		RootURL:      "https://example.com:6080",
		DDPURL:       "https://ddp.example.com",
		WildcardHost: "*.example.com:6080",
	}, Handlers{
		Shell:    named("shell"),
		Assets:   named("assets"),
		SelfTest: named("selftest"),
	}, proxies, res, st, grains, logger)
	if err != nil {
		t.Fatal(err)
	}
	return &DispatcherTestHarness{d: d, store: st, resolver: res, grains: grains, proxies: proxies}
}

func (h *DispatcherTestHarness) addSession(t *testing.T, sessionID string) {
	t.Helper()
	dial := func(string) (proxy.Conn, error) { return nil, errors.New("grain down") }
	p := proxy.New("grain-1", sessionID, portpool.New(30000), dial, proxy.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := h.proxies.Add(p); err != nil {
		t.Fatal(err)
	}
}

func serve(h http.Handler, host, uri string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", uri, nil)
	req.Host = host
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRejectsBadConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := map[string]Config{
		"no root":       {RootURL: "", WildcardHost: "*.example.com"},
		"two stars":     {RootURL: "https://example.com", WildcardHost: "*.*.example.com"},
		"no star":       {RootURL: "https://example.com", WildcardHost: "example.com"},
		"relative ddp":  {RootURL: "https://example.com", DDPURL: "ddp", WildcardHost: "*.example.com"},
		"relative root": {RootURL: "example.com", WildcardHost: "*.example.com"},
	}
	for name, config := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := New(config, Handlers{}, nil, nil, nil, nil, logger); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWildcardMatch(t *testing.T) {
	wc, err := parseWildcard("*.Example.com:6080")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		host string
		id   string
		ok   bool
	}{
		{"abc123.example.com:6080", "abc123", true},
		{"ABC-1.EXAMPLE.COM:6080", "abc-1", true},
		{".example.com:6080", "", true},
		{"abc.example.com", "", false},
		{"abc.example.com:7000", "", false},
		{"a.b.example.com:6080", "", false},
		{"a_b.example.com:6080", "", false},
		{"example.com:6080", "", false},
	}
	for _, tt := range tests {
		id, ok := wc.Match(tt.host)
		if ok != tt.ok || id != tt.id {
			t.Errorf("Match(%q) = %q, %v; want %q, %v", tt.host, id, ok, tt.id, tt.ok)
		}
	}
}

func TestCanonical(t *testing.T) {
	h := newHarness(t)
	if got := canonical(h.d.root, "example.com:7000", "/a/b?c=d"); got != "https://example.com:6080/a/b?c=d" {
		t.Fatalf("canonical = %q", got)
	}
	if got := canonical(h.d.root, "[::1]:7000", "/"); got != "https://[::1]:6080/" {
		t.Fatalf("canonical = %q", got)
	}
}

func TestRouting(t *testing.T) {
	h := newHarness(t)
	h.addSession(t, "sess1")

	tests := []struct {
		name   string
		host   string
		status int
		body   string
	}{
		{"shell", "example.com:6080", http.StatusOK, "shell"},
		{"shell on any port", "example.com", http.StatusOK, "shell"},
		{"ddp host", "ddp.example.com:443", http.StatusOK, "shell"},
		{"static", "static.example.com:6080", http.StatusOK, "assets"},
		{"self-test", "selftest-123.example.com:6080", http.StatusOK, "selftest"},
		// No cookie yet: the proxy answers, the grain is never dialed.
		{"session", "sess1.example.com:6080", http.StatusForbidden, ""},
		{"wildcard public id", "pub1.example.com:6080", http.StatusServiceUnavailable, "grain grain-1"},
		{"dns public id", "blog.example.org", http.StatusServiceUnavailable, "grain grain-2"},
		{"unknown public id", "nope.example.com:6080", http.StatusNotFound, "No such grain for public ID: nope"},
		{"dns miss", "other.example.org", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h.d, tt.host, "/")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
	if got := h.grains.Calls(); len(got) != 2 || got[0] != "grain-1" || got[1] != "grain-2" {
		t.Fatalf("www grains = %v", got)
	}
}

func TestMissingHost(t *testing.T) {
	h := newHarness(t)
	rec := serve(h.d, "", "/")
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "Missing Host header" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestResolverErrorRendered(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = &resolver.LookupError{Status: http.StatusInternalServerError, Host: "x.example.org"}
	rec := serve(h.d, "x.example.org:80", "/")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(h.resolver.hosts) != 1 || h.resolver.hosts[0] != "x.example.org" {
		t.Fatalf("resolver saw %v, want port stripped", h.resolver.hosts)
	}
}

func TestWwwHandlerCached(t *testing.T) {
	h := newHarness(t)
	serve(h.d, "pub1.example.com:6080", "/")

	// Cached handlers survive the grain record changing its public id.
	if err := h.store.InsertGrain(context.Background(), &store.Grain{ID: "grain-1", AppID: "app", PublicID: "moved"}); err != nil {
		t.Fatal(err)
	}
	rec := serve(h.d, "pub1.example.com:6080", "/")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want cached handler", rec.Code)
	}
	if n := len(h.d.cache.handlers); n != 1 {
		t.Fatalf("cache size = %d", n)
	}
}

func TestAlternateRedirects(t *testing.T) {
	h := newHarness(t)
	h.addSession(t, "sess1")
	alt := h.d.Alternate()

	for _, host := range []string{"example.com:8080", "sess1.example.com:6080", "pub1.example.com:6080"} {
		rec := serve(alt, host, "/path?q=1")
		if rec.Code != http.StatusFound {
			t.Fatalf("%s: status = %d, want 302", host, rec.Code)
		}
		name := hostname(host)
		if loc := rec.Header().Get("Location"); loc != "https://"+name+":6080/path?q=1" {
			t.Fatalf("%s: location = %q", host, loc)
		}
	}

	// Custom domains are served on alternate ports too, sharing the cache.
	rec := serve(alt, "blog.example.org:8080", "/")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if alt.cache != h.d.cache {
		t.Fatal("alternate dispatcher does not share the handler cache")
	}
}

// upgrade sends a raw upgrade request and reports whether the server closed
// the connection without answering.
func upgrade(t *testing.T, srv *httptest.Server, host string) (closed bool, statusLine string) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := "GET / HTTP/1.1\r\nHost: " + host + "\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return true, ""
	}
	return false, strings.TrimSpace(line)
}

func TestUpgradeRouting(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.d)
	defer srv.Close()

	if closed, line := upgrade(t, srv, "example.com:6080"); closed || !strings.Contains(line, "200") {
		t.Fatalf("shell upgrade: closed=%v line=%q", closed, line)
	}
	if closed, _ := upgrade(t, srv, "pub1.example.com:6080"); !closed {
		t.Fatal("upgrade to a public id host was not closed")
	}
	if closed, _ := upgrade(t, srv, "static.example.com:6080"); !closed {
		t.Fatal("upgrade to the static host was not closed")
	}

	altSrv := httptest.NewServer(h.d.Alternate())
	defer altSrv.Close()
	if closed, _ := upgrade(t, altSrv, "example.com:6080"); !closed {
		t.Fatal("upgrade on an alternate port was not closed")
	}
}
