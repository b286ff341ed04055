// Package supervisortest runs an in-process supervisor on a unix socket for
// tests of code that talks to grains.
package supervisortest

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gateway/internal/supervisor"

	"google.golang.org/grpc"
)

// Fake is a scriptable supervisor. Unset hooks fall back to simple defaults:
// Get/Post answer 200 text/plain echoing the path, websockets echo data, and
// every www path is notFound.
type Fake struct {
	OnGet       func(req *supervisor.GetRequest) (*supervisor.Response, error)
	OnPost      func(req *supervisor.PostRequest) (*supervisor.Response, error)
	OnWebSocket func(open *supervisor.WebSocketOpen, ws *supervisor.ServerWebSocket) error
	OnWwwFile   func(path string) (status string, data []byte)

	mu         sync.Mutex
	next       supervisor.Cap
	live       map[supervisor.Cap]string
	keepAlives int
	sessions   []*supervisor.NewSessionRequest
	drops      []string
}

var _ supervisor.Server = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{live: make(map[supervisor.Cap]string)}
}

// Serve listens on <grainDir>/<grainID>/socket until the test ends and
// returns a function that stops the server early, simulating a crash.
func Serve(t testing.TB, f *Fake, grainDir, grainID string) (stop func()) {
	t.Helper()
	path := supervisor.SocketPath(grainDir, grainID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir grain dir: %v", err)
	}
	_ = os.Remove(path)

	lis, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	srv := grpc.NewServer()
	supervisor.RegisterServer(srv, f)
	go func() { _ = srv.Serve(lis) }()

	var once sync.Once
	stop = func() { once.Do(srv.Stop) }
	t.Cleanup(stop)
	return stop
}

func (f *Fake) mint(kind string) supervisor.Cap {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.live[f.next] = kind
	return f.next
}

func (f *Fake) Restore(context.Context) (supervisor.Cap, error) {
	return f.mint("supervisor"), nil
}

func (f *Fake) GetMainView(_ context.Context, sup supervisor.Cap) (supervisor.Cap, error) {
	if !f.isLive(sup, "supervisor") {
		return 0, errors.New("invalid supervisor capability")
	}
	return f.mint("view"), nil
}

func (f *Fake) NewSession(_ context.Context, req *supervisor.NewSessionRequest) (supervisor.Cap, error) {
	if !f.isLive(req.View, "view") {
		return 0, errors.New("invalid view capability")
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, req)
	f.mu.Unlock()
	return f.mint("session"), nil
}

func (f *Fake) Drop(_ context.Context, handle supervisor.Cap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind, ok := f.live[handle]
	if !ok {
		return errors.New("unknown capability")
	}
	delete(f.live, handle)
	f.drops = append(f.drops, kind)
	return nil
}

func (f *Fake) KeepAlive(_ context.Context, sup supervisor.Cap) error {
	if !f.isLive(sup, "supervisor") {
		return errors.New("invalid supervisor capability")
	}
	f.mu.Lock()
	f.keepAlives++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Get(_ context.Context, req *supervisor.GetRequest) (*supervisor.Response, error) {
	if !f.isLive(req.Session, "session") {
		return nil, errors.New("invalid session capability")
	}
	if f.OnGet != nil {
		return f.OnGet(req)
	}
	return TextResponse("GET " + req.Path), nil
}

func (f *Fake) Post(_ context.Context, req *supervisor.PostRequest) (*supervisor.Response, error) {
	if !f.isLive(req.Session, "session") {
		return nil, errors.New("invalid session capability")
	}
	if f.OnPost != nil {
		return f.OnPost(req)
	}
	return TextResponse("POST " + req.Path + " " + string(req.Content.Content)), nil
}

func (f *Fake) OpenWebSocket(_ context.Context, open *supervisor.WebSocketOpen, ws *supervisor.ServerWebSocket) error {
	if f.OnWebSocket != nil {
		return f.OnWebSocket(open, ws)
	}
	if err := ws.Accept(open.Protocols); err != nil {
		return err
	}
	for {
		data, err := ws.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ws.Send(data); err != nil {
			return err
		}
	}
}

func (f *Fake) GetWwwFile(_ context.Context, req *supervisor.WwwFileRequest, out *supervisor.WwwFileSender) error {
	status, data := supervisor.WwwNotFound, []byte(nil)
	if f.OnWwwFile != nil {
		status, data = f.OnWwwFile(req.Path)
	}
	if err := out.SendStatus(status); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := out.Write(data)
		return err
	}
	return nil
}

func (f *Fake) isLive(c supervisor.Cap, kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[c] == kind
}

// Sessions returns every NewSession request received so far.
func (f *Fake) Sessions() []*supervisor.NewSessionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*supervisor.NewSessionRequest(nil), f.sessions...)
}

// Drops returns the kinds of capabilities dropped, in order.
func (f *Fake) Drops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.drops...)
}

func (f *Fake) KeepAlives() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepAlives
}

// TextResponse is a 200 text/plain reply.
func TextResponse(body string) *supervisor.Response {
	return &supervisor.Response{
		Content: &supervisor.Content{
			StatusCode: supervisor.StatusOK,
			MimeType:   "text/plain",
			Body:       supervisor.Body{Bytes: []byte(body)},
		},
	}
}
