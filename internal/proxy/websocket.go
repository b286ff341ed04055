package proxy

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gateway/internal/monitor"
	"gateway/internal/supervisor"
)

const (
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	// wsCloseGrace is how long the grain gets to finish its side after the
	// browser goes away.
	wsCloseGrace = 500 * time.Millisecond
)

// AcceptKey computes Sec-WebSocket-Accept for a client key (RFC 6455 section 4.2.2).
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func parseProtocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	protocols := make([]string, 0, len(parts))
	for _, p := range parts {
		protocols = append(protocols, strings.TrimSpace(p))
	}
	return protocols
}

// receiver holds grain-to-browser data until the handshake response is on the
// wire, then writes straight through.
type receiver struct {
	mu    sync.Mutex
	conn  net.Conn
	queue [][]byte
	live  bool
	err   error
}

func (rc *receiver) send(data []byte) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.err != nil {
		return rc.err
	}
	if !rc.live {
		rc.queue = append(rc.queue, data)
		return nil
	}
	_, rc.err = rc.conn.Write(data)
	return rc.err
}

// drain flushes the queue and switches to pass-through.
func (rc *receiver) drain() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, data := range rc.queue {
		if _, err := rc.conn.Write(data); err != nil {
			rc.err = err
			break
		}
	}
	rc.queue, rc.live = nil, true
	return rc.err
}

// wsAttempt is one try at opening the grain side of a relayed WebSocket.
type wsAttempt struct {
	stream   *supervisor.WebSocketStream
	protocol []string
	done     chan struct{}
}

func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	rctx, err := p.requestContext(r)
	if err == nil && r.Header.Get("Sec-WebSocket-Key") == "" {
		err = errMissingWSKey
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade not supported", http.StatusInternalServerError)
		return
	}
	conn, brw, herr := hj.Hijack()
	if herr != nil {
		p.logger.Error("Failed to hijack connection", "error", herr)
		return
	}
	if err != nil {
		p.logger.Warn("WebSocket setup failed", "error", err)
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !p.trackHijacked(conn, cancel) {
		cancel()
		conn.Close()
		return
	}
	defer p.untrackHijacked(conn)
	defer cancel()
	defer conn.Close()

	recv := &receiver{conn: conn}
	path := strings.TrimPrefix(r.RequestURI, "/")
	protocols := parseProtocols(r.Header.Get("Sec-WebSocket-Protocol"))

	var attempt *wsAttempt
	err = p.do(ctx, r, true, func(c chain) error {
		a, err := p.openWebSocket(ctx, c, path, rctx, protocols, recv)
		if err != nil {
			return err
		}
		attempt = a
		return nil
	})
	if err != nil {
		p.logger.Warn("WebSocket setup failed", "error", err)
		return
	}

	var handshake strings.Builder
	handshake.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	handshake.WriteString("Upgrade: websocket\r\n")
	handshake.WriteString("Connection: Upgrade\r\n")
	handshake.WriteString("Sec-WebSocket-Accept: " + AcceptKey(r.Header.Get("Sec-WebSocket-Key")) + "\r\n")
	if len(attempt.protocol) > 0 {
		handshake.WriteString("Sec-WebSocket-Protocol: " + strings.Join(attempt.protocol, ", ") + "\r\n")
	}
	handshake.WriteString("\r\n")

	if _, err := io.WriteString(conn, handshake.String()); err != nil {
		cancel()
		<-attempt.done
		return
	}
	if err := recv.drain(); err != nil {
		cancel()
		<-attempt.done
		return
	}

	monitor.ProxyActiveWebSockets.Inc()
	defer monitor.ProxyActiveWebSockets.Dec()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		p.pumpSocket(brw.Reader, attempt.stream)
	}()

	// The relay ends when the app closes the stream, the proxy closes, or the
	// browser disconnects and the grain does not follow within the grace.
	select {
	case <-attempt.done:
	case <-pumpDone:
		select {
		case <-attempt.done:
		case <-time.After(wsCloseGrace):
			cancel()
			<-attempt.done
		}
	}
	conn.Close()
	<-pumpDone
}

// openWebSocket opens the stream and waits for the app's accept. Data the app
// sends is handed to recv from the start; recv queues it until the handshake
// response has been written.
func (p *Proxy) openWebSocket(ctx context.Context, c chain, path string, rctx supervisor.Context, protocols []string, recv *receiver) (*wsAttempt, error) {
	sctx, scancel := context.WithCancel(ctx)
	stream, err := c.conn.OpenWebSocket(sctx, &supervisor.WebSocketOpen{
		Session:   c.session,
		Path:      path,
		Context:   rctx,
		Protocols: protocols,
	})
	if err != nil {
		scancel()
		return nil, err
	}

	a := &wsAttempt{stream: stream, done: make(chan struct{})}
	accepted := make(chan error, 1)
	go func() {
		defer close(a.done)
		defer scancel()

		protocol, err := stream.Accept()
		if err != nil {
			accepted <- err
			return
		}
		a.protocol = protocol
		accepted <- nil

		for {
			data, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && sctx.Err() == nil {
					p.logger.Debug("WebSocket stream from grain ended", "error", err)
				}
				return
			}
			if err := recv.send(data); err != nil {
				return
			}
		}
	}()

	if err := <-accepted; err != nil {
		<-a.done
		return nil, err
	}
	return a, nil
}

// pumpSocket forwards browser bytes to the grain. Bytes the HTTP server had
// already buffered past the upgrade request come out of r first.
func (p *Proxy) pumpSocket(r *bufio.Reader, stream *supervisor.WebSocketStream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := stream.Send(chunk); serr != nil {
				return
			}
		}
		if err != nil {
			_ = stream.CloseSend()
			return
		}
	}
}
