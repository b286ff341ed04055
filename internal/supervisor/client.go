package supervisor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
)

const serviceName = "sandstorm.supervisor.Supervisor"

const (
	methodRestore       = "/" + serviceName + "/Restore"
	methodGetMainView   = "/" + serviceName + "/GetMainView"
	methodNewSession    = "/" + serviceName + "/NewSession"
	methodDrop          = "/" + serviceName + "/Drop"
	methodKeepAlive     = "/" + serviceName + "/KeepAlive"
	methodGet           = "/" + serviceName + "/Get"
	methodPost          = "/" + serviceName + "/Post"
	methodOpenWebSocket = "/" + serviceName + "/OpenWebSocket"
	methodGetWwwFile    = "/" + serviceName + "/GetWwwFile"
)

var (
	openWebSocketDesc = &grpc.StreamDesc{StreamName: "OpenWebSocket", ServerStreams: true, ClientStreams: true}
	getWwwFileDesc    = &grpc.StreamDesc{StreamName: "GetWwwFile", ServerStreams: true}
)

// SocketPath is where a grain's supervisor listens.
func SocketPath(grainDir, grainID string) string {
	return filepath.Join(grainDir, grainID, "socket")
}

// Client is one connection to a grain supervisor. Capabilities obtained through
// it die with it.
type Client struct {
	conn *grpc.ClientConn
}

// DialGrain connects to the supervisor of grainID. The connection is
// established lazily by the first call.
func DialGrain(grainDir, grainID string) (*Client, error) {
	return Dial("unix://" + SocketPath(grainDir, grainID))
}

func Dial(target string) (*Client, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial supervisor: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Restore obtains the supervisor capability itself.
func (c *Client) Restore(ctx context.Context) (Cap, error) {
	var reply CapReply
	if err := c.conn.Invoke(ctx, methodRestore, &RestoreRequest{}, &reply); err != nil {
		return 0, err
	}
	return reply.Cap, nil
}

func (c *Client) GetMainView(ctx context.Context, supervisor Cap) (Cap, error) {
	var reply CapReply
	if err := c.conn.Invoke(ctx, methodGetMainView, &GetMainViewRequest{Supervisor: supervisor}, &reply); err != nil {
		return 0, err
	}
	return reply.Cap, nil
}

func (c *Client) NewSession(ctx context.Context, req *NewSessionRequest) (Cap, error) {
	var reply CapReply
	if err := c.conn.Invoke(ctx, methodNewSession, req, &reply); err != nil {
		return 0, err
	}
	return reply.Cap, nil
}

// Drop releases a capability handle.
func (c *Client) Drop(ctx context.Context, handle Cap) error {
	return c.conn.Invoke(ctx, methodDrop, &DropRequest{Cap: handle}, &emptypb.Empty{})
}

func (c *Client) KeepAlive(ctx context.Context, supervisor Cap) error {
	return c.conn.Invoke(ctx, methodKeepAlive, &KeepAliveRequest{Supervisor: supervisor}, &emptypb.Empty{})
}

func (c *Client) Get(ctx context.Context, req *GetRequest) (*Response, error) {
	var resp Response
	if err := c.conn.Invoke(ctx, methodGet, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Post(ctx context.Context, req *PostRequest) (*Response, error) {
	var resp Response
	if err := c.conn.Invoke(ctx, methodPost, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenWebSocket starts a relayed WebSocket. The returned stream outlives ctx's
// request scope only if ctx does; callers normally pass a context they cancel
// when the socket closes.
func (c *Client) OpenWebSocket(ctx context.Context, open *WebSocketOpen) (*WebSocketStream, error) {
	stream, err := c.conn.NewStream(ctx, openWebSocketDesc, methodOpenWebSocket)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WebSocketMessage{Open: open}); err != nil {
		return nil, err
	}
	return &WebSocketStream{stream: stream}, nil
}

// GetWwwFile asks the supervisor for a published file and streams it into w.
// The returned status is one of WwwFile, WwwDirectory, WwwNotFound or whatever
// unknown value the supervisor sent. onStatus runs before the first byte is
// written, so callers can emit headers.
func (c *Client) GetWwwFile(ctx context.Context, supervisor Cap, path string, onStatus func(status string), w io.Writer) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, getWwwFileDesc, methodGetWwwFile)
	if err != nil {
		return "", err
	}
	if err := stream.SendMsg(&WwwFileRequest{Supervisor: supervisor, Path: path}); err != nil {
		return "", err
	}
	if err := stream.CloseSend(); err != nil {
		return "", err
	}

	var first WwwFileChunk
	if err := stream.RecvMsg(&first); err != nil {
		if err == io.EOF {
			return "", ErrMissingWwwState
		}
		return "", err
	}
	if first.Status == "" {
		return "", ErrMissingWwwState
	}
	if onStatus != nil {
		onStatus(first.Status)
	}

	for {
		var chunk WwwFileChunk
		err := stream.RecvMsg(&chunk)
		if err == io.EOF {
			return first.Status, nil
		}
		if err != nil {
			return first.Status, err
		}
		if len(chunk.Data) == 0 {
			continue
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return first.Status, fmt.Errorf("write www file: %w", err)
		}
	}
}

// WebSocketStream is the client half of a relayed WebSocket. Send and Recv
// may be used from different goroutines; each must only be used from one.
type WebSocketStream struct {
	stream    grpc.ClientStream
	closeOnce sync.Once
}

// Accept waits for the app's handshake reply and returns the negotiated
// subprotocols.
func (s *WebSocketStream) Accept() ([]string, error) {
	var msg WebSocketMessage
	if err := s.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	if msg.Accept == nil {
		return nil, ErrNoAccept
	}
	return msg.Accept.Protocol, nil
}

func (s *WebSocketStream) Send(data []byte) error {
	return s.stream.SendMsg(&WebSocketMessage{Data: data})
}

// Recv returns the next chunk from the app. io.EOF means the app closed.
func (s *WebSocketStream) Recv() ([]byte, error) {
	for {
		var msg WebSocketMessage
		if err := s.stream.RecvMsg(&msg); err != nil {
			return nil, err
		}
		if len(msg.Data) > 0 {
			return msg.Data, nil
		}
	}
}

// CloseSend tells the app the browser stopped sending.
func (s *WebSocketStream) CloseSend() error {
	var err error
	s.closeOnce.Do(func() { err = s.stream.CloseSend() })
	return err
}
