package supervisor

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Server is the supervisor side of the protocol. The gateway never implements
// it in production; Go-based supervisors and tests do.
type Server interface {
	Restore(ctx context.Context) (Cap, error)
	GetMainView(ctx context.Context, supervisor Cap) (Cap, error)
	NewSession(ctx context.Context, req *NewSessionRequest) (Cap, error)
	Drop(ctx context.Context, handle Cap) error
	KeepAlive(ctx context.Context, supervisor Cap) error
	Get(ctx context.Context, req *GetRequest) (*Response, error)
	Post(ctx context.Context, req *PostRequest) (*Response, error)
	OpenWebSocket(ctx context.Context, open *WebSocketOpen, conn *ServerWebSocket) error
	GetWwwFile(ctx context.Context, req *WwwFileRequest, out *WwwFileSender) error
}

func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Restore", Handler: restoreHandler},
		{MethodName: "GetMainView", Handler: getMainViewHandler},
		{MethodName: "NewSession", Handler: newSessionHandler},
		{MethodName: "Drop", Handler: dropHandler},
		{MethodName: "KeepAlive", Handler: keepAliveHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Post", Handler: postHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "OpenWebSocket", Handler: openWebSocketHandler, ServerStreams: true, ClientStreams: true},
		{StreamName: "GetWwwFile", Handler: getWwwFileHandler, ServerStreams: true},
	},
	Metadata: "supervisor",
}

// unary decodes the request, runs it through the interceptor chain if any, and
// calls fn.
func unary[Req any](method string, fn func(Server, context.Context, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(Server), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, r any) (any, error) {
			return fn(srv.(Server), ctx, r.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

var (
	restoreHandler = unary(methodRestore, func(s Server, ctx context.Context, _ *RestoreRequest) (any, error) {
		c, err := s.Restore(ctx)
		if err != nil {
			return nil, err
		}
		return &CapReply{Cap: c}, nil
	})
	getMainViewHandler = unary(methodGetMainView, func(s Server, ctx context.Context, req *GetMainViewRequest) (any, error) {
		c, err := s.GetMainView(ctx, req.Supervisor)
		if err != nil {
			return nil, err
		}
		return &CapReply{Cap: c}, nil
	})
	newSessionHandler = unary(methodNewSession, func(s Server, ctx context.Context, req *NewSessionRequest) (any, error) {
		c, err := s.NewSession(ctx, req)
		if err != nil {
			return nil, err
		}
		return &CapReply{Cap: c}, nil
	})
	dropHandler = unary(methodDrop, func(s Server, ctx context.Context, req *DropRequest) (any, error) {
		if err := s.Drop(ctx, req.Cap); err != nil {
			return nil, err
		}
		return &emptypb.Empty{}, nil
	})
	keepAliveHandler = unary(methodKeepAlive, func(s Server, ctx context.Context, req *KeepAliveRequest) (any, error) {
		if err := s.KeepAlive(ctx, req.Supervisor); err != nil {
			return nil, err
		}
		return &emptypb.Empty{}, nil
	})
	getHandler = unary(methodGet, func(s Server, ctx context.Context, req *GetRequest) (any, error) {
		return s.Get(ctx, req)
	})
	postHandler = unary(methodPost, func(s Server, ctx context.Context, req *PostRequest) (any, error) {
		return s.Post(ctx, req)
	})
)

func openWebSocketHandler(srv any, stream grpc.ServerStream) error {
	var first WebSocketMessage
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if first.Open == nil {
		return io.ErrUnexpectedEOF
	}
	return srv.(Server).OpenWebSocket(stream.Context(), first.Open, &ServerWebSocket{stream: stream})
}

func getWwwFileHandler(srv any, stream grpc.ServerStream) error {
	var req WwwFileRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(Server).GetWwwFile(stream.Context(), &req, &WwwFileSender{stream: stream})
}

// ServerWebSocket is the supervisor half of a relayed WebSocket.
type ServerWebSocket struct {
	stream grpc.ServerStream
}

// Accept completes the handshake. It must be called before Send.
func (w *ServerWebSocket) Accept(protocols []string) error {
	return w.stream.SendMsg(&WebSocketMessage{Accept: &WebSocketAccept{Protocol: protocols}})
}

func (w *ServerWebSocket) Send(data []byte) error {
	return w.stream.SendMsg(&WebSocketMessage{Data: data})
}

// Context ends when the gateway abandons the stream.
func (w *ServerWebSocket) Context() context.Context {
	return w.stream.Context()
}

// Recv returns the next chunk from the browser; io.EOF once it stops sending.
func (w *ServerWebSocket) Recv() ([]byte, error) {
	for {
		var msg WebSocketMessage
		if err := w.stream.RecvMsg(&msg); err != nil {
			return nil, err
		}
		if len(msg.Data) > 0 {
			return msg.Data, nil
		}
	}
}

// WwwFileSender writes a GetWwwFile reply: one status, then file data.
type WwwFileSender struct {
	stream grpc.ServerStream
}

func (s *WwwFileSender) SendStatus(status string) error {
	return s.stream.SendMsg(&WwwFileChunk{Status: status})
}

func (s *WwwFileSender) Write(p []byte) (int, error) {
	if err := s.stream.SendMsg(&WwwFileChunk{Data: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}
