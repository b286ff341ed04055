package supervisor

import (
	"errors"
	"io"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrClosed          = errors.New("supervisor connection closed")
	ErrNoAccept        = errors.New("supervisor did not accept websocket")
	ErrMissingWwwState = errors.New("supervisor did not report file status")
)

// IsNetworkFailure reports whether err means the connection to the supervisor
// broke, as opposed to the supervisor or app rejecting the call. Only network
// failures are worth a reconnect and retry.
func IsNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable:
			return true
		case codes.Canceled:
			// A concurrent reset closed the channel under an in-flight call.
			return strings.Contains(s.Message(), "client connection is closing")
		}
	}
	return false
}
