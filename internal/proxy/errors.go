package proxy

import (
	"errors"
	"net/http"

	"gateway/internal/httperr"
)

var (
	ErrPortBindExhausted = errors.New("couldn't find a port to use; is something else using the same port range?")
	ErrProxyClosed       = errors.New("session proxy closed")
	ErrSessionExists     = errors.New("session already has a proxy")

	// ErrUnknownResponse is a supervisor reply outside the protocol. It is a
	// defect on one side or the other, never the browser's fault.
	ErrUnknownResponse = errors.New("unknown HTTP response type from grain")

	errUnauthorized      = httperr.New(http.StatusForbidden, "Unauthorized")
	errMultipleSessionID = httperr.New(http.StatusBadRequest, "Multiple session IDs in cookies")
	errUnsupportedMethod = httperr.New(http.StatusMethodNotAllowed, "Only GET and POST requests are supported.")
	errStreamingBody     = errors.New("streaming response bodies are not implemented")
	errMissingWSKey      = errors.New("missing Sec-WebSocket-Key header")
)
