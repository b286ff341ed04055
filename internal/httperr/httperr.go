package httperr

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Error is an error that knows which HTTP status it should be rendered with.
// HTML, when set, replaces the plain-text message in the response body.
type Error struct {
	Status  int
	Message string
	HTML    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

func Wrap(status int, message string, err error) *Error {
	return &Error{Status: status, Message: message, Err: err}
}

func BadRequest(message string) *Error   { return New(http.StatusBadRequest, message) }
func Unauthorized(message string) *Error { return New(http.StatusForbidden, message) }
func NotFound(message string) *Error     { return New(http.StatusNotFound, message) }

// StatusCoder is implemented by errors from other packages that carry their own status.
type StatusCoder interface {
	StatusCode() int
}

// HTMLer is implemented by errors that carry an HTML explanation for end users.
type HTMLer interface {
	HTMLMessage() string
}

// Status returns the HTTP status an error should be rendered with. Anything
// without a status in the 4xx/5xx range is a server fault.
func Status(err error) int {
	var he *Error
	if errors.As(err, &he) && he.Status >= 400 && he.Status < 600 {
		return he.Status
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		if s := sc.StatusCode(); s >= 400 && s < 600 {
			return s
		}
	}
	return http.StatusInternalServerError
}

// Write renders err as a minimal response. Only server faults are logged.
// Faults never expose the wrapped error text, just the declared message.
func Write(w http.ResponseWriter, err error, logger *slog.Logger) {
	status := Status(err)
	if status >= 500 && logger != nil {
		logger.Error("Request failed", "status", status, "error", err)
	}

	body, contentType := message(err, status), "text/plain"
	var h HTMLer
	if errors.As(err, &h) && h.HTMLMessage() != "" {
		body, contentType = h.HTMLMessage(), "text/html"
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (e *Error) HTMLMessage() string { return e.HTML }

func message(err error, status int) string {
	var he *Error
	if errors.As(err, &he) && he.Message != "" {
		return he.Message
	}
	if status < 500 {
		return err.Error()
	}
	return http.StatusText(status)
}
