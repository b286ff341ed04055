package api

import (
	"errors"
	"net/http"

	"gateway/internal/httperr"

	"github.com/gin-gonic/gin"
)

var ErrInvalidRequest = errors.New("invalid request")

// respondError renders err with the status it declares. Server faults only
// expose their declared message.
func respondError(c *gin.Context, err error) {
	code := httperr.Status(err)
	msg := err.Error()
	var he *httperr.Error
	if errors.As(err, &he) && he.Message != "" {
		msg = he.Message
	} else if code >= 500 {
		msg = http.StatusText(code)
	}
	if code >= 500 {
		_ = c.Error(err)
	}
	c.JSON(code, ErrorResponse{
		Error: msg,
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}
