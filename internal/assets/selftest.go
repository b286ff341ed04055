package assets

import (
	"log/slog"
	"net/http"
	"strings"

	"gateway/internal/api"

	"github.com/gin-gonic/gin"
)

// NewSelfTestRouter answers the browser's wildcard-DNS self-test. Only the
// shell's origin may read the answer.
func NewSelfTestRouter(rootURL string, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	origin := strings.TrimSuffix(rootURL, "/")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.LoggerMiddleware(logger.With("component", "self-test")))

	bad := func(c *gin.Context) {
		c.String(http.StatusBadRequest, "Bad request to self-test subdomain.")
	}
	r.GET("/", func(c *gin.Context) {
		if c.Request.RequestURI != "/" {
			bad(c)
			return
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Content-Length", "13")
		c.String(http.StatusOK, "Self-test OK.")
	})
	r.NoRoute(bad)
	return r
}
