package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the shell's HTTP API. Authentication happens in front of
// the gateway, which forwards the user id in UserIDHeader.
func NewRouter(sessions Sessions, events Subscriber, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger = logger.With("component", "shell-api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})

	grainHandler := NewGrainHandler(sessions)
	sessionHandler := NewSessionHandler(sessions, events, logger)

	v1 := r.Group("/api/v1")
	{
		grainRoutes := v1.Group("/grains")
		{
			grainRoutes.POST("", grainHandler.CreateGrain)
			grainRoutes.POST("/:id/sessions", grainHandler.OpenSession)
		}

		sessionRoutes := v1.Group("/sessions")
		{
			sessionRoutes.POST("/:id/keepalive", sessionHandler.KeepAlive)
			sessionRoutes.DELETE("/:id", sessionHandler.CloseSession)
			sessionRoutes.GET("/:id/events", sessionHandler.StreamEvents)
		}
	}

	return r
}
