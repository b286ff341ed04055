package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type GrainHandler struct {
	sessions Sessions
}

func NewGrainHandler(sessions Sessions) *GrainHandler {
	return &GrainHandler{sessions: sessions}
}

// CreateGrain POST /api/v1/grains
// creates a grain and starts it.
func (h *GrainHandler) CreateGrain(c *gin.Context) {
	var req NewGrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	grainID, err := h.sessions.NewGrain(c.Request.Context(), userID(c), req.AppID, req.Title)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, GrainResponse{GrainID: grainID})
}

// OpenSession POST /api/v1/grains/:id/sessions
func (h *GrainHandler) OpenSession(c *gin.Context) {
	info, err := h.sessions.OpenSession(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SessionResponse{
		SessionID: info.SessionID,
		Port:      info.Port,
	})
}

func userID(c *gin.Context) string {
	return c.GetHeader(UserIDHeader)
}
