// Package assets serves the static asset host and the self-test host.
package assets

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gateway/internal/api"
	"gateway/internal/httperr"
	"gateway/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

type Handler struct {
	store  Store
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler builds the asset host. queue may be nil, in which case replaced
// pictures are unreferenced inline.
func NewHandler(st Store, queue Enqueuer, logger *slog.Logger) *Handler {
	return &Handler{
		store:  st,
		queue:  queue,
		logger: logger.With("component", "static-assets"),
		now:    time.Now,
	}
}

func NewRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(api.LoggerMiddleware(h.logger))

	r.GET("/*id", h.GetAsset)
	r.POST("/*token", h.UploadPicture)
	r.OPTIONS("/*path", h.Preflight)
	r.NoMethod(func(c *gin.Context) {
		c.Header("Allow", "GET, POST, OPTIONS")
		c.String(http.StatusMethodNotAllowed, "405 Method Not Allowed: "+c.Request.Method)
	})
	return r
}

func (h *Handler) GetAsset(c *gin.Context) {
	header := c.Writer.Header()
	if c.GetHeader("If-None-Match") == "permanent" {
		header.Set("Cache-Control", "public, max-age=31536000")
		header.Set("ETag", "permanent")
		header.Set("Content-Security-Policy", cspHeader)
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("X-Content-Type-Options", "nosniff")
		c.Status(http.StatusNotModified)
		return
	}

	id := strings.TrimPrefix(c.Param("id"), "/")
	asset, err := h.store.GetStaticAsset(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.String(http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		httperr.Write(c.Writer, err, h.logger)
		return
	}

	header.Set("Content-Length", strconv.Itoa(len(asset.Content)))
	header.Set("Cache-Control", "public, max-age=31536000")
	header.Set("ETag", "permanent")
	header.Set("Content-Security-Policy", cspHeader)
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("X-Content-Type-Options", "nosniff")
	if asset.Encoding != "" {
		header.Set("Content-Encoding", asset.Encoding)
	}
	c.Data(http.StatusOK, asset.MimeType, asset.Content)
}

func (h *Handler) UploadPicture(c *gin.Context) {
	ctx := c.Request.Context()
	c.Header("Access-Control-Allow-Origin", "*")

	token := strings.TrimPrefix(c.Param("token"), "/")
	upload, err := h.store.FulfillAssetUpload(ctx, token, h.now())
	if errors.Is(err, store.ErrNotFound) {
		c.String(http.StatusNotFound, "Upload token not found or expired.")
		return
	}
	if err != nil {
		httperr.Write(c.Writer, err, h.logger)
		return
	}

	content, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPictureSize+1))
	if err != nil {
		httperr.Write(c.Writer, httperr.Wrap(http.StatusBadRequest, "Failed to read upload", err), h.logger)
		return
	}
	if len(content) > MaxPictureSize {
		c.String(http.StatusBadRequest, "Picture too large; please use an image under 64 KiB.")
		return
	}

	mimeType := sniffPicture(content)
	if mimeType == "" {
		c.String(http.StatusBadRequest, "Image must be PNG or JPEG.")
		return
	}

	assetID, err := h.store.AddStaticAsset(ctx, mimeType, "", content)
	if err != nil {
		httperr.Write(c.Writer, err, h.logger)
		return
	}
	previous, err := h.store.SetIdentityPicture(ctx, upload.IdentityID, assetID)
	if err != nil {
		httperr.Write(c.Writer, err, h.logger)
		return
	}
	if previous != "" {
		h.unref(c, previous)
	}

	h.logger.Info("Profile picture uploaded", "identity_id", upload.IdentityID, "asset_id", assetID)
	c.Status(http.StatusNoContent)
}

// unref releases a replaced picture, in the background when a queue is set.
func (h *Handler) unref(c *gin.Context, assetID string) {
	if h.queue == nil {
		if err := h.store.UnrefStaticAsset(c.Request.Context(), assetID); err != nil {
			h.logger.Error("Failed to unref replaced picture", "asset_id", assetID, "error", err)
		}
		return
	}

	task, err := NewUnrefTask(assetID)
	if err == nil {
		_, err = h.queue.Enqueue(task, asynq.MaxRetry(5))
	}
	if err != nil {
		h.logger.Error("Failed to enqueue asset unref", "asset_id", assetID, "error", err)
	}
}

func (h *Handler) Preflight(c *gin.Context) {
	if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
		c.Header("Access-Control-Allow-Headers", requested)
	}
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
	c.Header("Access-Control-Max-Age", "3600")
	c.Status(http.StatusNoContent)
}

func sniffPicture(content []byte) string {
	switch {
	case bytes.HasPrefix(content, pngMagic):
		return "image/png"
	case bytes.HasPrefix(content, jpegMagic):
		return "image/jpeg"
	}
	return ""
}

func NewUnrefTask(assetID string) (*asynq.Task, error) {
	payload, err := json.Marshal(UnrefPayload{AssetID: assetID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(UnrefTask, payload), nil
}
