// Package www serves a grain's published web site.
package www

import (
	"context"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"gateway/internal/httperr"
	"gateway/internal/supervisor"
)

const DefaultCacheSeconds = 30

// Grains gives temporary access to a running grain's supervisor.
type Grains interface {
	UseGrain(ctx context.Context, grainID string, fn func(ctx context.Context, c *supervisor.Client, sup supervisor.Cap) error) error
}

// The app index is fetched cross-origin.
var appIndexPath = regexp.MustCompile(`^(apps|experimental)/index\.json$|(apps|experimental)/[a-z0-9]{52}[.]json`)

type Handler struct {
	GrainID string

	grains       Grains
	cacheControl string
	logger       *slog.Logger
}

func NewHandler(grainID string, grains Grains, cacheSeconds int, logger *slog.Logger) *Handler {
	if cacheSeconds <= 0 {
		cacheSeconds = DefaultCacheSeconds
	}
	return &Handler{
		GrainID:      grainID,
		grains:       grains,
		cacheControl: "public, max-age=" + strconv.Itoa(cacheSeconds),
		logger:       logger.With("grain_id", grainID),
	}
}

// FilePath maps a request URI onto the grain's www tree: the query is
// dropped, directories get index.html and the leading slash goes.
func FilePath(requestURI string) string {
	p, _, _ := strings.Cut(requestURI, "?")
	if strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	return strings.TrimPrefix(p, "/")
}

// ContentType guesses a file's type from its extension.
func ContentType(filePath string) string {
	typ := mime.TypeByExtension(path.Ext(filePath))
	switch {
	case typ == "":
		return "application/octet-stream"
	case typ == "application/json":
		return typ + "; charset=utf-8"
	}
	return typ
}

// fileWriter streams the body only once the grain has said it is a file.
type fileWriter struct {
	w         http.ResponseWriter
	isFile    bool
	discarded int
}

func (f *fileWriter) begin(status string) {
	if status == supervisor.WwwFile {
		f.isFile = true
		f.w.WriteHeader(http.StatusOK)
	}
}

func (f *fileWriter) Write(b []byte) (int, error) {
	if !f.isFile {
		f.discarded += len(b)
		return len(b), nil
	}
	return f.w.Write(b)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filePath := FilePath(r.RequestURI)

	header := w.Header()
	header.Set("Content-Type", ContentType(filePath))
	header.Set("Cache-Control", h.cacheControl)
	if appIndexPath.MatchString(filePath) {
		header.Set("Access-Control-Allow-Origin", "*")
	}

	fw := &fileWriter{w: w}
	var status string
	err := h.grains.UseGrain(r.Context(), h.GrainID, func(ctx context.Context, c *supervisor.Client, sup supervisor.Cap) error {
		var err error
		status, err = c.GetWwwFile(ctx, sup, filePath, fw.begin, fw)
		return err
	})
	if fw.discarded > 0 {
		h.logger.Error("Grain sent data for a non-file www path", "status", status, "path", filePath, "bytes", fw.discarded)
	}

	if err != nil {
		if fw.isFile {
			h.logger.Error("Published file stream failed", "path", filePath, "error", err)
			return
		}
		httperr.Write(w, err, h.logger)
		return
	}

	switch status {
	case supervisor.WwwFile:
		// Already streamed.
	case supervisor.WwwDirectory:
		header.Set("Content-Type", "text/plain")
		header.Set("Location", "/"+filePath+"/")
		w.WriteHeader(http.StatusSeeOther)
		_, _ = w.Write([]byte("redirect: /" + filePath + "/"))
	case supervisor.WwwNotFound:
		header.Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("404 not found: /" + filePath))
	default:
		h.logger.Error("Unknown result from grain's www file lookup", "status", status, "path", filePath)
		header.Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
	}
}
