package frontend

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/acto-org/acto/internal/common/logger"
)

// getArtifact returns artifact metadata.
func (a *API) getArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := a.store.GetArtifact(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

// artifactContent serves the artifact blob with its stored mime type.
func (a *API) artifactContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	art, err := a.store.GetArtifact(ctx, chi.URLParam(r, "artifactID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if art.StoragePath == "" {
		a.handleError(w, r, notFound("artifact has no stored content"))
		return
	}

	rc, err := a.blobs.Open(ctx, art.StoragePath)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := art.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if art.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(art.SizeBytes, 10))
	}
	name := art.Name
	if name == "" {
		name = path.Base(art.StoragePath)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	if _, err := io.Copy(w, rc); err != nil {
		logger.Debug(ctx, "Artifact stream interrupted", "artifactId", art.ID, "err", err)
	}
}
