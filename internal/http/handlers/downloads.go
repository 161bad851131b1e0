package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/iago/reporting-back/internal/storage"
)

// Download serves an artifact from the in-memory blob store when the signed
// link is valid. It carries no caller identity; the signature is the grant.
func (api *API) Download(w http.ResponseWriter, r *http.Request) {
	if api.downloads == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "downloads are not served by this instance")
		return
	}

	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	signature := r.URL.Query().Get("signature")
	if key == "" || signature == "" {
		writeError(w, r, http.StatusForbidden, "forbidden", "invalid download link")
		return
	}

	filename, err := api.downloads.Verify(key, signature)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "forbidden", "invalid download link")
		return
	}

	body, contentType, err := api.downloads.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "artifact not found")
			return
		}
		api.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", storage.ContentDisposition(filename))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
