package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"server/internal/persist"
	"server/internal/storage"
	"server/pkg/zip"
)

// Asset streams a persisted blob by its storage key. Blobs are immutable
// once stored, so clients may cache them forever.
func (a *App) Asset(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "key required")
		return
	}
	data, err := a.Blobs.Read(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "no asset under key")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to read asset")
		return
	}

	contentType := ""
	if sidecar, ok, _ := persist.Sidecar(r.Context(), a.KV, key); ok {
		contentType = sidecar.ContentType
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// CollectionArchive bundles every persisted asset of a collection into a
// zip download.
func (a *App) CollectionArchive(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collection_id")
	if collectionID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "collection_id required")
		return
	}
	keys, err := a.Blobs.List(r.Context(), fmt.Sprintf("collections/%s/assets", collectionID))
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list collection")
		return
	}
	if len(keys) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "collection has no assets")
		return
	}

	var assets []zip.Asset
	for _, key := range keys {
		data, err := a.Blobs.Read(r.Context(), key)
		if err != nil {
			continue
		}
		contentType := ""
		if sidecar, ok, _ := persist.Sidecar(r.Context(), a.KV, key); ok {
			contentType = sidecar.ContentType
		}
		parts := strings.Split(key, "/")
		assets = append(assets, zip.Asset{Filename: parts[len(parts)-1], MIME: contentType, Data: data})
	}
	archive := zip.ArchiveAssets(assets)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=collection-%s.zip", collectionID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
