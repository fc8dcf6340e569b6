package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"server/internal/infra"
	"server/internal/kv"
	"server/internal/metrics"
	"server/internal/orchestrator"
	"server/internal/providers/image"
	"server/internal/storage"
)

// App is the handler container: every dependency is injected, nothing is
// read from ambient globals.
type App struct {
	Config       *infra.Config
	Logger       zerolog.Logger
	Orchestrator *orchestrator.Orchestrator
	Providers    []image.Provider
	KV           kv.Store
	Blobs        storage.BlobStore
	Metrics      *metrics.Metrics
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}
