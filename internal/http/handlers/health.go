package handlers

import (
	"net/http"
)

// Health reports liveness and which providers have credentials configured.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]bool, len(a.Providers))
	for _, p := range a.Providers {
		providers[string(p.Name())] = p.HasCredentials()
	}
	a.json(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": providers,
	})
}
