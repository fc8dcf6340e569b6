package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/middleware"
)

// NewRouter assembles the HTTP surface with the standard middleware chain.
func NewRouter(app *handlers.App, countryLookup middleware.CountryLookup) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(app.Logger))
	r.Use(middleware.CORS(app.Config.CORSOrigins))
	r.Use(middleware.Locale("en", countryLookup))

	r.Post("/generate", app.Generate)
	r.Get("/asset", app.Asset)
	r.Get("/result", app.Result)
	r.Get("/trail", app.Trail)
	r.Get("/health", app.Health)
	r.Get("/collections/{collection_id}/archive", app.CollectionArchive)
	r.Method(stdhttp.MethodGet, "/metrics", app.Metrics.Handler())

	return r
}
