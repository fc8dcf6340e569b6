package infra

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPServer runs the API with the configured timeouts and drains in-flight
// requests on shutdown. The write timeout must outlast the slowest
// orchestration path, which can hold a response open for most of a minute.
type HTTPServer struct {
	server *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(cfg *Config, handler http.Handler, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
		},
		logger: logger,
	}
}

// Addr returns the listen address.
func (s *HTTPServer) Addr() string { return s.server.Addr }

// Start blocks serving requests until Shutdown or a listener error.
func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests
// within the context deadline.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server draining")
	return s.server.Shutdown(ctx)
}
