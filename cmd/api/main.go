package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/fetcher"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/kv"
	"server/internal/metrics"
	"server/internal/middleware"
	"server/internal/orchestrator"
	"server/internal/persist"
	"server/internal/providers/image"
	"server/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// KV store: Postgres when configured, in-memory otherwise.
	var store kv.Store = kv.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		pgStore := kv.NewPostgresStore(dbpool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure kv schema")
		}
		store = pgStore
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory kv store")
	}

	blobs, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	resolver, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open geoip database")
	}
	defer resolver.Close()
	var countryLookup middleware.CountryLookup
	if resolver != nil {
		countryLookup = resolver.CountryCode
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	providers := []image.Provider{
		image.NewGemini(image.GeminiOptions{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			Model:      cfg.GeminiModel,
			HTTPClient: httpClient,
			Logger:     logger,
		}),
		image.NewQwen(image.QwenOptions{
			APIKey:     cfg.QwenAPIKey,
			BaseURL:    cfg.QwenBaseURL,
			Model:      cfg.QwenModel,
			HTTPClient: httpClient,
			Logger:     logger,
		}),
		image.NewPexels(image.PexelsOptions{
			APIKey:     cfg.PexelsAPIKey,
			BaseURL:    cfg.PexelsBaseURL,
			HTTPClient: httpClient,
			Logger:     logger,
		}),
	}

	m := metrics.New()
	persister := persist.New(persist.Options{
		Blobs:        blobs,
		KV:           store,
		HTTPClient:   httpClient,
		Logger:       logger,
		PublicDomain: cfg.PublicDomain,
		RetryNotify: func(error, time.Duration) {
			m.PersistRetries.Inc()
		},
	})
	orch := orchestrator.New(orchestrator.Options{
		Fetcher: fetcher.New(httpClient),
		FetchLimits: fetcher.Limits{
			MaxBytes:     cfg.SourceMaxBytes,
			Timeout:      cfg.SourceFetchTimeout,
			AllowedTypes: fetcher.DefaultLimits().AllowedTypes,
		},
		Providers:    providers,
		Guard:        orchestrator.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		Persister:    persister,
		Settings:     infra.NewSettings(store, logger),
		EmergencyURL: cfg.EmergencyImageURL,
		Mode:         orchestrator.Mode(cfg.OrchestrationMode),
		Metrics:      m,
		Logger:       logger,
	})

	app := &handlers.App{
		Config:       cfg,
		Logger:       logger,
		Orchestrator: orch,
		Providers:    providers,
		KV:           store,
		Blobs:        blobs,
		Metrics:      m,
	}
	router := httpapi.NewRouter(app, countryLookup)
	server := infra.NewHTTPServer(cfg, router, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
