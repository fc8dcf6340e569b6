// Command sweeper periodically removes expired kv_entries rows. Postgres has
// no native TTL, so expired processing logs and settings overrides are
// filtered on read and reaped here.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/infra"
	"server/internal/kv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required for the sweeper")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbpool, err := infra.NewDBPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	store := kv.NewPostgresStore(dbpool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure kv schema")
	}

	interval := 10 * time.Minute
	logger.Info().Dur("interval", interval).Msg("sweeper started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deleted, err := store.DeleteExpired(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if deleted > 0 {
				logger.Info().Int64("deleted", deleted).Msg("swept expired entries")
			}
		case <-stop:
			logger.Info().Msg("sweeper stopped")
			return
		}
	}
}
