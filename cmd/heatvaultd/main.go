// heatvaultd is the retention core of the heating-controller dashboard:
// it records the controller's live telemetry, compacts history in place,
// and backfills broken outside-temperature readings from a reference
// series fetched over the same connection.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"heatvault/pkg/config"
	"heatvault/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; it only seeds HEATVAULT_* overrides.
	_ = godotenv.Load()

	settings, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("error reading config", zap.Error(err))
	}

	log, err := buildLogger(settings.Debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if !settings.InMemory {
		if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
			log.Fatal("failed to create data directory",
				zap.String("dir", settings.DataDir), zap.Error(err))
		}
	}

	srv := server.New(settings, log)
	errc := srv.Start()
	log.Info("heatvaultd started",
		zap.String("feed_url", settings.FeedURL),
		zap.String("port", settings.Port),
		zap.Bool("in_memory", settings.InMemory))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errc:
		if err != nil {
			log.Error("admin API failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}
