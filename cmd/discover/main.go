// Command discover lists every credentialed provider's models and registers
// the new ones in the configured catalog.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"modelrouter/internal/cache"
	"modelrouter/internal/config"
	"modelrouter/internal/core"
	"modelrouter/internal/discovery"
	logpkg "modelrouter/internal/log"
	"modelrouter/internal/provider"
	"modelrouter/internal/storage"

	"github.com/joho/godotenv"
)

func main() {
	dotenvErr := godotenv.Load()

	logger := logpkg.CreateLogger()
	defer func() {
		if appLog, ok := logger.(*logpkg.AppLogger); ok {
			_ = appLog.Close()
		}
	}()
	if dotenvErr != nil {
		logger.Warn("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadServerConfigFromEnv(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := storage.OpenCatalog(ctx, cfg.StorageOptions, logger)
	if err != nil {
		logger.Fatal("Failed to open catalog: %v", err)
	}
	defer func() { _ = backends.Catalog.Close() }()

	cacheService := cache.NewCacheService()
	defer func() { _ = cacheService.Close() }()

	lister := provider.NewClient(cfg.HTTPClientSettings.NewClient(), cfg.Endpoints.Map(), logger)

	d, err := discovery.New(discovery.Config{
		Lister:        lister,
		Catalog:       backends.Catalog,
		Cache:         cacheService,
		Logger:        logger,
		MaxAttempts:   core.DiscoveryMaxAttempts,
		RetryBackoff:  core.DiscoveryRetryBackoff,
		Timeout:       core.DiscoveryTimeout,
		DefaultRating: core.DefaultRating,
	})
	if err != nil {
		logger.Fatal("Failed to create discoverer: %v", err)
	}

	report, err := d.Run(ctx, cfg.Credentials)
	if err != nil {
		logger.Fatal("Discovery failed: %v", err)
	}

	for name, n := range report.Listed {
		logger.Info("%s listed %d models", name, n)
	}
	for name, ferr := range report.Failed {
		logger.Warn("%s listing failed: %v", name, ferr)
	}
	logger.Info("Registered %d new models, %d already present, %d skipped (backend: %s)",
		len(report.Registered), report.Existing, len(report.Skipped), backends.Kind)
}
