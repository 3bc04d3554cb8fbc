// Command server exposes the model router over an OpenAI-compatible HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"modelrouter/internal/config"
	"modelrouter/internal/core"
	logpkg "modelrouter/internal/log"
	"modelrouter/internal/server"
	"modelrouter/internal/storage"

	"github.com/joho/godotenv"
)

const startupTimeout = 30 * time.Second

func main() {
	dotenvErr := godotenv.Load()
	logger := logpkg.CreateLogger()
	if dotenvErr != nil {
		logger.Warn("No .env file found, using system environment variables")
	}

	err := run(logger)
	if err != nil {
		logger.Error("%v", err)
	}
	if appLog, ok := logger.(*logpkg.AppLogger); ok {
		_ = appLog.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

// run owns every resource it opens, so deferred cleanup runs before exit.
func run(logger core.Logger) error {
	cfg, err := config.LoadServerConfigFromEnv(logger)
	if err != nil {
		return fmt.Errorf("load server configuration: %w", err)
	}

	backends, err := openCatalog(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = backends.Catalog.Close() }()

	stats, err := storage.InitStorage(cfg.StorageOptions, logger)
	if err != nil {
		return fmt.Errorf("initialize stats storage: %w", err)
	}
	defer func() { _ = stats.Close() }()

	cfg.Logger = logger
	cfg.Storage = stats
	cfg.Catalog = backends.Catalog
	cfg.History = backends.History

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	logger.Info("Catalog backend: %s", backends.Kind)
	return srv.Run()
}

// openCatalog opens the configured backend and applies the optional seed file.
func openCatalog(cfg config.ServerConfig, logger core.Logger) (*storage.Backends, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	backends, err := storage.OpenCatalog(ctx, cfg.StorageOptions, logger)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if cfg.CatalogSeedPath == "" {
		return backends, nil
	}

	records, err := config.LoadCatalogSeed(cfg.CatalogSeedPath)
	if err != nil {
		_ = backends.Catalog.Close()
		return nil, fmt.Errorf("load catalog seed: %w", err)
	}
	added, err := storage.SeedCatalog(ctx, backends.Catalog, records)
	if err != nil {
		logger.Warn("Catalog seed finished with errors: %v", err)
	}
	logger.Info("Seeded %d of %d catalog models from %s", added, len(records), cfg.CatalogSeedPath)
	return backends, nil
}
