package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modelrouter/internal/core"
)

// Options selects the catalog and stats backends.
type Options struct {
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CatalogFile string
	StatsFile   string
}

// Backends is what OpenCatalog produced. History is nil unless the backend is SQL.
type Backends struct {
	Catalog core.Catalog
	History core.HistoryStore
	Kind    string
}

// OpenCatalog opens the catalog backend in priority order: Postgres, SQLite, Redis, JSON file.
func OpenCatalog(ctx context.Context, opts Options, logger core.Logger) (*Backends, error) {
	switch {
	case isPostgresURL(opts.DatabaseURL):
		db, err := OpenPostgres(opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sc, err := NewSQLCatalog(db)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Postgres catalog")
		return &Backends{Catalog: sc, History: sc, Kind: "postgres"}, nil

	case opts.DatabaseURL != "":
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme (expected postgres:// or postgresql://)")

	case opts.SQLitePath != "":
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		sc, err := NewSQLCatalog(db)
		if err != nil {
			return nil, err
		}
		logger.Info("Using SQLite catalog at %s", opts.SQLitePath)
		return &Backends{Catalog: sc, History: sc, Kind: "sqlite"}, nil

	case opts.RedisURL != "":
		rc, err := NewRedisCatalog(ctx, RedisCatalogConfig{URL: opts.RedisURL})
		if err != nil {
			return nil, err
		}
		logger.Info("Using Redis catalog")
		return &Backends{Catalog: rc, Kind: "redis"}, nil

	case opts.CatalogFile != "":
		fc, err := NewFileCatalog(opts.CatalogFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Using file catalog at %s", opts.CatalogFile)
		return &Backends{Catalog: fc, Kind: "file"}, nil
	}

	logger.Warn("No catalog backend configured, using in-memory catalog")
	return &Backends{Catalog: NewMemoryCatalog(), Kind: "memory"}, nil
}

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// SeedCatalog registers records that are not yet present and returns how many were added.
func SeedCatalog(ctx context.Context, catalog core.Catalog, records []core.ModelRecord) (int, error) {
	added := 0
	var errs error
	for _, rec := range records {
		created, err := catalog.Register(ctx, rec)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if created {
			added++
		}
	}
	return added, errs
}
