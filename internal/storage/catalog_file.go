package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"modelrouter/internal/core"

	"github.com/bytedance/sonic"
)

type catalogDocument struct {
	Models []core.ModelRecord `json:"models"`
}

// FileCatalog is a MemoryCatalog persisted to a JSON file after every mutation.
type FileCatalog struct {
	mem      *MemoryCatalog
	filePath string
	writeMu  sync.Mutex
}

// NewFileCatalog loads filePath if it exists and returns the catalog.
func NewFileCatalog(filePath string) (*FileCatalog, error) {
	if filePath == "" {
		filePath = core.DefaultCatalogFile
	}

	fc := &FileCatalog{mem: NewMemoryCatalog(), filePath: filePath}

	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path from config
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return nil, fmt.Errorf("read catalog %s: %w", filePath, err)
	}

	var doc catalogDocument
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", filePath, err)
	}
	for _, rec := range doc.Models {
		if _, err := fc.mem.Register(context.Background(), rec); err != nil {
			return nil, fmt.Errorf("catalog %s: %w", filePath, err)
		}
	}
	return fc, nil
}

// Get returns a copy of the record for modelID.
func (fc *FileCatalog) Get(ctx context.Context, modelID string) (*core.ModelRecord, error) {
	return fc.mem.Get(ctx, modelID)
}

// List returns all records in catalog order.
func (fc *FileCatalog) List(ctx context.Context) ([]core.ModelRecord, error) {
	return fc.mem.List(ctx)
}

// Register inserts record and persists the catalog when it was new.
func (fc *FileCatalog) Register(ctx context.Context, record core.ModelRecord) (bool, error) {
	created, err := fc.mem.Register(ctx, record)
	if err != nil || !created {
		return created, err
	}
	return true, fc.persist(ctx)
}

// RecordLatency updates the running stats and persists the catalog.
func (fc *FileCatalog) RecordLatency(ctx context.Context, modelID string, seconds float64) (*core.ModelRecord, error) {
	rec, err := fc.mem.RecordLatency(ctx, modelID, seconds)
	if err != nil {
		return nil, err
	}
	return rec, fc.persist(ctx)
}

// Close is a no-op; every mutation is already on disk.
func (fc *FileCatalog) Close() error {
	return nil
}

func (fc *FileCatalog) persist(ctx context.Context) error {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()

	records, err := fc.mem.List(ctx)
	if err != nil {
		return err
	}
	data, err := sonic.MarshalIndent(catalogDocument{Models: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fc.filePath), ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Chmod(tmpName, core.FilePermissionReadWrite); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmpName, fc.filePath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}
