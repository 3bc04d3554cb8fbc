package storage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"modelrouter/internal/core"
)

// MemoryCatalog keeps the catalog in process memory, in insertion order.
type MemoryCatalog struct {
	mu      sync.RWMutex
	order   []string
	records map[string]*core.ModelRecord
}

// NewMemoryCatalog creates a catalog pre-populated with records. Duplicate ids keep the first entry.
func NewMemoryCatalog(records ...core.ModelRecord) *MemoryCatalog {
	mc := &MemoryCatalog{records: make(map[string]*core.ModelRecord, len(records))}
	for _, rec := range records {
		_, _ = mc.Register(context.Background(), rec)
	}
	return mc
}

// Get returns a copy of the record for modelID.
func (mc *MemoryCatalog) Get(_ context.Context, modelID string) (*core.ModelRecord, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	rec, ok := mc.records[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownModel, modelID)
	}
	return rec.Clone(), nil
}

// List returns copies of all records in catalog order.
func (mc *MemoryCatalog) List(_ context.Context) ([]core.ModelRecord, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make([]core.ModelRecord, 0, len(mc.order))
	for _, id := range mc.order {
		out = append(out, *mc.records[id].Clone())
	}
	return out, nil
}

// Register inserts record unless its id already exists.
func (mc *MemoryCatalog) Register(_ context.Context, record core.ModelRecord) (bool, error) {
	if err := validateRecord(record); err != nil {
		return false, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, exists := mc.records[record.ModelID]; exists {
		return false, nil
	}
	mc.records[record.ModelID] = record.Clone()
	mc.order = append(mc.order, record.ModelID)
	return true, nil
}

// RecordLatency folds one successful call into the model's running stats.
func (mc *MemoryCatalog) RecordLatency(_ context.Context, modelID string, seconds float64) (*core.ModelRecord, error) {
	if err := validateSample(seconds); err != nil {
		return nil, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	rec, ok := mc.records[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownModel, modelID)
	}
	rec.ApplyLatency(seconds)
	return rec.Clone(), nil
}

// Close is a no-op.
func (mc *MemoryCatalog) Close() error {
	return nil
}

func validateRecord(record core.ModelRecord) error {
	if strings.TrimSpace(record.ModelID) == "" {
		return fmt.Errorf("model_id is required")
	}
	if record.Provider == "" {
		return fmt.Errorf("model %s: provider is required", record.ModelID)
	}
	if !record.Category.Valid() {
		return fmt.Errorf("model %s: invalid category %q", record.ModelID, record.Category)
	}
	return nil
}

func validateSample(seconds float64) error {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return fmt.Errorf("invalid latency sample %v", seconds)
	}
	return nil
}
