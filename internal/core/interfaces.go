package core

import (
	"context"
	"time"
)

// Logger interface
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	Fatal(format string, args ...any)
}

// Catalog is the model catalog the router reads and updates.
// RecordLatency must serialize updates per model record.
type Catalog interface {
	Get(ctx context.Context, modelID string) (*ModelRecord, error)
	List(ctx context.Context) ([]ModelRecord, error)
	Register(ctx context.Context, record ModelRecord) (bool, error)
	RecordLatency(ctx context.Context, modelID string, seconds float64) (*ModelRecord, error)
	Close() error
}

// Completer issues one chat completion call against a provider.
type Completer interface {
	Complete(ctx context.Context, provider, apiKey, model string, messages []ChatMessage) (*Completion, error)
}

// ModelLister lists the models a provider currently serves.
type ModelLister interface {
	ListModels(ctx context.Context, provider, apiKey string) ([]RemoteModel, error)
}

// HistoryStore persists chat turns per session.
type HistoryStore interface {
	SaveMessage(ctx context.Context, entry HistoryEntry) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]HistoryEntry, error)
}

// StorageInterface storage interface
type StorageInterface interface {
	SaveStats(stats *RequestStats) error
	LoadStats() (*RequestStats, error)
	Close() error
}

// MetricsCollector interface
type MetricsCollector interface {
	RecordAttempt(provider, model string, duration time.Duration, err error)
	RecordRoute(category, model string, duration time.Duration, err error)
	RecordCacheHit()
	RecordCacheMiss()
	GetQPS() float64
}

// NopLogger empty logger implementation
type NopLogger struct{}

func (*NopLogger) Debug(format string, args ...any) {}
func (*NopLogger) Info(format string, args ...any)  {}
func (*NopLogger) Warn(format string, args ...any)  {}
func (*NopLogger) Error(format string, args ...any) {}
func (*NopLogger) Fatal(format string, args ...any) {}

// NopMetrics empty metrics collector implementation
type NopMetrics struct{}

func (*NopMetrics) RecordAttempt(provider, model string, duration time.Duration, err error) {}
func (*NopMetrics) RecordRoute(category, model string, duration time.Duration, err error)   {}
func (*NopMetrics) RecordCacheHit()                                                         {}
func (*NopMetrics) RecordCacheMiss()                                                        {}
func (*NopMetrics) GetQPS() float64                                                         { return 0 }
