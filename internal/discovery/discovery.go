package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"modelrouter/internal/cache"
	"modelrouter/internal/core"

	"golang.org/x/sync/errgroup"
)

// Config wires a Discoverer.
type Config struct {
	Lister  core.ModelLister
	Catalog core.Catalog
	Cache   *cache.CacheService
	Logger  core.Logger
	Metrics core.MetricsCollector

	MaxAttempts   int
	RetryBackoff  time.Duration
	Timeout       time.Duration
	DefaultRating int
}

// Discoverer populates the catalog from provider model listings.
type Discoverer struct {
	lister        core.ModelLister
	catalog       core.Catalog
	cache         *cache.CacheService
	logger        core.Logger
	metrics       core.MetricsCollector
	maxAttempts   int
	retryBackoff  time.Duration
	timeout       time.Duration
	defaultRating int
}

// Report summarizes one discovery run.
type Report struct {
	Listed     map[string]int
	Registered []string
	Existing   int
	Skipped    []string
	Failed     map[string]error
}

// New creates a Discoverer.
func New(cfg Config) (*Discoverer, error) {
	if cfg.Lister == nil {
		return nil, errors.New("discovery: lister is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("discovery: catalog is required")
	}

	d := &Discoverer{
		lister:        cfg.Lister,
		catalog:       cfg.Catalog,
		cache:         cfg.Cache,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		maxAttempts:   cfg.MaxAttempts,
		retryBackoff:  cfg.RetryBackoff,
		timeout:       cfg.Timeout,
		defaultRating: cfg.DefaultRating,
	}
	if d.logger == nil {
		d.logger = &core.NopLogger{}
	}
	if d.metrics == nil {
		d.metrics = &core.NopMetrics{}
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = core.DiscoveryMaxAttempts
	}
	if d.retryBackoff < 0 {
		d.retryBackoff = 0
	}
	if d.timeout <= 0 {
		d.timeout = core.DiscoveryTimeout
	}
	if d.defaultRating <= 0 {
		d.defaultRating = core.DefaultRating
	}
	return d, nil
}

// Run lists every credentialed provider concurrently and registers unseen models.
// Existing catalog records are never modified. It fails only when no provider could be listed.
func (d *Discoverer) Run(ctx context.Context, creds core.Credentials) (*Report, error) {
	report := &Report{
		Listed: make(map[string]int),
		Failed: make(map[string]error),
	}

	type listing struct {
		provider string
		models   []core.RemoteModel
	}

	var (
		mu       sync.Mutex
		listings []listing
		g        errgroup.Group
	)
	for _, provider := range core.Providers {
		key, ok := creds.KeyFor(provider)
		if !ok {
			d.logger.Info("Skipping %s discovery: no API key", provider)
			continue
		}
		g.Go(func() error {
			models, err := d.ListModels(ctx, provider, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[provider] = err
				return nil
			}
			listings = append(listings, listing{provider: provider, models: models})
			report.Listed[provider] = len(models)
			return nil
		})
	}
	_ = g.Wait()

	if len(listings) == 0 {
		if len(report.Failed) == 0 {
			return report, errors.New("discovery: no provider API key configured")
		}
		return report, fmt.Errorf("discovery: every provider listing failed: %w", joinFailures(report.Failed))
	}

	// Register in provider order so catalog order is stable across runs.
	for _, provider := range core.Providers {
		for _, l := range listings {
			if l.provider != provider {
				continue
			}
			if err := d.register(ctx, l.provider, l.models, report); err != nil {
				return report, err
			}
		}
	}

	d.logger.Info("Discovery finished: registered=%d existing=%d skipped=%d failed_providers=%d",
		len(report.Registered), report.Existing, len(report.Skipped), len(report.Failed))
	return report, nil
}

func (d *Discoverer) register(ctx context.Context, provider string, models []core.RemoteModel, report *Report) error {
	for _, m := range models {
		category, ok := Classify(m.ID)
		if !ok {
			report.Skipped = append(report.Skipped, m.ID)
			continue
		}

		created, err := d.catalog.Register(ctx, core.ModelRecord{
			ModelID:  m.ID,
			Provider: provider,
			Category: category,
			Rating:   d.defaultRating,
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", m.ID, err)
		}
		if created {
			d.logger.Info("Registered %s model %s as %s", provider, m.ID, category)
			report.Registered = append(report.Registered, m.ID)
		} else {
			report.Existing++
		}
	}
	return nil
}

// ListModels returns a provider listing from cache or with bounded retries.
func (d *Discoverer) ListModels(ctx context.Context, provider, apiKey string) ([]core.RemoteModel, error) {
	cacheKey := cache.GenerateModelListCacheKey(provider, apiKey)
	if d.cache != nil {
		if models, ok := d.cache.GetModelList(cacheKey); ok {
			d.metrics.RecordCacheHit()
			return models, nil
		}
		d.metrics.RecordCacheMiss()
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		models, err := d.listOnce(ctx, provider, apiKey)
		if err == nil {
			if d.cache != nil {
				d.cache.SetModelList(cacheKey, models, core.ModelListCacheTTL)
			}
			return models, nil
		}
		lastErr = err
		if !retryable(err) || attempt == d.maxAttempts {
			break
		}

		wait := d.retryBackoff * time.Duration(attempt)
		d.logger.Warn("Listing %s models failed (attempt %d/%d), retrying in %v: %v",
			provider, attempt, d.maxAttempts, wait, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("list %s models: %w", provider, lastErr)
}

func (d *Discoverer) listOnce(ctx context.Context, provider, apiKey string) ([]core.RemoteModel, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.lister.ListModels(ctx, provider, apiKey)
}

// retryable rejects auth failures and caller cancellation.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var upstream *core.UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false
		}
	}
	return true
}

func joinFailures(failed map[string]error) error {
	var errs []error
	for _, provider := range core.Providers {
		if err, ok := failed[provider]; ok {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
