package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modelrouter/internal/core"
)

// Config wires a Router to its collaborators.
type Config struct {
	Catalog   core.Catalog
	Completer core.Completer
	Logger    core.Logger
	Metrics   core.MetricsCollector

	// RatingDivisor normalizes ratings before scoring. Zero means core.DefaultRatingDivisor.
	RatingDivisor float64
	// AttemptTimeout bounds a single provider call. Zero means core.DefaultAttemptTimeout.
	AttemptTimeout time.Duration
	// RouteTimeout caps a whole Route call across every attempt. Zero means no cap.
	RouteTimeout time.Duration
	// DisabledCategories are rejected before any lookup. Nil means vision and audio;
	// an empty non-nil slice disables nothing.
	DisabledCategories []core.Category
}

// Router picks a model for a conversation and falls back through ranked candidates.
type Router struct {
	catalog        core.Catalog
	completer      core.Completer
	logger         core.Logger
	metrics        core.MetricsCollector
	ratingDivisor  float64
	attemptTimeout time.Duration
	routeTimeout   time.Duration
	disabled       map[core.Category]struct{}
}

// Request is one routing call. Messages receives the assistant turn on success.
type Request struct {
	Messages    []core.ChatMessage
	Model       string
	Category    core.Category
	Credentials core.Credentials
}

// Attempt records one provider call made while routing.
type Attempt struct {
	Model    string
	Provider string
	Latency  time.Duration
	Err      error
}

// Result is the outcome of a successful route.
type Result struct {
	Reply    string
	Model    string
	Provider string
	Latency  time.Duration
	Attempts []Attempt
}

// New creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("router: catalog is required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("router: completer is required")
	}

	r := &Router{
		catalog:        cfg.Catalog,
		completer:      cfg.Completer,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		ratingDivisor:  cfg.RatingDivisor,
		attemptTimeout: cfg.AttemptTimeout,
		routeTimeout:   cfg.RouteTimeout,
		disabled:       make(map[core.Category]struct{}),
	}
	if r.logger == nil {
		r.logger = &core.NopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &core.NopMetrics{}
	}
	if r.ratingDivisor <= 0 {
		r.ratingDivisor = core.DefaultRatingDivisor
	}
	if r.attemptTimeout <= 0 {
		r.attemptTimeout = core.DefaultAttemptTimeout
	}

	disabled := cfg.DisabledCategories
	if disabled == nil {
		disabled = []core.Category{core.CategoryVision, core.CategoryAudio}
	}
	for _, c := range disabled {
		r.disabled[c] = struct{}{}
	}
	return r, nil
}

// Route answers req with the requested model when it can, otherwise with the
// best ranked model of the requested category.
func (r *Router) Route(ctx context.Context, req *Request) (*Result, error) {
	if r.routeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.routeTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := r.route(ctx, req)

	category, model := "", ""
	if req != nil {
		category, model = string(req.Category), req.Model
	}
	if result != nil {
		model = result.Model
	}
	r.metrics.RecordRoute(category, model, time.Since(start), err)
	return result, err
}

func (r *Router) route(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, core.NewInvalidRequestError("request is required")
	}

	category := req.Category
	if category == "" {
		category = core.CategoryText
	}
	if _, off := r.disabled[category]; off || !category.Valid() {
		return nil, core.NewUnsupportedCategoryError(category)
	}
	if len(req.Messages) == 0 {
		return nil, core.NewInvalidRequestError("messages must not be empty")
	}

	requested, err := r.catalog.Get(ctx, req.Model)
	if err != nil {
		if errors.Is(err, core.ErrUnknownModel) {
			return nil, core.NewUnknownModelError(req.Model)
		}
		return nil, fmt.Errorf("failed to load model %s: %w", req.Model, err)
	}

	result := &Result{}
	var failures []error

	key, hasKey := req.Credentials.KeyFor(requested.Provider)
	switch {
	case !hasKey:
		r.logger.Info("No %s credential, skipping requested model %s", requested.Provider, requested.ModelID)
	case !servesCategory(requested.Category, category):
		r.logger.Debug("Requested model %s is %s, not %s; using fallback", requested.ModelID, requested.Category, category)
	default:
		reply, err := r.attempt(ctx, req, *requested, key, result)
		if err == nil {
			return r.finish(req, *requested, reply, result), nil
		}
		if core.IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("routing cancelled: %w", ctx.Err())
		}
		r.logger.Warn("Primary model %s failed: %v", requested.ModelID, err)
		failures = append(failures, err)
	}

	candidates, err := r.candidates(ctx, category, requested.ModelID, req.Credentials)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, core.NewNoEligibleModelError(category)
	}

	complexity := Complexity(req.Messages)
	ranked := Rank(candidates, complexity, r.ratingDivisor)
	r.logger.Debug("Fallback for %s: complexity=%.1f, %d candidates, first=%s",
		category, complexity, len(ranked), ranked[0].ModelID)

	for _, rec := range ranked {
		key, _ := req.Credentials.KeyFor(rec.Provider)
		reply, err := r.attempt(ctx, req, rec, key, result)
		if err == nil {
			return r.finish(req, rec, reply, result), nil
		}
		if core.IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("routing cancelled: %w", ctx.Err())
		}
		r.logger.Warn("Fallback model %s failed: %v", rec.ModelID, err)
		failures = append(failures, err)
	}

	return nil, core.NewAllModelsFailedError(category, failures)
}

// servesCategory reports whether a model of category have can answer a request for want.
// Multimodal models also serve text; nothing else crosses categories.
func servesCategory(have, want core.Category) bool {
	return have == want || (want == core.CategoryText && have == core.CategoryMultimodal)
}

// candidates lists the credentialed models of category, in catalog order, without exclude.
func (r *Router) candidates(ctx context.Context, category core.Category, exclude string, creds core.Credentials) ([]core.ModelRecord, error) {
	records, err := r.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}

	out := make([]core.ModelRecord, 0, len(records))
	for _, rec := range records {
		if rec.Category != category || rec.ModelID == exclude {
			continue
		}
		if _, ok := creds.KeyFor(rec.Provider); !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// attempt calls one model under its own deadline and records its latency on success.
func (r *Router) attempt(ctx context.Context, req *Request, rec core.ModelRecord, apiKey string, result *Result) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
	defer cancel()

	started := time.Now()
	completion, err := r.completer.Complete(attemptCtx, rec.Provider, apiKey, rec.ModelID, req.Messages)
	elapsed := time.Since(started)
	if err == nil && completion == nil {
		err = fmt.Errorf("%w: empty completion", core.ErrMalformedResponse)
	}

	r.metrics.RecordAttempt(rec.Provider, rec.ModelID, elapsed, err)
	result.Attempts = append(result.Attempts, Attempt{
		Model:    rec.ModelID,
		Provider: rec.Provider,
		Latency:  elapsed,
		Err:      err,
	})

	if err != nil {
		if core.IsFatal(err) {
			return "", err
		}
		return "", fmt.Errorf("%s/%s: %w", rec.Provider, rec.ModelID, err)
	}

	reply := Normalize(completion.Content, rec.ModelID, rec.Provider)

	if _, err := r.catalog.RecordLatency(ctx, rec.ModelID, elapsed.Seconds()); err != nil {
		r.logger.Warn("Failed to record latency for %s: %v", rec.ModelID, err)
	}

	result.Latency = elapsed
	return reply, nil
}

func (r *Router) finish(req *Request, rec core.ModelRecord, reply string, result *Result) *Result {
	req.Messages = append(req.Messages, core.ChatMessage{Role: core.RoleAssistant, Content: reply})

	result.Reply = reply
	result.Model = rec.ModelID
	result.Provider = rec.Provider
	r.logger.Info("Routed to %s (%s) in %v after %d attempt(s)",
		rec.ModelID, rec.Provider, result.Latency, len(result.Attempts))
	return result
}
