package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"modelrouter/internal/cache"
	"modelrouter/internal/config"
	"modelrouter/internal/core"
	"modelrouter/internal/metrics"
	"modelrouter/internal/provider"
	"modelrouter/internal/router"

	"github.com/gin-gonic/gin"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	// A single route may walk several slow providers before answering.
	writeTimeout    = 5 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// Server serves the routing API over gin.
type Server struct {
	config config.ServerConfig
	engine *gin.Engine

	modelRouter *router.Router
	catalog     core.Catalog
	history     core.HistoryStore

	cache          *cache.CacheService
	metricsService *metrics.MetricsService
	prom           *metrics.PrometheusCollector
	rateLimiter    *rateLimiter

	validClientKeys map[string]bool

	stop    context.CancelFunc
	stopped context.Context
}

// NewServer wires the router, metrics and caches described by cfg.
// Logger, Storage and Catalog are required.
func NewServer(cfg config.ServerConfig) (*Server, error) {
	switch {
	case cfg.Logger == nil:
		return nil, errors.New("server config: logger is required")
	case cfg.Storage == nil:
		return nil, errors.New("server config: storage is required")
	case cfg.Catalog == nil:
		return nil, errors.New("server config: catalog is required")
	}

	s := &Server{
		config:          cfg,
		catalog:         cfg.Catalog,
		history:         cfg.History,
		cache:           cache.NewCacheService(),
		prom:            metrics.NewPrometheusCollector("modelrouter"),
		validClientKeys: clientKeySet(cfg.ClientAPIKeys, cfg.Logger),
	}
	s.metricsService = metrics.NewMetricsService(metrics.MetricsConfig{
		SaveInterval: core.MinSaveInterval,
		HistorySize:  core.HistoryBufferSize,
		Storage:      cfg.Storage,
		Logger:       cfg.Logger,
		Prometheus:   s.prom,
	})
	if err := s.metricsService.LoadStats(); err != nil {
		cfg.Logger.Warn("Failed to load historical stats: %v", err)
	}

	completer := cfg.Completer
	if completer == nil {
		completer = provider.NewClient(cfg.HTTPClientSettings.NewClient(), cfg.Endpoints.Map(), cfg.Logger)
	}
	modelRouter, err := router.New(router.Config{
		Catalog:        cfg.Catalog,
		Completer:      completer,
		Logger:         cfg.Logger,
		Metrics:        s.metricsService,
		RatingDivisor:  cfg.Router.RatingDivisor,
		AttemptTimeout: cfg.Router.AttemptTimeout,
		RouteTimeout:   cfg.Router.RouteTimeout,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create model router: %w", err)
	}
	s.modelRouter = modelRouter

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = core.DefaultRateLimit
	}
	s.rateLimiter = newRateLimiter(limit)
	s.stopped, s.stop = context.WithCancel(context.Background())

	s.setupRoutes()
	return s, nil
}

func clientKeySet(keys []string, logger core.Logger) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	if len(set) == 0 {
		logger.Warn("No client API keys configured; /v1 will answer 503")
	} else {
		logger.Info("Loaded %d client API keys", len(set))
	}
	return set
}

// Handler exposes the gin engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on the configured port until SIGINT, SIGTERM or Close.
func (s *Server) Run() error {
	ctx, cancel := signal.NotifyContext(s.stopped, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              ":" + s.config.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}

	go func() {
		<-ctx.Done()
		s.config.Logger.Info("Shutting down HTTP server")
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.config.Logger.Error("Server shutdown error: %v", err)
		}
	}()

	s.config.Logger.Info("Server starting on port %s", s.config.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on :%s: %w", s.config.Port, err)
	}
	return nil
}

// Close stops Run, flushes stats and releases background workers.
func (s *Server) Close() error {
	if s.stop != nil {
		s.stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.stop()
	}

	var errs []error
	if s.metricsService != nil {
		if err := s.metricsService.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metrics: %w", err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}
