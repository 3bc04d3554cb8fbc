package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"modelrouter/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exposes routing metrics on its own registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	routesTotal     *prometheus.CounterVec
	routeDuration   *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
}

// NewPrometheusCollector registers the router metrics under namespace.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,
		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider calls made while routing",
		}, []string{"provider", "model", "outcome"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_duration_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		routesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Routing calls by category and outcome",
		}, []string{"category", "outcome"}),
		routeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "End-to-end routing duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"category"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses",
		}),
	}
}

// Outcome maps a routing error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, core.ErrUnsupportedCategory):
		return "unsupported_category"
	case errors.Is(err, core.ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, core.ErrNoEligibleModel):
		return "no_eligible_model"
	case errors.Is(err, core.ErrAllModelsFailed):
		return "all_models_failed"
	case errors.Is(err, core.ErrInvalidRequest):
		return "invalid_request"
	}

	var upstream *core.UpstreamError
	if errors.As(err, &upstream) {
		return "upstream_" + strconv.Itoa(upstream.StatusCode)
	}
	return "error"
}

// ObserveAttempt records one provider call.
func (p *PrometheusCollector) ObserveAttempt(provider, model string, d time.Duration, err error) {
	p.attemptsTotal.WithLabelValues(provider, model, Outcome(err)).Inc()
	p.attemptDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// ObserveRoute records one routing call.
func (p *PrometheusCollector) ObserveRoute(category string, d time.Duration, err error) {
	p.routesTotal.WithLabelValues(category, Outcome(err)).Inc()
	p.routeDuration.WithLabelValues(category).Observe(d.Seconds())
}

// ObserveHTTP records one served HTTP request.
func (p *PrometheusCollector) ObserveHTTP(method, path string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
