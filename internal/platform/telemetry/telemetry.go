// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the cohort service. A Provider owns its own registry, records HTTP server
// metrics, and implements cohort.Recorder for leaf and run observations.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/cohort/internal/cohort"
)

// InstrumentationName is the tracer name used for every span this service
// creates.
const InstrumentationName = "github.com/ehr/cohort"

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds all configuration for the telemetry provider.
type Config struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
	TracingEnabled *bool  `json:"tracing_enabled"` // nil = use default (true)
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) tracingOn() bool {
	if c.TracingEnabled == nil {
		return true
	}
	return *c.TracingEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "cohort-engine"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

var (
	durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	runBuckets      = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider manages the metric registry and tracer.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry
	tp       trace.TracerProvider
	tracer   trace.Tracer

	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge
	leafDuration *prometheus.HistogramVec
	runDuration  *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	cacheEvents  *prometheus.CounterVec
	poolConns    *prometheus.GaugeVec
}

// Option configures a Provider.
type Option func(*Provider)

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) { p.tp = tp }
}

// NewProvider creates a provider with a fresh registry. Go runtime and
// process collectors are registered alongside the service metrics.
func NewProvider(cfg Config, opts ...Option) *Provider {
	cfg.applyDefaults()
	p := &Provider{cfg: cfg, registry: prometheus.NewRegistry(), tp: otel.GetTracerProvider()}
	for _, opt := range opts {
		opt(p)
	}
	p.tracer = p.tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))

	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}
	p.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_server_request_duration_seconds",
		Help:        "Duration of HTTP requests by method, route and status",
		Buckets:     durationBuckets,
		ConstLabels: constLabels,
	}, []string{"method", "route", "status"})
	p.httpActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "http_server_active_requests",
		Help:        "Number of in-flight HTTP requests",
		ConstLabels: constLabels,
	})
	p.leafDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "cohort_leaf_duration_seconds",
		Help:        "Duration of leaf cohort evaluations by kind and result",
		Buckets:     durationBuckets,
		ConstLabels: constLabels,
	}, []string{"kind", "result"})
	p.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "cohort_run_duration_seconds",
		Help:        "Duration of cohort runs by outcome",
		Buckets:     runBuckets,
		ConstLabels: constLabels,
	}, []string{"outcome"})
	p.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cohort_runs_total",
		Help:        "Total cohort runs by outcome",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	p.cacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cohort_cache_events_total",
		Help:        "Run cache lookups and computations by event",
		ConstLabels: constLabels,
	}, []string{"event"})
	p.poolConns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "db_pool_connections",
		Help:        "Database pool connections by state",
		ConstLabels: constLabels,
	}, []string{"state"})

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.httpDuration, p.httpActive,
		p.leafDuration, p.runDuration, p.runs, p.cacheEvents,
		p.poolConns,
	)
	return p
}

// Registry exposes the provider's registry, mainly for tests.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Tracer returns the service tracer. With no SDK installed it is a no-op.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes the tracer provider when it supports it.
func (p *Provider) Shutdown(ctx context.Context) error {
	if s, ok := p.tp.(interface{ Shutdown(context.Context) error }); ok {
		return s.Shutdown(ctx)
	}
	return nil
}

// ---------------------------------------------------------------------------
// cohort.Recorder
// ---------------------------------------------------------------------------

var _ cohort.Recorder = (*Provider)(nil)

// ObserveLeaf records one leaf evaluation.
func (p *Provider) ObserveLeaf(kind string, d time.Duration, err error) {
	if !p.cfg.metricsOn() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.leafDuration.WithLabelValues(kind, result).Observe(d.Seconds())
}

// ObserveRun records a finished run and folds its cache counters into the
// service totals.
func (p *Provider) ObserveRun(outcome string, d time.Duration, stats cohort.CacheStats) {
	if !p.cfg.metricsOn() {
		return
	}
	p.runs.WithLabelValues(outcome).Inc()
	p.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
	p.cacheEvents.WithLabelValues("hit").Add(float64(stats.Hits))
	p.cacheEvents.WithLabelValues("miss").Add(float64(stats.Misses))
	p.cacheEvents.WithLabelValues("compute").Add(float64(stats.Computes))
	p.cacheEvents.WithLabelValues("failure").Add(float64(stats.Failures))
}

// SetDBPool updates the pool connection gauges.
func (p *Provider) SetDBPool(total, idle, acquired int32) {
	p.poolConns.WithLabelValues("total").Set(float64(total))
	p.poolConns.WithLabelValues("idle").Set(float64(idle))
	p.poolConns.WithLabelValues("acquired").Set(float64(acquired))
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// TracingMiddleware starts a server span per request, named after the route
// pattern, and makes it the parent of every span the handler creates.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.tracingOn() {
				return next(c)
			}
			req := c.Request()
			route := routeOf(c)

			ctx, span := p.tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("http.url", req.URL.String()),
				))
			defer span.End()
			if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
				span.RecordError(err)
			}

			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return nil
		}
	}
}

// MetricsMiddleware records request duration and the in-flight gauge.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			p.httpActive.Inc()
			defer p.httpActive.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := strconv.Itoa(c.Response().Status)
			p.httpDuration.WithLabelValues(c.Request().Method, routeOf(c), status).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
}

func routeOf(c echo.Context) string {
	if route := c.Path(); route != "" {
		return route
	}
	return c.Request().URL.Path
}
