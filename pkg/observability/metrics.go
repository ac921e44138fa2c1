package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instantiation paths
const (
	PathFast = "fast"
	PathSlow = "slow"
)

// Retrieval outcomes
const (
	RetrievalCached    = "cached"
	RetrievalExtracted = "extracted"
	RetrievalWaited    = "waited"
	RetrievalNotFound  = "not_found"
	RetrievalError     = "error"
)

// Module inspection results
const (
	InspectQualified = "qualified"
	InspectEmpty     = "empty"
	InspectFailed    = "failed"
)

// Metrics holds all Prometheus metrics. Each recording method also feeds
// the matching OpenTelemetry instrument on the global meter provider.
type Metrics struct {
	// Instantiation metrics
	InstantiationsTotal *prometheus.CounterVec
	BuildsTotal         *prometheus.CounterVec
	BuildDuration       *prometheus.HistogramVec

	// Retrieval metrics
	RetrievalsTotal        *prometheus.CounterVec
	ExtractionWaitDuration prometheus.Histogram

	// Discovery metrics
	ModulesInspectedTotal *prometheus.CounterVec

	// Registry index cache metrics
	IndexCacheTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	otelInstantiations metric.Int64Counter
	otelBuildDuration  metric.Float64Histogram
	otelRetrievals     metric.Int64Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		InstantiationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impromptu_instantiations_total",
				Help: "Total number of plugin instantiations",
			},
			[]string{"path", "result"},
		),
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impromptu_builds_total",
				Help: "Total number of constructor table builds",
			},
			[]string{"status", "stage"},
		),
		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impromptu_build_duration_seconds",
				Help:    "Constructor table build duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"status"},
		),
		RetrievalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impromptu_retrievals_total",
				Help: "Total number of package retrievals by outcome",
			},
			[]string{"outcome"},
		),
		ExtractionWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "impromptu_extraction_wait_seconds",
				Help:    "Time spent waiting for another extractor to finish",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		ModulesInspectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impromptu_modules_inspected_total",
				Help: "Total number of candidate modules inspected",
			},
			[]string{"result"},
		),
		IndexCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impromptu_index_cache_requests_total",
				Help: "Registry index cache lookups by layer and result",
			},
			[]string{"layer", "result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impromptu_http_requests_total",
				Help: "Total number of registry HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impromptu_http_request_duration_seconds",
				Help:    "Registry HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.InstantiationsTotal,
		m.BuildsTotal,
		m.BuildDuration,
		m.RetrievalsTotal,
		m.ExtractionWaitDuration,
		m.ModulesInspectedTotal,
		m.IndexCacheTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	meter := otel.Meter("github.com/platinummonkey/impromptu")
	// instrument creation only fails on invalid names; a nil instrument is skipped
	m.otelInstantiations, _ = meter.Int64Counter(
		"impromptu.instantiations",
		metric.WithDescription("Total number of plugin instantiations"),
		metric.WithUnit("{instantiation}"),
	)
	m.otelBuildDuration, _ = meter.Float64Histogram(
		"impromptu.build.duration",
		metric.WithDescription("Constructor table build duration"),
		metric.WithUnit("s"),
	)
	m.otelRetrievals, _ = meter.Int64Counter(
		"impromptu.retrievals",
		metric.WithDescription("Package retrievals by outcome"),
		metric.WithUnit("{retrieval}"),
	)

	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveInstantiation records one Instantiate call
func (m *Metrics) ObserveInstantiation(path string, err error) {
	if m == nil {
		return
	}
	result := resultLabel(err)
	m.InstantiationsTotal.WithLabelValues(path, result).Inc()
	if m.otelInstantiations != nil {
		m.otelInstantiations.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("path", path),
			attribute.String("result", result),
		))
	}
}

// ObserveBuild records a finished build. stage is empty on success.
func (m *Metrics) ObserveBuild(stage string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.BuildsTotal.WithLabelValues(status, stage).Inc()
	m.BuildDuration.WithLabelValues(status).Observe(duration.Seconds())
	if m.otelBuildDuration != nil {
		m.otelBuildDuration.Record(context.Background(), duration.Seconds(), metric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

// ObserveRetrieval records a retrieval outcome
func (m *Metrics) ObserveRetrieval(outcome string) {
	if m == nil {
		return
	}
	m.RetrievalsTotal.WithLabelValues(outcome).Inc()
	if m.otelRetrievals != nil {
		m.otelRetrievals.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
}

// ObserveExtractionWait records time spent polling for another extractor
func (m *Metrics) ObserveExtractionWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionWaitDuration.Observe(d.Seconds())
}

// ObserveModuleInspected records the result of inspecting one module file
func (m *Metrics) ObserveModuleInspected(result string) {
	if m == nil {
		return
	}
	m.ModulesInspectedTotal.WithLabelValues(result).Inc()
}

// ObserveIndexCache records an index cache lookup
func (m *Metrics) ObserveIndexCache(layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.IndexCacheTotal.WithLabelValues(layer, result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests, labelling them by mux route
// template so package ids do not explode label cardinality
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
