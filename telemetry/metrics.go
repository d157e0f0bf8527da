package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/hash2torrent"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName defaults to "hash2torrent".
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus serves the collected metrics on /metrics.
	EnablePrometheus bool

	// FlushInterval is how often OTLP export runs (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	httpRequests         metric.Int64Counter
	httpResponseBytes    metric.Int64Counter
	httpDuration         metric.Float64Histogram
	httpRequestsEndpoint metric.Int64Counter

	backendRequests metric.Int64Counter
	backendBytes    metric.Int64Counter
	backendDuration metric.Float64Histogram

	resolutions        metric.Int64Counter
	resolutionWaiters  metric.Int64Counter
	resolutionDuration metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics installs the global meter provider and instruments. Only the
// first call has an effect. The returned function flushes and stops export.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "hash2torrent"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("building metrics resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("creating otlp exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.FlushInterval)),
		))
	}

	if cfg.EnablePrometheus {
		exp, err := promexporter.New()
		if err != nil {
			return fmt.Errorf("creating prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exp))
		promHandler = promhttp.Handler()
	}

	// Instruments still aggregate with no exporter; nothing reads them.
	if cfg.OTLPEndpoint == "" && !cfg.EnablePrometheus {
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewManualReader()))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

var (
	httpBuckets       = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	backendBuckets    = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	resolutionBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120}
)

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	counters := []struct {
		dst              *metric.Int64Counter
		name, desc, unit string
	}{
		{&m.httpRequests, "hash2torrent_http_requests_total", "HTTP requests served", "{request}"},
		{&m.httpResponseBytes, "hash2torrent_http_response_bytes_total", "Bytes written in HTTP responses", "By"},
		{&m.httpRequestsEndpoint, "hash2torrent_http_requests_by_endpoint_total", "HTTP requests by endpoint", "{request}"},
		{&m.backendRequests, "hash2torrent_backend_requests_total", "Cache backend operations", "{request}"},
		{&m.backendBytes, "hash2torrent_backend_bytes_total", "Bytes moved by cache backend operations", "By"},
		{&m.resolutions, "hash2torrent_resolutions_total", "Metadata resolutions against the BitTorrent network", "{resolution}"},
		{&m.resolutionWaiters, "hash2torrent_resolution_waiters_total", "Callers waiting on a resolution, by whether they joined one in flight", "{waiter}"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
		*c.dst = inst
	}

	histograms := []struct {
		dst        *metric.Float64Histogram
		name, desc string
		buckets    []float64
	}{
		{&m.httpDuration, "hash2torrent_http_request_duration_seconds", "HTTP request duration", httpBuckets},
		{&m.backendDuration, "hash2torrent_backend_request_duration_seconds", "Cache backend operation duration", backendBuckets},
		{&m.resolutionDuration, "hash2torrent_resolution_duration_seconds", "Metadata resolution duration", resolutionBuckets},
	}
	for _, h := range histograms {
		inst, err := meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(h.buckets...),
		)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", h.name, err)
		}
		*h.dst = inst
	}

	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records one served request. The cache result and endpoint come
// from the request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	cacheResult, endpoint := string(CacheBypass), ""
	if tags := GetTags(r); tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	attrs := metric.WithAttributes(
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.httpRequests.Add(ctx, 1, attrs)
	globalMetrics.httpResponseBytes.Add(ctx, bytesSent, attrs)
	globalMetrics.httpDuration.Record(ctx, duration.Seconds(), attrs)

	if endpoint != "" {
		globalMetrics.httpRequestsEndpoint.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", StatusClass(status)),
			attribute.String("cache_result", cacheResult),
		))
	}
}

// RecordBackendOp records a cache backend operation.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequests.Add(ctx, 1, attrs)
	globalMetrics.backendDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytes.Add(ctx, bytes, attrs)
	}
}

// RecordResolution records one resolution performed against the engine.
// outcome is "success", "no_session", "added_for_downloading", "not_added",
// "mismatch" or "timeout".
func RecordResolution(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.resolutions.Add(ctx, 1, attrs)
	globalMetrics.resolutionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordResolutionWaiter records a caller of the single-flight coordinator.
func RecordResolutionWaiter(ctx context.Context, shared bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.resolutionWaiters.Add(ctx, 1,
		metric.WithAttributes(attribute.String("shared", strconv.FormatBool(shared))))
}

// PrometheusHandler serves the Prometheus exposition, or 404 when Prometheus
// export is not enabled. It can be registered before InitMetrics runs.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns "2xx" through "5xx", or "unknown".
func StatusClass(status int) string {
	if status < 200 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
