package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/torrents/443c7602b4fde83d1154d6d9da48808418b181b6", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "hash2torrent_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "hash2torrent_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "hash2torrent_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/torrents/443c7602b4fde83d1154d6d9da48808418b181b6", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "torrent")

	RecordHTTP(context.Background(), r, http.StatusInternalServerError, 23, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "hash2torrent_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "torrent"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "5xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "hash2torrent_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
	require.Empty(t, findCounter(rm, "hash2torrent_http_requests_by_endpoint_total"))
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 512)
	RecordBackendOp(ctx, "filesystem", "read", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	require.Len(t, findCounter(rm, "hash2torrent_backend_requests_total"), 2)

	bytesDps := findCounter(rm, "hash2torrent_backend_bytes_total")
	require.Len(t, bytesDps, 1, "zero-byte operations do not add byte data points")
	require.EqualValues(t, 512, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "write"))
}

func TestRecordResolution(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordResolution(ctx, "success", 2*time.Second)
	RecordResolution(ctx, "not_added", time.Second)
	RecordResolution(ctx, "success", time.Second)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "hash2torrent_resolutions_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "outcome", "success"):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "outcome", "not_added"):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected attributes %v", dp.Attributes)
		}
	}

	hist := findHistogram(rm, "hash2torrent_resolution_duration_seconds")
	require.Len(t, hist, 2)
}

func TestRecordResolutionWaiter(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordResolutionWaiter(ctx, false)
	RecordResolutionWaiter(ctx, true)
	RecordResolutionWaiter(ctx, true)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "hash2torrent_resolution_waiters_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "shared", "true") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "shared", "false"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// Should not panic
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "filesystem", "read", "success", time.Millisecond, 1)
	RecordResolution(ctx, "success", time.Millisecond)
	RecordResolutionWaiter(ctx, true)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{304, "3xx"},
		{400, "4xx"},
		{408, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
