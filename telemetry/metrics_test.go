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

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
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

	r := httptest.NewRequest(http.MethodGet, "/progress/quiz-submission/2", nil)
	r = InjectTags(r)
	SetKind(r, "quiz-submission")
	SetCacheResult(r, CacheStale)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "progress_sync_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "quiz-submission"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "stale"))

	bytesDps := findCounter(rm, "progress_sync_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "progress_sync_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/-/sync/trigger", nil)
	r = InjectTags(r)
	SetKind(r, "internal")
	SetCacheResult(r, CacheNA)
	SetEndpoint(r, "sync_trigger")

	RecordHTTP(context.Background(), r, http.StatusAccepted, 16, 2*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "progress_sync_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "sync_trigger"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "progress_sync_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	require.Empty(t, findCounter(rm, "progress_sync_http_requests_by_endpoint_total"))
}

func TestRecordHelpers_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// None of these may panic when metrics are not initialised.
	RecordHTTP(ctx, InjectTags(httptest.NewRequest(http.MethodGet, "/", nil)), http.StatusOK, 0, time.Millisecond)
	RecordRouteDecision(ctx, "cache-first", CacheHit)
	RecordStoreWrite(ctx, "content", "ok", 10)
	RecordStoreEviction(ctx, "content", "lrw", 10)
	UpdateStoreUsage(ctx, "content", 10)
	RecordEnqueue(ctx, "item-completion")
	UpdateQueueDepth(ctx, map[string]int{"pending": 1})
	RecordMutationSent(ctx, "item-completion", "success")
	RecordDrainRun(ctx, "drained", time.Second)
	RecordConnectivityTransition(ctx, true)
	RecordReaperCycle(ctx, 3, time.Second)
}

func TestRecordMutationSentAndDrain(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordMutationSent(ctx, "quiz-submission", "success")
	RecordMutationSent(ctx, "quiz-submission", "success")
	RecordMutationSent(ctx, "quiz-submission", "conflict")
	RecordDrainRun(ctx, "drained", 20*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "progress_sync_mutations_sent_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "outcome", "success") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "outcome", "conflict"))
			require.EqualValues(t, 1, dp.Value)
		}
	}

	runs := findCounter(rm, "progress_sync_drain_runs_total")
	require.Len(t, runs, 1)
	require.True(t, hasAttr(runs[0].Attributes, "result", "drained"))
}

func TestStoreMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordStoreWrite(ctx, "content", "ok", 512)
	RecordStoreWrite(ctx, "content", "quota_exceeded", 0)
	RecordStoreEviction(ctx, "content", "expired", 128)
	UpdateStoreUsage(ctx, "content", 4096)

	rm := collectMetrics(t, reader)

	writes := findCounter(rm, "progress_sync_store_writes_total")
	require.Len(t, writes, 2)

	sizes := findHistogram(rm, "progress_sync_store_write_size_bytes")
	require.Len(t, sizes, 1, "only successful writes record a size")

	evicted := findCounter(rm, "progress_sync_store_eviction_bytes_total")
	require.Len(t, evicted, 1)
	require.EqualValues(t, 128, evicted[0].Value)

	usage := findGauge(rm, "progress_sync_store_usage_bytes")
	require.Len(t, usage, 1)
	require.EqualValues(t, 4096, usage[0].Value)
	require.True(t, hasAttr(usage[0].Attributes, "namespace", "content"))
}

func TestRouteDecisionUsesContextKind(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithKindContext(context.Background(), "item-completion")
	RecordRouteDecision(ctx, "queue-write", CacheQueued)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "progress_sync_route_decisions_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "kind", "item-completion"))
	require.True(t, hasAttr(dps[0].Attributes, "result", "queued"))
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{202, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{409, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
