package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/progress-sync"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	apiCallDuration metric.Float64Histogram
	apiCallsTotal   metric.Int64Counter
	apiBytesTotal   metric.Int64Counter

	routeDecisionsTotal metric.Int64Counter

	storeWritesTotal        metric.Int64Counter
	storeWriteSize          metric.Float64Histogram
	storeEvictionsTotal     metric.Int64Counter
	storeEvictionBytesTotal metric.Int64Counter
	storeUsageBytes         metric.Int64Gauge

	queueEnqueuedTotal metric.Int64Counter
	queueDepth         metric.Int64Gauge

	mutationsSentTotal metric.Int64Counter
	drainRunsTotal     metric.Int64Counter
	drainDuration      metric.Float64Histogram

	connectivityTransitionsTotal metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
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
		cfg.ServiceName = "progress-sync"
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
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	durationBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)

	if m.requestsTotal, err = meter.Int64Counter(
		"progress_sync_http_requests_total",
		metric.WithDescription("Total number of HTTP requests served by the local host"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.responseBytesTotal, err = meter.Int64Counter(
		"progress_sync_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.requestDuration, err = meter.Float64Histogram(
		"progress_sync_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}
	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"progress_sync_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.apiCallDuration, err = meter.Float64Histogram(
		"progress_sync_api_call_duration_seconds",
		metric.WithDescription("Duration of calls to the remote progress API"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}
	if m.apiCallsTotal, err = meter.Int64Counter(
		"progress_sync_api_calls_total",
		metric.WithDescription("Total number of calls to the remote progress API"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.apiBytesTotal, err = meter.Int64Counter(
		"progress_sync_api_bytes_total",
		metric.WithDescription("Total bytes read from the remote progress API"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.routeDecisionsTotal, err = meter.Int64Counter(
		"progress_sync_route_decisions_total",
		metric.WithDescription("Intercepted requests by cache strategy and result"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.storeWritesTotal, err = meter.Int64Counter(
		"progress_sync_store_writes_total",
		metric.WithDescription("Local store writes by namespace and outcome"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}
	if m.storeWriteSize, err = meter.Float64Histogram(
		"progress_sync_store_write_size_bytes",
		metric.WithDescription("Stored (post-compaction) size of local store writes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304),
	); err != nil {
		return nil, err
	}
	if m.storeEvictionsTotal, err = meter.Int64Counter(
		"progress_sync_store_evictions_total",
		metric.WithDescription("Entries evicted from the local store"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.storeEvictionBytesTotal, err = meter.Int64Counter(
		"progress_sync_store_eviction_bytes_total",
		metric.WithDescription("Bytes freed by local store eviction"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.storeUsageBytes, err = meter.Int64Gauge(
		"progress_sync_store_usage_bytes",
		metric.WithDescription("Bytes used per local store namespace"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.queueEnqueuedTotal, err = meter.Int64Counter(
		"progress_sync_queue_enqueued_total",
		metric.WithDescription("Mutations enqueued for later delivery"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Gauge(
		"progress_sync_queue_depth",
		metric.WithDescription("Queued mutations by status"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}

	if m.mutationsSentTotal, err = meter.Int64Counter(
		"progress_sync_mutations_sent_total",
		metric.WithDescription("Mutation delivery attempts by kind and outcome"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}
	if m.drainRunsTotal, err = meter.Int64Counter(
		"progress_sync_drain_runs_total",
		metric.WithDescription("Reconciliation drain runs by result"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.drainDuration, err = meter.Float64Histogram(
		"progress_sync_drain_duration_seconds",
		metric.WithDescription("Duration of reconciliation drain runs"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.connectivityTransitionsTotal, err = meter.Int64Counter(
		"progress_sync_connectivity_transitions_total",
		metric.WithDescription("Debounced connectivity transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"progress_sync_reaper_deleted_total",
		metric.WithDescription("Expired entries deleted by the reaper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.reaperDuration, err = meter.Float64Histogram(
		"progress_sync_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	return &m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Kind and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	kind := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Kind != "" {
			kind = tags.Kind
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {kind, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("kind", kind),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordAPICall records a call to the remote progress API.
func RecordAPICall(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.apiCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.apiCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.apiBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordRouteDecision records how the interceptor served a request.
// strategy is the router strategy name, result is a CacheResult.
func RecordRouteDecision(ctx context.Context, strategy string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.String("result", string(result)),
		attribute.String("kind", KindFromContext(ctx)),
	}
	globalMetrics.routeDecisionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStoreWrite records a local store write. outcome is "ok",
// "quota_exceeded" or "error"; size is the stored size.
func RecordStoreWrite(ctx context.Context, namespace, outcome string, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("namespace", namespace),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeWritesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if outcome == "ok" {
		globalMetrics.storeWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("namespace", namespace)))
	}
}

// RecordStoreEviction records an evicted entry. reason is "expired" or "lrw".
func RecordStoreEviction(ctx context.Context, namespace, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("namespace", namespace),
		attribute.String("reason", reason),
	}
	globalMetrics.storeEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeEvictionBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
}

// UpdateStoreUsage records the current usage of a namespace.
func UpdateStoreUsage(ctx context.Context, namespace string, usedBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeUsageBytes.Record(ctx, usedBytes, metric.WithAttributes(attribute.String("namespace", namespace)))
}

// RecordEnqueue records a mutation added to the sync queue.
func RecordEnqueue(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// UpdateQueueDepth records the queue size per status.
func UpdateQueueDepth(ctx context.Context, byStatus map[string]int) {
	if globalMetrics == nil {
		return
	}
	for status, n := range byStatus {
		globalMetrics.queueDepth.Record(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordMutationSent records one delivery attempt. outcome is "ok", "retry",
// "conflict", "exhausted", "requeued" or "unauthorized".
func RecordMutationSent(ctx context.Context, kind, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.mutationsSentTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDrainRun records one reconciliation run. result is "drained",
// "offline", "canceled" or "backoff".
func RecordDrainRun(ctx context.Context, result string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	globalMetrics.drainRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.drainDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordConnectivityTransition records a debounced online/offline transition.
func RecordConnectivityTransition(ctx context.Context, online bool) {
	if globalMetrics == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	globalMetrics.connectivityTransitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
func RecordReaperCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
