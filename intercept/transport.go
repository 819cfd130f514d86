// Package intercept applies the cache policy router to outgoing HTTP requests.
//
// Transport is a drop-in http.RoundTripper. Reads are served from the local
// store according to their strategy, progress writes go through the sync
// queue when they cannot be delivered, and every response is annotated with
// where it came from.
package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	progresssync "github.com/wolfeidau/progress-sync"
	"github.com/wolfeidau/progress-sync/queue"
	"github.com/wolfeidau/progress-sync/refresh"
	"github.com/wolfeidau/progress-sync/remote"
	"github.com/wolfeidau/progress-sync/router"
	"github.com/wolfeidau/progress-sync/snapshot"
	"github.com/wolfeidau/progress-sync/store"
	"github.com/wolfeidau/progress-sync/telemetry"
)

// Response annotations.
const (
	HeaderSource      = "X-Sync-Source"
	HeaderStale       = "X-Sync-Stale"
	HeaderQueued      = "X-Sync-Queued"
	HeaderUnavailable = "X-Sync-Unavailable"
	HeaderProvenance  = "X-Sync-Provenance"
)

// Values of HeaderSource.
const (
	SourceNetwork   = "network"
	SourceCache     = "cache"
	SourceQueue     = "queue"
	SourceSynthetic = "synthetic"
)

const (
	maxWriteBody    = 1 << 20
	maxCachedBody   = 4 << 20
	defaultFetchTTL = 30 * time.Second
)

// Connectivity reports whether the network is believed reachable.
type Connectivity interface {
	Online() bool
}

// Config configures a Transport.
type Config struct {
	// Base performs network requests. Defaults to an instrumented
	// http.DefaultTransport.
	Base http.RoundTripper

	Router *router.Router
	// BasePath is the upstream API's path prefix. It is removed before
	// routing.
	BasePath string

	Store     store.Store
	Snapshots *snapshot.Store
	Queue     *queue.Queue

	// Network gates network attempts. When nil the transport assumes it is
	// online.
	Network Connectivity

	// Refresher deduplicates concurrent fetches of the same cached resource.
	Refresher *refresh.Refresher

	// OnQueued is called after a write has been diverted to the sync queue.
	OnQueued func(queue.Mutation)

	Logger *slog.Logger
	Now    func() time.Time
}

// Transport is the interception surface.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Transport. Router, Store, Snapshots and Queue are required.
func New(cfg Config) (*Transport, error) {
	if cfg.Router == nil || cfg.Store == nil || cfg.Snapshots == nil || cfg.Queue == nil {
		return nil, errors.New("intercept: router, store, snapshots and queue are required")
	}
	if cfg.Base == nil {
		cfg.Base = telemetry.NewInstrumentedTransport(nil, "api")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Refresher == nil {
		cfg.Refresher = refresh.New(refresh.WithLogger(cfg.Logger))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "intercept"),
	}, nil
}

// Wait blocks until background refreshes have finished.
func (t *Transport) Wait() {
	t.cfg.Refresher.Wait()
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	d := t.cfg.Router.Route(router.Request{
		Method:     req.Method,
		Path:       t.routePath(req.URL.Path),
		NeverCache: neverCache(req),
	})
	if tags := telemetry.TagsFromContext(req.Context()); tags != nil {
		tags.Endpoint = string(d.Strategy)
		if d.Kind != "" {
			tags.Kind = d.Kind
		}
	}

	var (
		resp   *http.Response
		result telemetry.CacheResult
		err    error
	)
	switch {
	case d.Strategy == router.QueueWrite:
		resp, result, err = t.write(req, d)
	case d.Cacheable() && req.Method == http.MethodGet:
		if d.Strategy == router.CacheFirst {
			resp, result, err = t.cacheFirst(req, d)
		} else {
			resp, result, err = t.networkFirst(req, d)
		}
	default:
		resp, result, err = t.passthrough(req)
	}

	if tags := telemetry.TagsFromContext(req.Context()); tags != nil {
		tags.CacheResult = result
	}
	telemetry.RecordRouteDecision(req.Context(), string(d.Strategy), result)
	return resp, err
}

func (t *Transport) routePath(p string) string {
	base := strings.TrimSuffix(t.cfg.BasePath, "/")
	if base == "" {
		return p
	}
	if rest, ok := strings.CutPrefix(p, base); ok && (rest == "" || rest[0] == '/') {
		if rest == "" {
			return "/"
		}
		return rest
	}
	return p
}

func neverCache(req *http.Request) bool {
	return strings.Contains(strings.ToLower(req.Header.Get("Cache-Control")), "no-store")
}

func (t *Transport) online() bool {
	return t.cfg.Network == nil || t.cfg.Network.Online()
}

func (t *Transport) passthrough(req *http.Request) (*http.Response, telemetry.CacheResult, error) {
	resp, err := t.cfg.Base.RoundTrip(req)
	if err != nil {
		return nil, telemetry.CacheBypass, err
	}
	resp.Header.Set(HeaderSource, SourceNetwork)
	return resp, telemetry.CacheBypass, nil
}

// cacheFirst serves a fresh cached value and refreshes it in the background.
// An expired value is refreshed in the foreground and served stale if that
// fails.
func (t *Transport) cacheFirst(req *http.Request, d router.Decision) (*http.Response, telemetry.CacheResult, error) {
	ctx := req.Context()
	ns, key := d.Namespace(), cacheKey(req)

	cached, expired := t.lookup(ctx, ns, key)
	if cached != nil && !expired {
		if t.online() {
			t.cfg.Refresher.Background(ctx, ns+" "+key, t.fetchAndStore(req, d))
		}
		return cachedResponse(req, cached, false), telemetry.CacheHit, nil
	}

	if !t.online() {
		if cached != nil {
			return cachedResponse(req, cached, true), telemetry.CacheStale, nil
		}
		return unavailable(req, "offline and not cached"), telemetry.CacheUnavailable, nil
	}

	res, _, err := t.cfg.Refresher.Do(ctx, ns+" "+key, t.fetchAndStore(req, d))
	if err != nil || res.Status >= http.StatusInternalServerError {
		if cached != nil {
			t.logger.Debug("serving stale value", "namespace", ns, "key", key, "error", err)
			return cachedResponse(req, cached, true), telemetry.CacheStale, nil
		}
		if err != nil {
			return unavailable(req, err.Error()), telemetry.CacheUnavailable, nil
		}
	}
	return networkResponse(req, res), telemetry.CacheMiss, nil
}

// networkFirst tries the network and falls back to the last stored value.
func (t *Transport) networkFirst(req *http.Request, d router.Decision) (*http.Response, telemetry.CacheResult, error) {
	if d.Rule != nil && d.Rule.Source == router.SourceSnapshot {
		return t.progressRead(req, d)
	}

	ctx := req.Context()
	ns, key := d.Namespace(), cacheKey(req)

	if t.online() {
		res, _, err := t.cfg.Refresher.Do(ctx, ns+" "+key, t.fetchAndStore(req, d))
		if err == nil && res.Status < http.StatusInternalServerError {
			return networkResponse(req, res), telemetry.CacheMiss, nil
		}
		if cached, _ := t.lookup(ctx, ns, key); cached != nil {
			return cachedResponse(req, cached, true), telemetry.CacheStale, nil
		}
		if err == nil {
			return networkResponse(req, res), telemetry.CacheMiss, nil
		}
		return unavailable(req, err.Error()), telemetry.CacheUnavailable, nil
	}

	if cached, _ := t.lookup(ctx, ns, key); cached != nil {
		return cachedResponse(req, cached, true), telemetry.CacheStale, nil
	}
	return unavailable(req, "offline and not cached"), telemetry.CacheUnavailable, nil
}

// progressRead serves a progress resource. Unsynced local writes take
// precedence over the server's view until they are reconciled.
func (t *Transport) progressRead(req *http.Request, d router.Decision) (*http.Response, telemetry.CacheResult, error) {
	ctx := req.Context()

	if t.online() && t.cfg.Queue.PendingFor(d.Kind, d.Key) == 0 {
		res, _, err := t.cfg.Refresher.Do(ctx, snapshot.Namespace(d.Kind)+" "+d.Key, func(fctx context.Context) (*refresh.Result, error) {
			res, err := t.fetch(fctx, req)
			if err != nil {
				return nil, err
			}
			if res.Status == http.StatusOK {
				t.applyServerState(fctx, d.Kind, d.Key, res.Body)
			}
			return res, nil
		})
		if err == nil && res.Status < http.StatusInternalServerError {
			return networkResponse(req, res), telemetry.CacheMiss, nil
		}
		t.logger.Debug("progress read failed, trying snapshot", "kind", d.Kind, "key", d.Key, "error", err)
	}

	snap, err := t.cfg.Snapshots.Get(ctx, d.Kind, d.Key)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			t.logger.Warn("failed to read snapshot", "kind", d.Kind, "key", d.Key, "error", err)
		}
		return unavailable(req, "progress not available offline"), telemetry.CacheUnavailable, nil
	}

	body, err := json.Marshal(remote.StateResponse{ServerState: json.RawMessage(snap.State)})
	if err != nil {
		return nil, telemetry.CacheUnavailable, fmt.Errorf("encoding snapshot: %w", err)
	}
	resp := newResponse(req, http.StatusOK, body)
	resp.Header.Set(HeaderSource, SourceCache)
	resp.Header.Set(HeaderStale, "1")
	resp.Header.Set(HeaderProvenance, string(snap.Provenance))
	return resp, telemetry.CacheStale, nil
}

// write sends a progress write when it can and diverts it to the sync queue
// when it cannot.
func (t *Transport) write(req *http.Request, d router.Decision) (*http.Response, telemetry.CacheResult, error) {
	ctx := req.Context()

	sub, err := readSubmit(req)
	if err != nil {
		return jsonResponse(req, http.StatusBadRequest, map[string]string{"error": err.Error()}), telemetry.CacheBypass, nil
	}

	// Writes to a resource with queued writes join the queue so the server
	// sees them in order.
	if t.online() && t.cfg.Queue.PendingFor(d.Kind, sub.ResourceKey) == 0 {
		resp, err := t.send(req, sub)
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
			return t.delivered(ctx, d, sub, resp), telemetry.CacheBypass, nil
		case err != nil:
			t.logger.Info("write failed, queueing", "kind", d.Kind, "resource_key", sub.ResourceKey, "error", err)
		default:
			t.logger.Info("write failed, queueing", "kind", d.Kind, "resource_key", sub.ResourceKey, "status", resp.StatusCode)
			_ = resp.Body.Close()
		}
	}

	return t.enqueue(req, d, sub)
}

func (t *Transport) send(req *http.Request, sub remote.SubmitRequest) (*http.Response, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encoding write: %w", err)
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set(remote.IdempotencyHeader, sub.IdempotencyKey)
	return t.cfg.Base.RoundTrip(out)
}

// delivered records the server's answer to a write sent directly.
func (t *Transport) delivered(ctx context.Context, d router.Decision, sub remote.SubmitRequest, resp *http.Response) *http.Response {
	resp.Header.Set(HeaderSource, SourceNetwork)
	if resp.StatusCode != http.StatusOK {
		return resp
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	_ = resp.Body.Close()
	if err != nil {
		t.logger.Warn("failed to read write response", "error", err)
	} else {
		t.applyServerState(ctx, d.Kind, sub.ResourceKey, body)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp
}

func (t *Transport) enqueue(req *http.Request, d router.Decision, sub remote.SubmitRequest) (*http.Response, telemetry.CacheResult, error) {
	ctx := req.Context()

	m := queue.Mutation{
		ID:          sub.IdempotencyKey,
		Kind:        d.Kind,
		ResourceKey: sub.ResourceKey,
		Payload:     sub.Payload,
	}
	id, err := t.cfg.Queue.Enqueue(ctx, m)
	if err != nil {
		if errors.Is(err, progresssync.ErrQuotaExceeded) {
			return jsonResponse(req, http.StatusInsufficientStorage, map[string]string{"error": err.Error()}), telemetry.CacheUnavailable, nil
		}
		return nil, telemetry.CacheUnavailable, fmt.Errorf("queueing write: %w", err)
	}
	m.ID = id

	snap, err := t.cfg.Snapshots.ApplyLocal(ctx, d.Kind, sub.ResourceKey, sub.Payload)
	if err != nil {
		t.logger.Warn("failed to apply local state", "kind", d.Kind, "resource_key", sub.ResourceKey, "error", err)
	}

	if t.cfg.OnQueued != nil {
		t.cfg.OnQueued(m)
	}

	state := json.RawMessage(sub.Payload)
	if snap != nil {
		state = json.RawMessage(snap.State)
	}
	resp := jsonResponse(req, http.StatusAccepted, struct {
		ID          string          `json:"id"`
		Status      string          `json:"status"`
		ServerState json.RawMessage `json:"serverState"`
	}{ID: id, Status: string(queue.StatusPending), ServerState: state})
	resp.Header.Set(HeaderSource, SourceQueue)
	resp.Header.Set(HeaderQueued, id)
	return resp, telemetry.CacheQueued, nil
}

// readSubmit decodes a write body, assigning an idempotency key if the
// caller did not provide one.
func readSubmit(req *http.Request) (remote.SubmitRequest, error) {
	var sub remote.SubmitRequest
	if req.Body == nil {
		return sub, errors.New("missing request body")
	}
	defer req.Body.Close()

	data, err := io.ReadAll(io.LimitReader(req.Body, maxWriteBody+1))
	if err != nil {
		return sub, fmt.Errorf("reading request body: %w", err)
	}
	if len(data) > maxWriteBody {
		return sub, errors.New("request body too large")
	}
	if err := json.Unmarshal(data, &sub); err != nil {
		return sub, fmt.Errorf("invalid request body: %w", err)
	}
	if sub.ResourceKey == "" {
		return sub, errors.New("resourceKey is required")
	}
	if len(sub.Payload) == 0 {
		sub.Payload = json.RawMessage("null")
	}
	if sub.IdempotencyKey == "" {
		sub.IdempotencyKey = req.Header.Get(remote.IdempotencyHeader)
	}
	if sub.IdempotencyKey == "" {
		sub.IdempotencyKey = uuid.NewString()
	}
	return sub, nil
}

// applyServerState records the server's view unless local writes are still
// waiting to be reconciled.
func (t *Transport) applyServerState(ctx context.Context, kind, key string, body []byte) {
	var sr remote.StateResponse
	if err := json.Unmarshal(body, &sr); err != nil || len(sr.ServerState) == 0 {
		t.logger.Debug("response carries no server state", "kind", kind, "resource_key", key)
		return
	}
	if t.cfg.Queue.PendingFor(kind, key) > 0 {
		return
	}
	if _, err := t.cfg.Snapshots.ApplyServer(ctx, kind, key, sr.ServerState); err != nil {
		t.logger.Warn("failed to apply server state", "kind", kind, "resource_key", key, "error", err)
	}
}

// fetchAndStore returns a fetch that stores successful responses under the
// rule's namespace.
func (t *Transport) fetchAndStore(req *http.Request, d router.Decision) refresh.FetchFunc {
	ns, key := d.Namespace(), cacheKey(req)
	ttl := defaultFetchTTL
	if d.Rule != nil && d.Rule.TTL > 0 {
		ttl = d.Rule.TTL
	}
	return func(ctx context.Context) (*refresh.Result, error) {
		res, err := t.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Status == http.StatusOK {
			t.storeResult(ctx, ns, key, res, ttl)
		}
		return res, nil
	}
}

func (t *Transport) fetch(ctx context.Context, req *http.Request) (*refresh.Result, error) {
	out := req.Clone(ctx)
	out.Body = nil
	resp, err := t.cfg.Base.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", progresssync.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", progresssync.ErrUnavailable, err)
	}
	return &refresh.Result{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func (t *Transport) storeResult(ctx context.Context, ns, key string, res *refresh.Result, ttl time.Duration) {
	data, err := json.Marshal(cachedRecord{
		Status:      res.Status,
		ContentType: res.Header.Get("Content-Type"),
		Body:        res.Body,
	})
	if err != nil {
		return
	}
	if _, err := t.cfg.Store.Set(ctx, ns, key, data, store.SetOptions{TTL: ttl}); err != nil {
		// A full cache degrades to network reads.
		t.logger.Warn("failed to cache response", "namespace", ns, "key", key, "error", err)
	}
}

// lookup returns the cached response for key and whether it has expired.
func (t *Transport) lookup(ctx context.Context, ns, key string) (*cachedRecord, bool) {
	entry, err := t.cfg.Store.Get(ctx, ns, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("failed to read cache", "namespace", ns, "key", key, "error", err)
		}
		return nil, false
	}
	var rec cachedRecord
	if err := json.Unmarshal(entry.Payload, &rec); err != nil {
		t.logger.Warn("discarding unreadable cache entry", "namespace", ns, "key", key, "error", err)
		_ = t.cfg.Store.Remove(ctx, ns, key)
		return nil, false
	}
	return &rec, entry.Expired(t.cfg.Now())
}

// cachedRecord is a stored response.
type cachedRecord struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

func cacheKey(req *http.Request) string {
	if req.URL.RawQuery == "" {
		return req.URL.Path
	}
	return req.URL.Path + "?" + req.URL.RawQuery
}

func newResponse(req *http.Request, status int, body []byte) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func jsonResponse(req *http.Request, status int, v any) *http.Response {
	body, _ := json.Marshal(v)
	resp := newResponse(req, status, body)
	resp.Header.Set(HeaderSource, SourceSynthetic)
	return resp
}

func unavailable(req *http.Request, reason string) *http.Response {
	resp := jsonResponse(req, http.StatusServiceUnavailable, map[string]string{"error": reason})
	resp.Header.Set(HeaderUnavailable, "1")
	return resp
}

func cachedResponse(req *http.Request, rec *cachedRecord, stale bool) *http.Response {
	resp := newResponse(req, rec.Status, rec.Body)
	if rec.ContentType != "" {
		resp.Header.Set("Content-Type", rec.ContentType)
	}
	resp.Header.Set(HeaderSource, SourceCache)
	if stale {
		resp.Header.Set(HeaderStale, "1")
	}
	return resp
}

func networkResponse(req *http.Request, res *refresh.Result) *http.Response {
	resp := newResponse(req, res.Status, res.Body)
	resp.Header = res.Header.Clone()
	resp.Header.Del("Content-Length")
	resp.Header.Set(HeaderSource, SourceNetwork)
	return resp
}
