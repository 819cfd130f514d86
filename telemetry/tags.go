// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// kindKey is the context key for propagating the resource kind to background goroutines.
	kindKey contextKey = "kind"
)

// CacheResult represents how an intercepted request was served.
type CacheResult string

const (
	CacheHit         CacheResult = "hit"
	CacheMiss        CacheResult = "miss"
	CacheStale       CacheResult = "stale"
	CacheQueued      CacheResult = "queued"
	CacheUnavailable CacheResult = "unavailable"
	CacheBypass      CacheResult = "bypass"
	CacheNA          CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Kind        string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetKind sets the resource kind tag for metrics and logging.
func SetKind(r *http.Request, kind string) {
	if tags := GetTags(r); tags != nil {
		tags.Kind = kind
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// KindFromContext retrieves the resource kind from a context.
// It checks both background contexts (set by WithKindContext) and
// request contexts (set by SetKind via InjectTags).
func KindFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(kindKey).(string); ok && k != "" {
		return k
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Kind
	}
	return ""
}

// WithKindContext returns a context with the resource kind stored.
// Use this to propagate the kind into goroutines that outlive the request context.
func WithKindContext(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, kindKey, kind)
}
