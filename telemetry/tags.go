// Package telemetry carries per-request tags and the OpenTelemetry metrics
// recorded from them.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey struct{}

// CacheResult is the outcome of the cache lookup for a request.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags is filled in by handlers and read by the logging middleware
// once the handler returns.
type RequestTags struct {
	CacheResult CacheResult
	Endpoint    string
	InfoHash    string
	// Shared is true when the request joined a resolution started by another request.
	Shared bool
}

// LogAttrs returns the tags that were set, as slog key/value pairs.
func (t *RequestTags) LogAttrs() []any {
	var attrs []any
	if t.Endpoint != "" {
		attrs = append(attrs, "endpoint", t.Endpoint)
	}
	if t.CacheResult != "" {
		attrs = append(attrs, "cache_result", string(t.CacheResult))
	}
	if t.InfoHash != "" {
		attrs = append(attrs, "info_hash", t.InfoHash, "shared", t.Shared)
	}
	return attrs
}

// InjectTags returns r with empty tags attached. Requests that never reach a
// caching handler report CacheBypass.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), contextKey{}, tags))
}

// GetTags returns the tags of r, or nil when InjectTags was not applied.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext returns the tags carried by ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	tags, _ := ctx.Value(contextKey{}).(*RequestTags)
	return tags
}

func update(r *http.Request, fn func(*RequestTags)) {
	if tags := GetTags(r); tags != nil {
		fn(tags)
	}
}

// SetCacheResult records the cache lookup outcome.
func SetCacheResult(r *http.Request, result CacheResult) {
	update(r, func(t *RequestTags) { t.CacheResult = result })
}

// SetEndpoint records the endpoint label.
func SetEndpoint(r *http.Request, endpoint string) {
	update(r, func(t *RequestTags) { t.Endpoint = endpoint })
}

// SetInfoHash records the canonical info hash handled by the request.
func SetInfoHash(r *http.Request, infoHash string) {
	update(r, func(t *RequestTags) { t.InfoHash = infoHash })
}

// SetShared marks whether the request shared an in-flight resolution.
func SetShared(r *http.Request, shared bool) {
	update(r, func(t *RequestTags) { t.Shared = shared })
}
