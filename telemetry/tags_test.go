package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
}

func TestInjectTags_DefaultsKindEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.Empty(t, tags.Kind)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetKind(t *testing.T) {
	r := newTaggedRequest()
	SetKind(r, "quiz-submission")
	require.Equal(t, "quiz-submission", GetTags(r).Kind)
}

func TestSetKind_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetKind(r, "quiz-submission") // should not panic
}

func TestSetCacheResult(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResult(r, CacheHit)
	require.Equal(t, CacheHit, GetTags(r).CacheResult)
}

func TestSetCacheResult_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, CacheBypass, GetTags(r).CacheResult)
	SetCacheResult(r, CacheMiss)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "sync_status")
	require.Equal(t, "sync_status", GetTags(r).Endpoint)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetKind(r, "item-completion")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "sync_trigger")

	require.Equal(t, "item-completion", tags.Kind)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "sync_trigger", tags.Endpoint)
}

func TestKindFromContext(t *testing.T) {
	ctx := WithKindContext(context.Background(), "quiz-submission")
	require.Equal(t, "quiz-submission", KindFromContext(ctx))

	r := newTaggedRequest()
	SetKind(r, "item-completion")
	require.Equal(t, "item-completion", KindFromContext(r.Context()))

	require.Empty(t, KindFromContext(context.Background()))
}
