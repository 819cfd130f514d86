package intercept

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/progress-sync/devserver"
	"github.com/wolfeidau/progress-sync/queue"
	"github.com/wolfeidau/progress-sync/router"
	"github.com/wolfeidau/progress-sync/snapshot"
	"github.com/wolfeidau/progress-sync/store"
)

type fakeNetwork struct {
	online atomic.Bool
}

func (f *fakeNetwork) Online() bool { return f.online.Load() }

type fixture struct {
	api       *devserver.Server
	baseURL   string
	store     *store.BoltStore
	queue     *queue.Queue
	snapshots *snapshot.Store
	network   *fakeNetwork
	transport *Transport
	client    *http.Client

	mu     sync.Mutex
	now    time.Time
	queued []queue.Mutation
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		api:     devserver.New(),
		network: &fakeNetwork{},
		now:     time.Now(),
	}
	f.network.online.Store(true)

	ts := httptest.NewServer(f.api.Handler())
	t.Cleanup(ts.Close)
	f.baseURL = ts.URL

	f.store = store.New(store.WithNoSync(true))
	require.NoError(t, f.store.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = f.store.Close() })

	var err error
	f.queue, err = queue.Open(ctx, f.store)
	require.NoError(t, err)
	f.snapshots = snapshot.New(f.store)

	f.transport, err = New(Config{
		Base:      http.DefaultTransport,
		Router:    router.Must(router.DefaultTable()),
		Store:     f.store,
		Snapshots: f.snapshots,
		Queue:     f.queue,
		Network:   f.network,
		Now:       f.clock,
		OnQueued: func(m queue.Mutation) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.queued = append(f.queued, m)
		},
	})
	require.NoError(t, err)
	t.Cleanup(f.transport.Wait)

	f.client = &http.Client{Transport: f.transport}
	return f
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := f.client.Get(f.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := f.client.Post(f.baseURL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(out)
}

func TestTransport_CacheFirst(t *testing.T) {
	t.Run("miss then hit with background refresh", func(t *testing.T) {
		f := newFixture(t)

		resp, body := f.get(t, "/training/1")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, SourceNetwork, resp.Header.Get(HeaderSource))
		assert.Contains(t, body, "Site safety induction")
		f.transport.Wait()

		f.api.SetContent("/training/1", json.RawMessage(`{"id":"1","title":"Revised induction"}`))

		resp, body = f.get(t, "/training/1")
		assert.Equal(t, SourceCache, resp.Header.Get(HeaderSource))
		assert.Empty(t, resp.Header.Get(HeaderStale))
		assert.Contains(t, body, "Site safety induction")
		f.transport.Wait()

		_, body = f.get(t, "/training/1")
		assert.Contains(t, body, "Revised induction")
	})

	t.Run("served offline from cache", func(t *testing.T) {
		f := newFixture(t)

		f.get(t, "/phases")
		f.transport.Wait()
		f.network.online.Store(false)

		resp, body := f.get(t, "/phases")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, SourceCache, resp.Header.Get(HeaderSource))
		assert.Contains(t, body, "Orientation")
	})

	t.Run("expired value is served stale offline", func(t *testing.T) {
		f := newFixture(t)

		f.get(t, "/quizzes/phase-2")
		f.transport.Wait()
		f.network.online.Store(false)
		f.advance(25 * time.Hour)

		resp, body := f.get(t, "/quizzes/phase-2")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "1", resp.Header.Get(HeaderStale))
		assert.Contains(t, body, "muster point")
	})

	t.Run("uncached value offline is unavailable", func(t *testing.T) {
		f := newFixture(t)
		f.network.online.Store(false)

		resp, _ := f.get(t, "/training")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "1", resp.Header.Get(HeaderUnavailable))
		assert.Equal(t, SourceSynthetic, resp.Header.Get(HeaderSource))
	})
}

func TestTransport_NetworkFirst(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/users/me")
	assert.Equal(t, SourceNetwork, resp.Header.Get(HeaderSource))
	assert.Contains(t, body, "Dev Crew")

	f.api.SetContent("/users/me", json.RawMessage(`{"id":"crew-1","name":"Renamed"}`))
	_, body = f.get(t, "/users/me")
	assert.Contains(t, body, "Renamed", "network-first always prefers the network")

	f.network.online.Store(false)
	resp, body = f.get(t, "/users/me")
	assert.Equal(t, SourceCache, resp.Header.Get(HeaderSource))
	assert.Equal(t, "1", resp.Header.Get(HeaderStale))
	assert.Contains(t, body, "Renamed")

	resp, _ = f.get(t, "/certificates")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(HeaderUnavailable))
}

func TestTransport_NeverCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, _ := f.post(t, "/auth/login", `{"user":"crew-1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, SourceNetwork, resp.Header.Get(HeaderSource))

	resp, _ = f.get(t, "/admin/users")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.baseURL+"/training", nil)
	require.NoError(t, err)
	req.Header.Set("Cache-Control", "no-store")
	resp, err = f.client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	namespaces, err := f.store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, namespaces)
}

func TestTransport_ProgressWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("online write is delivered", func(t *testing.T) {
		f := newFixture(t)

		resp, body := f.post(t, "/progress/item-completion", `{"resourceKey":"itemA","payload":{"completed":true}}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, SourceNetwork, resp.Header.Get(HeaderSource))
		assert.Contains(t, body, `"revision":1`)

		snap, err := f.snapshots.Get(ctx, "item-completion", "itemA")
		require.NoError(t, err)
		assert.Equal(t, snapshot.ProvenanceServer, snap.Provenance)
		assert.Empty(t, f.queue.Pending())
	})

	t.Run("offline write is queued", func(t *testing.T) {
		f := newFixture(t)
		f.network.online.Store(false)

		resp, body := f.post(t, "/progress/quiz-submission", `{"idempotencyKey":"quiz-2-attempt-1","resourceKey":"2","payload":{"score":8}}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, SourceQueue, resp.Header.Get(HeaderSource))
		assert.Equal(t, "quiz-2-attempt-1", resp.Header.Get(HeaderQueued))
		assert.Contains(t, body, `"score":8`)

		m, ok := f.queue.Get("quiz-2-attempt-1")
		require.True(t, ok)
		assert.Equal(t, "quiz-submission", m.Kind)
		assert.JSONEq(t, `{"score":8}`, string(m.Payload))
		assert.Len(t, f.queued, 1)
		assert.Empty(t, f.api.Applied())

		// The local view is readable while offline.
		resp, body = f.get(t, "/progress/quiz-submission/2")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(snapshot.ProvenanceLocal), resp.Header.Get(HeaderProvenance))
		assert.JSONEq(t, `{"serverState":{"score":8}}`, body)
	})

	t.Run("transient failure falls back to the queue", func(t *testing.T) {
		f := newFixture(t)
		f.api.FailNext(http.StatusServiceUnavailable)

		resp, _ := f.post(t, "/progress/item-completion", `{"resourceKey":"itemB","payload":{"completed":true}}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		id := resp.Header.Get(HeaderQueued)
		require.NotEmpty(t, id)
		_, ok := f.queue.Get(id)
		assert.True(t, ok)
	})

	t.Run("write behind queued writes joins the queue", func(t *testing.T) {
		f := newFixture(t)
		f.network.online.Store(false)
		f.post(t, "/progress/item-completion", `{"resourceKey":"itemC","payload":{"v":1}}`)
		f.network.online.Store(true)

		resp, _ := f.post(t, "/progress/item-completion", `{"resourceKey":"itemC","payload":{"v":2}}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, 2, f.queue.PendingFor("item-completion", "itemC"))
		assert.Empty(t, f.api.Applied())
	})

	t.Run("rejection is returned to the caller", func(t *testing.T) {
		f := newFixture(t)
		f.api.Reject("quiz-submission", "3", "quiz closed")

		resp, body := f.post(t, "/progress/quiz-submission", `{"resourceKey":"3","payload":{"score":1}}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, body, "quiz closed")
		assert.Empty(t, f.queue.Pending())
	})

	t.Run("malformed write is refused", func(t *testing.T) {
		f := newFixture(t)

		resp, _ := f.post(t, "/progress/item-completion", `{"payload":{}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, SourceSynthetic, resp.Header.Get(HeaderSource))
	})
}

func TestTransport_ProgressReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.SetState("item-completion", "itemD", json.RawMessage(`{"completed":true,"revision":4}`))

	resp, body := f.get(t, "/progress/item-completion/itemD")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, SourceNetwork, resp.Header.Get(HeaderSource))
	assert.JSONEq(t, `{"serverState":{"completed":true,"revision":4}}`, body)

	snap, err := f.snapshots.Get(ctx, "item-completion", "itemD")
	require.NoError(t, err)
	assert.Equal(t, snapshot.ProvenanceServer, snap.Provenance)

	f.network.online.Store(false)
	resp, body = f.get(t, "/progress/item-completion/itemD")
	assert.Equal(t, SourceCache, resp.Header.Get(HeaderSource))
	assert.Equal(t, string(snapshot.ProvenanceServer), resp.Header.Get(HeaderProvenance))
	assert.JSONEq(t, `{"serverState":{"completed":true,"revision":4}}`, body)

	resp, _ = f.get(t, "/progress/item-completion/unknown")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
