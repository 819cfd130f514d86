package netstatus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Report(t *testing.T) {
	t.Run("publishes immediately without debounce", func(t *testing.T) {
		m := New(Config{})
		defer m.Close()
		events, unsubscribe := m.Subscribe()
		defer unsubscribe()

		m.Report(true)

		select {
		case ev := <-events:
			assert.True(t, ev.Online)
		case <-time.After(time.Second):
			t.Fatal("no event")
		}
		assert.True(t, m.Online())
	})

	t.Run("repeated reports of the same state publish nothing", func(t *testing.T) {
		m := New(Config{InitiallyOnline: true})
		defer m.Close()
		events, unsubscribe := m.Subscribe()
		defer unsubscribe()

		m.Report(true)
		m.Report(true)

		select {
		case ev := <-events:
			t.Fatalf("unexpected event %+v", ev)
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("debounces flapping", func(t *testing.T) {
		m := New(Config{Debounce: 50 * time.Millisecond})
		defer m.Close()
		events, unsubscribe := m.Subscribe()
		defer unsubscribe()

		// Flap inside the window: back to the published state.
		m.Report(true)
		m.Report(false)
		m.Report(true)
		m.Report(false)

		select {
		case ev := <-events:
			t.Fatalf("unexpected event %+v", ev)
		case <-time.After(120 * time.Millisecond):
		}
		assert.False(t, m.Online())

		// A state that holds is published once.
		m.Report(true)
		m.Report(true)
		select {
		case ev := <-events:
			assert.True(t, ev.Online)
		case <-time.After(time.Second):
			t.Fatal("no event")
		}
		select {
		case ev := <-events:
			t.Fatalf("duplicate event %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("unsubscribed channels receive nothing", func(t *testing.T) {
		m := New(Config{})
		defer m.Close()
		events, unsubscribe := m.Subscribe()
		unsubscribe()
		unsubscribe()

		m.Report(true)
		select {
		case <-events:
			t.Fatal("unexpected event")
		case <-time.After(20 * time.Millisecond):
		}
	})
}

func TestMonitor_Quality(t *testing.T) {
	m := New(Config{PoorLatency: 100 * time.Millisecond})
	defer m.Close()

	assert.Equal(t, QualityUnknown, m.Quality())

	m.Observe(10*time.Millisecond, nil)
	assert.True(t, m.Online())
	assert.Equal(t, QualityGood, m.Quality())

	for range 10 {
		m.Observe(time.Second, nil)
	}
	assert.Equal(t, QualityPoor, m.Quality())

	m.Observe(0, errors.New("connection refused"))
	assert.False(t, m.Online())
	assert.Equal(t, QualityUnknown, m.Quality())
}

func TestMonitor_Probe(t *testing.T) {
	t.Run("reachable endpoint is online", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		m := New(Config{ProbeURL: ts.URL})
		defer m.Close()

		m.Probe(context.Background())
		assert.True(t, m.Online())
	})

	t.Run("unreachable endpoint is offline", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		m := New(Config{ProbeURL: url, InitiallyOnline: true})
		defer m.Close()

		m.Probe(context.Background())
		assert.False(t, m.Online())
	})

	t.Run("Run probes until cancelled", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		m := New(Config{ProbeURL: ts.URL, ProbeInterval: 10 * time.Millisecond})
		defer m.Close()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			m.Run(ctx)
			close(done)
		}()

		require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not stop")
		}
	})
}
