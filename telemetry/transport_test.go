package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observations struct {
	mu      sync.Mutex
	samples []error
}

func (o *observations) observe(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples = append(o.samples, err)
}

func (o *observations) all() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.samples...)
}

func get(t *testing.T, transport http.RoundTripper, url string) {
	t.Helper()
	resp, err := (&http.Client{Transport: transport}).Get(url)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
}

func TestCallOutcome(t *testing.T) {
	tests := map[int]string{
		http.StatusOK:                  OutcomeOK,
		http.StatusNoContent:           OutcomeOK,
		http.StatusNotFound:            OutcomeNotFound,
		http.StatusUnauthorized:        OutcomeUnauthorized,
		http.StatusForbidden:           OutcomeUnauthorized,
		http.StatusRequestTimeout:      OutcomeTransient,
		http.StatusTooManyRequests:     OutcomeTransient,
		http.StatusBadGateway:          OutcomeTransient,
		http.StatusConflict:            OutcomeConflict,
		http.StatusUnprocessableEntity: OutcomeConflict,
	}
	for status, want := range tests {
		assert.Equal(t, want, CallOutcome(status), "status %d", status)
	}
}

func TestInstrumentedTransport_RecordsCall(t *testing.T) {
	reader := setupTestMetrics(t)

	body := `{"serverState":{"score":8}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	get(t, NewInstrumentedTransport(nil, "remote"), srv.URL)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "progress_sync_api_calls_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "target", "remote"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", OutcomeOK))

	bytesDps := findCounter(rm, "progress_sync_api_bytes_total")
	require.Len(t, bytesDps, 1)
	require.Equal(t, int64(len(body)), bytesDps[0].Value)

	histDps := findHistogram(rm, "progress_sync_api_call_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestInstrumentedTransport_Outcomes(t *testing.T) {
	tests := []struct {
		status  int
		outcome string
	}{
		{http.StatusConflict, OutcomeConflict},
		{http.StatusNotFound, OutcomeNotFound},
		{http.StatusServiceUnavailable, OutcomeTransient},
		{http.StatusUnauthorized, OutcomeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			reader := setupTestMetrics(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			get(t, NewInstrumentedTransport(nil, "api"), srv.URL)

			dps := findCounter(collectMetrics(t, reader), "progress_sync_api_calls_total")
			require.Len(t, dps, 1)
			require.True(t, hasAttr(dps[0].Attributes, "outcome", tt.outcome))
		})
	}
}

func TestInstrumentedTransport_Unreachable(t *testing.T) {
	reader := setupTestMetrics(t)
	obs := &observations{}

	transport := NewInstrumentedTransport(nil, "remote", WithObserver(obs.observe))
	client := &http.Client{Transport: transport, Timeout: 100 * time.Millisecond}

	_, err := client.Get("http://127.0.0.1:1")
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "progress_sync_api_calls_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", OutcomeUnreachable))

	samples := obs.all()
	require.Len(t, samples, 1)
	require.Error(t, samples[0])
}

func TestInstrumentedTransport_ObservesResponses(t *testing.T) {
	setupTestMetrics(t)
	obs := &observations{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// An error status still shows the server is reachable.
	get(t, NewInstrumentedTransport(nil, "remote", WithObserver(obs.observe)), srv.URL)

	samples := obs.all()
	require.Len(t, samples, 1)
	require.NoError(t, samples[0])
}

func TestInstrumentedTransport_CanceledIsNotObserved(t *testing.T) {
	reader := setupTestMetrics(t)
	obs := &observations{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	transport := NewInstrumentedTransport(nil, "remote", WithObserver(obs.observe))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = (&http.Client{Transport: transport}).Do(req)
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "progress_sync_api_calls_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", OutcomeCanceled))
	assert.Empty(t, obs.all())
}

func TestInstrumentedTransport_RecordsOnce(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := (&http.Client{Transport: NewInstrumentedTransport(nil, "api")}).Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "progress_sync_api_calls_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)

	// Empty bodies add no bytes.
	require.Empty(t, findCounter(rm, "progress_sync_api_bytes_total"))
}

func TestInstrumentedTransport_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	get(t, NewInstrumentedTransport(nil, "api"), srv.URL)
}

func TestNewInstrumentedTransport_Base(t *testing.T) {
	require.Equal(t, http.DefaultTransport, NewInstrumentedTransport(nil, "api").base)

	custom := &http.Transport{}
	require.Equal(t, custom, NewInstrumentedTransport(custom, "api").base)
}
