package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Outcomes of a call to the progress API, named after how the sync engine
// treats the response.
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeConflict     = "conflict"
	OutcomeTransient    = "transient"
	OutcomeUnauthorized = "unauthorized"
	OutcomeUnreachable  = "unreachable"
	OutcomeCanceled     = "canceled"
)

// CallOutcome classifies a response status the way the reconciliation engine
// acts on it: 408, 429 and 5xx are retried, 401 and 403 hold the queue, 404
// and other 4xx are surfaced as conflicts.
func CallOutcome(status int) string {
	switch {
	case status < 400:
		return OutcomeOK
	case status == http.StatusNotFound:
		return OutcomeNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return OutcomeUnauthorized
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return OutcomeTransient
	default:
		return OutcomeConflict
	}
}

// Observer receives the latency of every call that got a response, or the
// transport error of one that did not. It feeds connectivity detection.
type Observer func(latency time.Duration, err error)

// TransportOption configures an InstrumentedTransport.
type TransportOption func(*InstrumentedTransport)

// WithObserver reports each call to fn. Calls cancelled by the caller are not
// reported since they say nothing about the network.
func WithObserver(fn Observer) TransportOption {
	return func(t *InstrumentedTransport) {
		t.observe = fn
	}
}

// InstrumentedTransport records progress API calls and optionally reports
// them as connectivity samples.
type InstrumentedTransport struct {
	base    http.RoundTripper
	target  string
	observe Observer
}

// NewInstrumentedTransport creates a transport for target. If base is nil,
// http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, target string, opts ...TransportOption) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &InstrumentedTransport{base: base, target: target}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	latency := time.Since(start)

	if err != nil {
		if req.Context().Err() != nil {
			RecordAPICall(req.Context(), t.target, latency, 0, OutcomeCanceled)
			return nil, err
		}
		RecordAPICall(req.Context(), t.target, latency, 0, OutcomeUnreachable)
		if t.observe != nil {
			t.observe(latency, err)
		}
		return nil, err
	}

	// Any response, even an error status, proves the server is reachable.
	if t.observe != nil {
		t.observe(latency, nil)
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		target:     t.target,
		start:      start,
		outcome:    CallOutcome(resp.StatusCode),
	}
	return resp, nil
}

// instrumentedBody records the call once the body is closed, so the duration
// and byte count cover the whole response.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	target   string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordAPICall(b.ctx, b.target, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
