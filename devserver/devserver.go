// Package devserver is an in-memory implementation of the remote progress API.
//
// It honours idempotency keys the way the production API does, serves a small
// set of onboarding content routes, and can inject faults: transient failures,
// lost acknowledgements and permanent rejections.
package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wolfeidau/progress-sync/remote"
)

const maxBodySize = 1 << 20

// Applied records one effective update, in application order.
type Applied struct {
	Seq            int             `json:"seq"`
	Kind           string          `json:"kind"`
	ResourceKey    string          `json:"resourceKey"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

type resource struct {
	kind string
	key  string
}

// Server is the in-memory remote API.
type Server struct {
	logger *slog.Logger

	mu        sync.Mutex
	state     map[resource]json.RawMessage
	revisions map[resource]int
	responses map[string]json.RawMessage // idempotency key -> server state
	applied   []Applied
	failNext  []int
	dropAcks  int
	rejects   map[resource]string
	delay     time.Duration
	content   map[string]json.RawMessage
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates an empty Server with the default content routes.
func New(opts ...Option) *Server {
	s := &Server{
		logger:    slog.Default(),
		state:     make(map[resource]json.RawMessage),
		revisions: make(map[resource]int),
		responses: make(map[string]json.RawMessage),
		rejects:   make(map[resource]string),
		content:   defaultContent(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Head("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/progress/{kind}", s.handleSubmit)
	r.Get("/progress/{kind}/{key}", s.handleFetch)
	r.Get("/progress/{kind}", s.handleList)

	r.Post("/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": "dev-token"})
	})
	r.Get("/*", s.handleContent)

	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.pause()

	kind := chi.URLParam(r, "kind")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req remote.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(remote.IdempotencyHeader)
	}
	if req.IdempotencyKey == "" || req.ResourceKey == "" {
		httpError(w, http.StatusBadRequest, "idempotencyKey and resourceKey are required")
		return
	}

	s.mu.Lock()

	if len(s.failNext) > 0 {
		status := s.failNext[0]
		s.failNext = s.failNext[1:]
		s.mu.Unlock()
		httpError(w, status, "injected failure")
		return
	}

	// Redelivery of a key already applied is a no-op success.
	if state, ok := s.responses[req.IdempotencyKey]; ok {
		s.mu.Unlock()
		s.logger.Debug("duplicate delivery", "idempotency_key", req.IdempotencyKey)
		writeJSON(w, http.StatusOK, remote.StateResponse{ServerState: state})
		return
	}

	res := resource{kind: kind, key: req.ResourceKey}
	if reason, ok := s.rejects[res]; ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, remote.ConflictResponse{ConflictReason: reason})
		return
	}

	state, err := s.apply(res, req)
	drop := false
	if err == nil && s.dropAcks > 0 {
		s.dropAcks--
		drop = true
	}
	s.mu.Unlock()

	if err != nil {
		httpError(w, http.StatusUnprocessableEntity, "%v", err)
		return
	}
	if drop {
		// Applied, but the acknowledgement is lost.
		httpError(w, http.StatusBadGateway, "acknowledgement dropped")
		return
	}

	writeJSON(w, http.StatusOK, remote.StateResponse{ServerState: state})
}

// apply must be called with mu held.
func (s *Server) apply(res resource, req remote.SubmitRequest) (json.RawMessage, error) {
	rev := s.revisions[res] + 1
	state, err := withRevision(req.Payload, rev)
	if err != nil {
		return nil, err
	}

	s.revisions[res] = rev
	s.state[res] = state
	s.responses[req.IdempotencyKey] = state
	s.applied = append(s.applied, Applied{
		Seq:            len(s.applied) + 1,
		Kind:           res.kind,
		ResourceKey:    res.key,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        append(json.RawMessage(nil), req.Payload...),
	})

	s.logger.Debug("mutation applied", "kind", res.kind, "resource_key", res.key, "revision", rev)
	return state, nil
}

// withRevision stamps the payload with the server's revision counter.
// Non-object payloads are wrapped as {"value": ...}.
func withRevision(payload json.RawMessage, rev int) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &obj); err != nil {
			var v any
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("payload is not JSON: %w", err)
			}
			obj = map[string]any{"value": v}
		}
	}
	obj["revision"] = rev
	return json.Marshal(obj)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.pause()

	res := resource{kind: chi.URLParam(r, "kind"), key: chi.URLParam(r, "key")}

	s.mu.Lock()
	if len(s.failNext) > 0 {
		status := s.failNext[0]
		s.failNext = s.failNext[1:]
		s.mu.Unlock()
		httpError(w, status, "injected failure")
		return
	}
	state, ok := s.state[res]
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, "no progress for %s/%s", res.kind, res.key)
		return
	}
	writeJSON(w, http.StatusOK, remote.StateResponse{ServerState: state})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	s.mu.Lock()
	out := make(map[string]json.RawMessage)
	for res, state := range s.state {
		if res.kind == kind {
			out[res.key] = state
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	s.pause()

	s.mu.Lock()
	body, ok := s.content[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) pause() {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// Applied returns the effective updates in application order.
func (s *Server) Applied() []Applied {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Applied(nil), s.applied...)
}

// State returns the server state of a resource.
func (s *Server) State(kind, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.state[resource{kind: kind, key: key}]
	return state, ok
}

// SetState seeds the server state of a resource.
func (s *Server) SetState(kind, key string, state json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[resource{kind: kind, key: key}] = state
}

// SetContent serves body as JSON at path.
func (s *Server) SetContent(path string, body json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[path] = body
}

// FailNext makes the next requests to the progress routes fail with the
// given statuses, one status per request.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, statuses...)
}

// DropAcks applies the next n submits but answers them with 502, as if the
// acknowledgement were lost in transit.
func (s *Server) DropAcks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAcks += n
}

// Reject answers submits for a resource with 409 and reason.
func (s *Server) Reject(kind, key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[resource{kind: kind, key: key}] = reason
}

// Accept removes a rejection set by Reject.
func (s *Server) Accept(kind, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rejects, resource{kind: kind, key: key})
}

// SetDelay delays every progress and content response.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func defaultContent() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"/training":         json.RawMessage(`[{"id":"1","title":"Site safety induction"},{"id":"2","title":"Equipment handling"}]`),
		"/training/1":       json.RawMessage(`{"id":"1","title":"Site safety induction","items":["ppe","evacuation"]}`),
		"/training/2":       json.RawMessage(`{"id":"2","title":"Equipment handling","items":["forklift","ladders"]}`),
		"/phases":           json.RawMessage(`[{"number":1,"name":"Orientation"},{"number":2,"name":"Safety"},{"number":3,"name":"Operations"}]`),
		"/quizzes/phase-2":  json.RawMessage(`{"phase":2,"questions":[{"id":"q1","text":"Where is the muster point?"}]}`),
		"/users/me":         json.RawMessage(`{"id":"crew-1","name":"Dev Crew"}`),
		"/certificates":     json.RawMessage(`[]`),
		"/admin/users":      json.RawMessage(`[{"id":"crew-1"}]`),
		"/reports/progress": json.RawMessage(`{"completed":0}`),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
		},
	})
}
