// Package server provides the local HTTP host of the sync engine.
//
// Application traffic to the progress API is reverse proxied through the
// interception transport. Sync administration lives under /-/sync/.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/progress-sync/agent"
	"github.com/wolfeidau/progress-sync/queue"
	"github.com/wolfeidau/progress-sync/telemetry"
)

const adminPrefix = "/-/sync/"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Upstream is the remote progress API that application traffic is
	// proxied to.
	Upstream string

	// APIToken is sent to the upstream API as a bearer token.
	APIToken string

	// AuthToken protects the admin endpoints. Empty disables auth.
	AuthToken string

	// Transport carries proxied requests, normally an *intercept.Transport.
	Transport http.RoundTripper

	// Agent is the background sync agent.
	Agent *agent.Client

	// Logger for the server
	Logger *slog.Logger
}

// Server is the local HTTP host.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	upstream   *url.URL
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Agent == nil || cfg.Transport == nil {
		return nil, errors.New("server: agent and transport are required")
	}

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", cfg.Upstream)
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		upstream: upstream,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET "+adminPrefix+"status", s.handleStatus)
	mux.HandleFunc("POST "+adminPrefix+"trigger", s.handleTrigger)
	mux.HandleFunc("GET "+adminPrefix+"conflicts", s.handleConflicts)
	mux.HandleFunc("POST "+adminPrefix+"conflicts/{id}", s.handleResolve)
	mux.HandleFunc("POST "+adminPrefix+"logout", s.handleLogout)
	mux.HandleFunc("GET "+adminPrefix+"progress/{kind}", s.handleProgress)

	// Everything else is application traffic.
	mux.Handle("/", s.proxy())
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) proxy() http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.upstream)
			pr.SetXForwarded()
			if s.config.APIToken != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+s.config.APIToken)
			}
		},
		Transport: s.config.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				writeError(w, http.StatusGatewayTimeout, "request timeout")
				return
			}
			s.logger.Error("proxy request failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "upstream error")
		},
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")
	st, err := s.config.Agent.Status(r.Context())
	if err != nil {
		s.agentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "trigger")
	if err := s.config.Agent.Trigger(r.Context()); err != nil {
		s.agentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "conflicts")
	conflicts := s.config.Agent.Conflicts()
	if conflicts == nil {
		conflicts = []queue.Mutation{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Resolution queue.Resolution `json:"resolution"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "resolve")

	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Resolution != queue.ResolutionRetry && req.Resolution != queue.ResolutionDiscard {
		writeError(w, http.StatusBadRequest, `resolution must be "retry" or "discard"`)
		return
	}

	m, err := s.config.Agent.Resolve(r.Context(), r.PathValue("id"), req.Resolution)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such mutation")
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.agentError(w, err)
	default:
		writeJSON(w, http.StatusOK, m)
	}
}

// handleProgress reports completion of one resource kind as seen locally.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "progress")
	sum, err := s.config.Agent.Progress(r.Context(), r.PathValue("kind"))
	if err != nil {
		s.agentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type logoutRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "logout")

	var req logoutRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := s.config.Agent.Logout(r.Context(), req.Identity); err != nil {
		s.agentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) agentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "sync agent stopped")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timeout")
	default:
		s.logger.Error("sync request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so the interceptor can set kind, endpoint and
		// cache_result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"area", deriveArea(r.URL.Path),

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Kind != "" {
			attrs = append(attrs, "kind", tags.Kind)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if src := wrapped.Header().Get("X-Sync-Source"); src != "" {
			attrs = append(attrs, "sync_source", src)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "upstream", s.upstream.String())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveArea classifies a request path for logging.
func deriveArea(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, adminPrefix):
		return "admin"
	default:
		return "api"
	}
}
