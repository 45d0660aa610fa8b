// Package httpapi serves the pipeline over HTTP with chi.
//
// POST /v1/runs answers with the run result as JSON, or streams stage
// events as server-sent events when the client accepts text/event-stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
	"github.com/FranGenoa/HeadlineArt/coreengine/ratelimit"
	"github.com/FranGenoa/HeadlineArt/coreengine/runtime"
	"github.com/FranGenoa/HeadlineArt/coreengine/storage"
)

// ClientIDHeader overrides the remote address as the rate limiting key.
const ClientIDHeader = "X-Client-ID"

const maxBodyBytes = 1 << 20

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Input string `json:"input"`
}

// RunResponse is the body of GET /v1/runs/{runID}.
type RunResponse struct {
	Summary storage.RunSummary `json:"summary"`
	Run     *storage.RunRecord `json:"run"`
}

// Server exposes a PipelineRunner over HTTP.
type Server struct {
	runner     *runtime.PipelineRunner
	bus        commbus.CommBus
	logger     agents.Logger
	limiter    *ratelimit.Limiter
	runTimeout time.Duration
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter rate limits run submissions per client.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithRunTimeout bounds every run started through the server.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Server) { s.runTimeout = d }
}

// NewServer builds the router. bus may be nil, which disables run history.
func NewServer(runner *runtime.PipelineRunner, bus commbus.CommBus, logger agents.Logger, opts ...Option) *Server {
	s := &Server{runner: runner, bus: bus, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "headlineart-http")
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/{runID}", s.handleGetRun)
		r.Get("/{runID}/events", s.handleListEvents)
		r.Delete("/{runID}", s.handleCancelRun)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// =============================================================================
// Runs
// =============================================================================

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with an input field")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return
	}

	client := clientID(r)
	if !s.admit(w, client) {
		return
	}

	ctx, cancel := s.runContext(r.Context())
	defer cancel()

	if wantsStream(r) {
		s.streamRun(w, r.WithContext(ctx), req.Input, client)
		return
	}

	run, err := s.runner.Run(ctx, req.Input)
	result := runtime.NewResult(run, err)
	s.logger.Info("http_run_finished", "run_id", run.RunID, "client", client, "status", result.Status)
	writeJSON(w, http.StatusOK, result)
}

// streamRun writes each stage event as an SSE "stage" event, then the
// result as a "result" event.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, input, client string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	run := s.runner.NewRun(input)
	w.Header().Set("X-Run-ID", run.RunID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h := s.runner.StreamRun(r.Context(), run)
	s.logger.Info("http_run_started", "run_id", h.Run.RunID, "client", client, "stream", true)

	for ev := range h.Events {
		s.sendEvent(w, flusher, "stage", ev)
	}

	_, err := h.Wait()
	result := runtime.NewResult(run, err)
	s.sendEvent(w, flusher, "result", result)
	s.logger.Info("http_run_finished", "run_id", run.RunID, "client", client, "status", result.Status)
}

func (s *Server) sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("http_sse_marshal_failed", "event", event, "error", err.Error())
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "run history is disabled")
		return
	}
	rec, err := commbus.Ask[*storage.RunRecord](r.Context(), s.bus, &commbus.GetRun{RunID: runID})
	if err != nil {
		s.historyError(w, runID, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("run %s not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Summary: rec.Summary(), Run: rec})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "run history is disabled")
		return
	}
	list, err := commbus.Ask[[]envelope.StageEvent](r.Context(), s.bus, &commbus.ListRunEvents{RunID: runID})
	if err != nil {
		s.historyError(w, runID, err)
		return
	}
	if list == nil {
		list = []envelope.StageEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": list})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by client"
	}
	if !s.runner.Cancel(runID, reason) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no active run %s", runID))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "cancelled": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"pipeline":    s.runner.Config.Name,
		"active_runs": s.runner.ActiveRuns(),
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) admit(w http.ResponseWriter, client string) bool {
	if s.limiter == nil || !s.limiter.Enabled() {
		return true
	}
	res := s.limiter.Allow(client)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if res.Allowed {
		return true
	}

	observability.RecordRateLimited("http")
	s.logger.Warn("http_rate_limited", "client", client, "window", res.Window, "retry_after_ms", res.RetryAfter.Milliseconds())
	w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Round(time.Second)/time.Second)))
	writeError(w, http.StatusTooManyRequests, "rate_limited",
		fmt.Sprintf("%d runs per %s, retry after %s", res.Limit, res.Window, res.RetryAfter.Round(time.Second)))
	return false
}

func (s *Server) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.runTimeout > 0 {
		return context.WithTimeout(parent, s.runTimeout)
	}
	return context.WithCancel(parent)
}

func (s *Server) historyError(w http.ResponseWriter, runID string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("run %s not found", runID))
	case commbus.IsUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "run history is disabled")
	default:
		s.logger.Error("http_history_failed", "run_id", runID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal", "run history lookup failed")
	}
}

// logRequests logs completion and records the metric by route pattern.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RecordHTTPRequest(route, status)
		s.logger.Info("http_request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func clientID(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
