// Package api exposes the HTTP interface for the orchestration service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/admission"
	"github.com/reviewpulse/insightd/internal/dedup"
	"github.com/reviewpulse/insightd/internal/job"
	"github.com/reviewpulse/insightd/internal/orchestrator"
	"github.com/reviewpulse/insightd/internal/resilient"
	"github.com/reviewpulse/insightd/internal/store"
	"github.com/reviewpulse/insightd/internal/telemetry"
)

// Config holds server tunables.
type Config struct {
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router    chi.Router
	orch      *orchestrator.Orchestrator
	admission *admission.Controller
	ws        http.Handler
	ready     func() error
	log       *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready, when
// non-nil, gates /readyz on backing-store health.
func NewServer(orch *orchestrator.Orchestrator, adm *admission.Controller, ws http.Handler, ready func() error, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	telemetry.Init()
	s := &Server{
		orch:      orch,
		admission: adm,
		ws:        ws,
		ready:     ready,
		log:       log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The websocket upgrade must not run under the buffering timeout
		// handler, so it mounts outside the timeout group.
		r.Get("/ws", s.serveWS)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Use(s.admissionMiddleware("generic-api"))

			r.Route("/analyses", func(r chi.Router) {
				r.Post("/", s.submitAnalysis)
				r.Route("/{task_id}", func(r chi.Router) {
					r.Get("/", s.getStatus)
					r.Get("/result", s.getResult)
					r.Post("/retry", s.retryAnalysis)
					r.Post("/cancel", s.cancelAnalysis)
				})
			})
			r.Post("/callbacks/analysis", s.analysisCallback)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.ws.ServeHTTP(w, r)
}

type submitRequest struct {
	SubjectID   string `json:"subject_id"`
	RequesterID string `json:"requester_id"`
	Kind        string `json:"kind"`
	Priority    int    `json:"priority"`
}

type submitResponse struct {
	TaskID               string     `json:"task_id"`
	Status               job.Status `json:"status"`
	Created              bool       `json:"created"`
	EstimatedTimeSeconds int        `json:"estimated_time,omitempty"`
}

func (s *Server) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SubjectID == "" || req.RequesterID == "" || req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "subject_id, requester_id and kind are required")
		return
	}

	if d := s.admission.Check(r.Context(), req.RequesterID, "job-creation"); !d.Allowed {
		s.writeBlocked(w, d)
		return
	}

	res, err := s.orch.Request(r.Context(), dedup.Request{
		SubjectID:   req.SubjectID,
		RequesterID: req.RequesterID,
		Kind:        req.Kind,
		Priority:    req.Priority,
	})
	if err != nil && !res.Created {
		s.writeOrchestratorError(w, err)
		return
	}

	// A created-but-undispatchable job still answers with its FAILED record,
	// so the caller gets a structured reason and a retry path.
	status := http.StatusOK
	if res.Created {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, submitResponse{
		TaskID:               res.Job.TaskID,
		Status:               res.Job.Status,
		Created:              res.Created,
		EstimatedTimeSeconds: res.EstimatedTimeSeconds,
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	j, err := s.orch.Status(r.Context(), taskID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": j})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	j, payload, err := s.orch.Result(r.Context(), taskID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	if j.Status != job.StatusCompleted {
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "result not available",
			"status": j.Status,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job":     j,
		"payload": json.RawMessage(payload),
	})
}

func (s *Server) retryAnalysis(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	j, err := s.orch.Retry(r.Context(), taskID)
	if err != nil && j.TaskID == "" {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job": j})
}

func (s *Server) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	j, err := s.orch.Cancel(r.Context(), taskID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": j})
}

type callbackRequest struct {
	TaskID   string          `json:"task_id"`
	Status   string          `json:"status"` // "processing", "completed", "failed"
	Progress int             `json:"progress"`
	Message  string          `json:"message"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) analysisCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	var (
		j   job.Job
		err error
	)
	switch req.Status {
	case "processing":
		j, err = s.orch.HandleProgress(r.Context(), req.TaskID, req.Progress, req.Message)
	case "completed", "failed":
		j, err = s.orch.HandleCompletion(r.Context(), orchestrator.CompletionReport{
			TaskID: req.TaskID,
			Status: req.Status,
			Result: req.Result,
			Error:  req.Error,
		})
	default:
		s.writeError(w, http.StatusBadRequest, "status must be processing, completed or failed")
		return
	}
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": j.TaskID, "status": j.Status})
}

// admissionMiddleware applies a category's rate limit keyed by client.
func (s *Server) admissionMiddleware(category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d := s.admission.Check(r.Context(), clientKey(r), category); !d.Allowed {
				s.writeBlocked(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller for rate limiting: the X-Client-Key header
// when present, else the remote address.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-Client-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeBlocked(w http.ResponseWriter, d admission.Decision) {
	retryAfter := int(d.RetryAfter.Seconds() + 0.5)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limited",
		"retry_after": retryAfter,
	})
}

// writeOrchestratorError maps domain errors onto HTTP statuses.
func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	var invalid *job.InvalidTransitionError
	var open *resilient.CircuitOpenError
	var timeout *resilient.TimeoutError
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &invalid):
		s.writeError(w, http.StatusConflict, invalid.Error())
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusServiceUnavailable, "transient storage conflict, retry")
	case errors.As(err, &open), errors.As(err, &timeout):
		s.writeError(w, http.StatusBadGateway, "analysis service unavailable")
	default:
		s.log.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the websocket upgrade works under the logging
// middleware.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
