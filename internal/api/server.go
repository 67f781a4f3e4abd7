package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"taskcache/internal/cache"
	"taskcache/internal/keys"
	"taskcache/internal/models"
	"taskcache/internal/queue"
	"taskcache/internal/ratelimit"
	"taskcache/internal/telemetry"
	"taskcache/internal/worker"
)

// History looks up tasks that have left the in-memory queue.
type History interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	AuditTrail(ctx context.Context, taskID string) ([]models.AuditLog, error)
}

// Limiter gates submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Deps are the collaborators behind the HTTP surface. History and Limiter are optional.
type Deps struct {
	Queue   *queue.Queue
	Cache   *cache.ResultCache
	Builder *worker.Builder
	History History
	Limiter Limiter
	Logger  *slog.Logger
}

// Server wires HTTP handlers for the task and cache API.
type Server struct {
	queue    *queue.Queue
	cache    *cache.ResultCache
	builder  *worker.Builder
	history  History
	limiter  Limiter
	logger   *slog.Logger
	validate *validator.Validate
}

// New constructs the API server.
func New(d Deps) *Server {
	return &Server{
		queue:    d.Queue,
		cache:    d.Cache,
		builder:  d.Builder,
		history:  d.History,
		limiter:  d.Limiter,
		logger:   d.Logger.With("component", "api"),
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler(s.queue))

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue/status", s.handleQueueStatus)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleInvalidate)
		r.Post("/cache/prune", s.handlePrune)

		r.Post("/tasks", s.handleSubmit)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/audit", s.handleAudit)
		r.Post("/tasks/{id}/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

type submitResponse struct {
	Task models.Task `json:"task"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req worker.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "tenant", tenant, "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	key, work, err := s.builder.Build(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := s.queue.Submit(r.Context(), key, work)
	switch {
	case errors.Is(err, queue.ErrInvalidSubmission):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, queue.ErrQueueClosed):
		http.Error(w, "queue is shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	code := http.StatusAccepted
	if task.State == models.StateCompleted {
		code = http.StatusOK
	}
	writeJSON(w, code, submitResponse{Task: task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.queue.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, task)
		return
	}
	if s.history != nil {
		if task, err := s.history.GetTask(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, task)
			return
		}
	}
	http.Error(w, "task not found", http.StatusNotFound)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "task history is not configured", http.StatusNotImplemented)
		return
	}
	trail, err := s.history.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": trail})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrNotCancellable):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key := keys.Normalize(r.URL.Query().Get("key"))
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	if err := s.cache.Invalidate(r.Context(), key); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("older_than"))
	if raw == "" {
		raw = "720h"
	}
	age, err := time.ParseDuration(raw)
	if err != nil || age < 0 {
		http.Error(w, fmt.Sprintf("invalid older_than %q", raw), http.StatusBadRequest)
		return
	}
	removed, err := s.cache.PruneBefore(r.Context(), time.Now().Add(-age))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
