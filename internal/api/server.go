// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/config"
	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
	"github.com/JakeFAU/booth-crawler/internal/orchestrator"
	"github.com/JakeFAU/booth-crawler/internal/progress"
)

const requestTimeout = 60 * time.Second

// CrawlStarter starts crawls on operator request.
type CrawlStarter interface {
	StartCrawls(ctx context.Context, req orchestrator.StartRequest) ([]crawler.CrawlJob, error)
	StaleJobs(ctx context.Context, window time.Duration) ([]crawler.CrawlJob, error)
}

// DedupRunner runs a full dedup pass.
type DedupRunner interface {
	RunPass(ctx context.Context, radiusMeters float64) (dedup.PassResult, error)
}

// ProgressSource hands out live progress subscriptions.
type ProgressSource interface {
	Subscribe(ctx context.Context, jobID string) (<-chan progress.Event, func(), error)
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Deps are the collaborators behind the routes. Nil optional members turn
// their routes into 503s.
type Deps struct {
	Jobs     crawler.JobStore
	Entities crawler.EntityStore
	Crawls   CrawlStarter
	Dedup    DedupRunner
	Progress ProgressSource
	Webhook  http.Handler
	Ready    map[string]ReadyCheck
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	jobs := NewJobHandler(deps.Jobs, deps.Crawls, s.logger)
	entities := NewEntityHandler(deps.Entities, cfg.Quality.Threshold, s.logger)
	stream := NewStreamHandler(deps.Progress, cfg.Progress.Heartbeat, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	if deps.Webhook != nil {
		// Providers authenticate with the HMAC signature, not the API key.
		r.With(timeoutMiddleware(requestTimeout)).Post(config.WebhookPath, deps.Webhook.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Streams outlive any request timeout.
		r.Get("/progress/stream", stream.Stream)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Post("/crawls", jobs.StartCrawls)
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", jobs.ListJobs)
				r.Get("/stale", jobs.StaleJobs)
				r.Get("/{job_id}", jobs.GetJob)
			})
			r.Post("/dedup/passes", s.runDedupPass)
			r.Route("/entities/{entity_id}", func(r chi.Router) {
				r.Get("/", entities.GetEntity)
				r.Get("/quality", entities.GetQuality)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type dedupPassRequest struct {
	RadiusMeters float64 `json:"radius_meters"`
}

func (s *Server) runDedupPass(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dedup == nil {
		writeError(w, http.StatusServiceUnavailable, "dedup engine unavailable")
		return
	}
	var req dedupPassRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.RadiusMeters < 0 {
		writeError(w, http.StatusBadRequest, "radius_meters must be >= 0")
		return
	}
	res, err := s.deps.Dedup.RunPass(r.Context(), req.RadiusMeters)
	if err != nil {
		s.logger.Error("dedup pass failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dedup pass failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
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

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
