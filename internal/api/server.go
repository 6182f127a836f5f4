// Package api exposes the HTTP control plane for the harvester.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadharbor/harvester/internal/metrics"
	"github.com/leadharbor/harvester/internal/pipeline"
	"github.com/leadharbor/harvester/internal/queue"
)

// Server wires HTTP handlers to the queues and their consumers.
type Server struct {
	router    chi.Router
	work      queue.Backend
	consumers map[string]*queue.Consumer
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. consumers
// maps queue names (work, results) to their running consumers.
func NewServer(work queue.Backend, consumers map[string]*queue.Consumer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		work:      work,
		consumers: consumers,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.enqueueTask)
		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Get("/stats", s.queueStats)
			r.Post("/pause", s.pauseQueue)
			r.Post("/resume", s.resumeQueue)
			r.Post("/drain", s.drainQueue)
			r.Post("/clean", s.cleanQueue)
			r.Post("/obliterate", s.obliterateQueue)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.work.Len(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "work queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type taskRequest struct {
	URL           string `json:"url"`
	RowIndex      int    `json:"rowIndex"`
	DestinationID string `json:"destinationId"`
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if strings.TrimSpace(req.DestinationID) == "" {
		writeError(w, http.StatusBadRequest, "destinationId is required")
		return
	}
	if req.RowIndex < 0 {
		writeError(w, http.StatusBadRequest, "rowIndex must be >= 0")
		return
	}

	task := pipeline.Task{URL: req.URL, RowIndex: req.RowIndex, DestinationID: req.DestinationID}
	body, err := json.Marshal(task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	inserted, err := s.work.Enqueue(queueCtx, task.DedupKey(), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, map[string]any{
			"key":      task.DedupKey(),
			"enqueued": false,
			"reason":   "task already live",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"key":      task.DedupKey(),
		"enqueued": true,
	})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.consumer(w, r)
	if !ok {
		return
	}
	stats, err := c.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	c, ok := s.consumer(w, r)
	if !ok {
		return
	}
	c.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	c, ok := s.consumer(w, r)
	if !ok {
		return
	}
	c.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) drainQueue(w http.ResponseWriter, r *http.Request) {
	c, ok := s.consumer(w, r)
	if !ok {
		return
	}
	n, err := c.Drain(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"discarded": n})
}

func (s *Server) cleanQueue(w http.ResponseWriter, r *http.Request) {
	c, ok := s.consumer(w, r)
	if !ok {
		return
	}
	c.Clean()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

func (s *Server) obliterateQueue(w http.ResponseWriter, r *http.Request) {
	c, ok := s.consumer(w, r)
	if !ok {
		return
	}
	if err := c.Obliterate(r.Context()); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "obliterated"})
}

func (s *Server) consumer(w http.ResponseWriter, r *http.Request) (*queue.Consumer, bool) {
	name := chi.URLParam(r, "queue")
	c, ok := s.consumers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "queue not found")
		return nil, false
	}
	return c, true
}

func writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrUnsupported) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
