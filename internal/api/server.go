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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/consumer"
	"github.com/JakeFAU/scrapefleet/internal/metrics"
	"github.com/JakeFAU/scrapefleet/internal/pool"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
	"github.com/JakeFAU/scrapefleet/internal/store"
	"github.com/JakeFAU/scrapefleet/internal/workflow"
)

const (
	requestTimeout = 60 * time.Second
	repoTimeout    = 3 * time.Second
)

// PoolView is the read side of a worker pool.
type PoolView interface {
	IsActive() bool
	ActiveWorkers() int
	Metrics() []pool.WorkerMetrics
	LastGlobal() (pool.GlobalMetrics, bool)
}

// WorkflowView is the live workflow registry of a running consumer.
type WorkflowView interface {
	Get(workflowID string) (consumer.WorkflowSnapshot, bool)
	Snapshot() []consumer.WorkflowSnapshot
}

// JobSubmitter publishes a job as a workflow of tasks.
type JobSubmitter interface {
	Submit(ctx context.Context, job scrape.Job, batches int) (workflow.Submission, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Deps are the optional backends a Server reads from. Nil fields disable the
// matching routes with 503.
type Deps struct {
	Pool      PoolView
	Workflows WorkflowView
	Repo      store.WorkflowRepository
	Submitter JobSubmitter
	Gatherer  prometheus.Gatherer
	// HTTPMetrics, when set, records per-route request metrics.
	HTTPMetrics *metrics.HTTP
	Ready       map[string]ReadyCheck
	Logger      *zap.Logger
	// DefaultBatches is used when a submitted job does not name a batch count.
	DefaultBatches int
}

// Server wires HTTP handlers to pool, consumer and repository state.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.DefaultBatches <= 0 {
		deps.DefaultBatches = pool.DefaultMaxWorkers()
	}
	s := &Server{deps: deps, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Middleware)
	}
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool", s.getPool)
		r.Post("/jobs", s.submitJob)
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Route("/{workflow_id}", func(r chi.Router) {
				r.Get("/", s.getWorkflow)
				r.Get("/tasks", s.listWorkflowTasks)
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
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type poolStatus struct {
	Active        bool                 `json:"active"`
	ActiveWorkers int                  `json:"activeWorkers"`
	Workers       []pool.WorkerMetrics `json:"workers"`
	Global        *pool.GlobalMetrics  `json:"global,omitempty"`
}

func (s *Server) getPool(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "no worker pool in this process")
		return
	}
	status := poolStatus{
		Active:        s.deps.Pool.IsActive(),
		ActiveWorkers: s.deps.Pool.ActiveWorkers(),
		Workers:       s.deps.Pool.Metrics(),
	}
	if g, ok := s.deps.Pool.LastGlobal(); ok {
		status.Global = &g
	}
	writeJSON(w, http.StatusOK, status)
}

type submitJobRequest struct {
	scrape.Job
	// Batches caps how many tasks the job is split into.
	Batches int `json:"batches"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "job submission is not configured")
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if req.List.ListSelector == "" {
		writeError(w, http.StatusBadRequest, "list.listSelector required")
		return
	}
	batches := req.Batches
	if batches <= 0 {
		batches = s.deps.DefaultBatches
	}
	sub, err := s.deps.Submitter.Submit(r.Context(), req.Job, batches)
	if err != nil {
		s.logger.Error("submit job failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

type requestIDKey struct{}

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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
					)
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
