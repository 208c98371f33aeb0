// Package api exposes the HTTP surface: job submission, snapshot reads,
// cancellation, and the per-job SSE event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/app/broadcast"
	"github.com/seanmx/sentiflow/internal/config"
	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/otel"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// Server wires the HTTP routes to the job store, event bus, and broadcast hub.
type Server struct {
	cfg    *config.Config
	logger *logger.Logger
	router *chi.Mux
	tracer trace.Tracer

	repo      analysis.JobRepository
	publisher events.DomainEventPublisher
	hub       *broadcast.Hub

	validate *validator.Validate
}

// NewServer builds the router with the standard middleware stack.
func NewServer(
	cfg *config.Config,
	log *logger.Logger,
	tracer trace.Tracer,
	repo analysis.JobRepository,
	publisher events.DomainEventPublisher,
	hub *broadcast.Hub,
) (*Server, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		logger:    log,
		router:    r,
		tracer:    tracer,
		repo:      repo,
		publisher: publisher,
		hub:       hub,
		validate:  validator.New(),
	}

	s.routes()
	return s, nil
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Delete("/jobs/{jobID}", s.handleCancelJob)
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)
	})
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type submitJobRequest struct {
	Prompt        string `json:"prompt" validate:"required,min=2,max=500"`
	MaxDurationMs int64  `json:"maxDurationMs" validate:"omitempty,gt=0"`
}

// handleSubmitJob persists the job in PENDING and publishes job.start. The
// ingestion controller picks the request up asynchronously; 202 means
// "accepted", not "running".
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error(ctx, "failed to decode request", "error", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	jobID := uuid.New()
	job := analysis.NewJob(jobID, req.Prompt)
	if err := s.repo.CreateJob(ctx, job); err != nil {
		s.logger.Error(ctx, "failed to persist job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	maxDuration := time.Duration(req.MaxDurationMs) * time.Millisecond
	evt := analysis.NewJobStartRequestedEvent(jobID, req.Prompt, maxDuration)
	if err := s.publisher.PublishDomainEvent(ctx, evt,
		events.WithKey(jobID.String()),
		events.WithCorrelationID(uuid.New().String()),
	); err != nil {
		s.logger.Error(ctx, "failed to publish job start", "error", err, "job_id", jobID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  jobID.String(),
		"status": string(job.Status()),
	})
}

// handleGetJob returns the job snapshot clients fetch before (or instead of)
// opening the SSE stream.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, analysis.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.logger.Error(ctx, "failed to load job", "error", err, "job_id", jobID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, jobSnapshot(job))
}

// handleCancelJob publishes job.cancel for the ingestion controller.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	evt := analysis.NewJobCancelRequestedEvent(jobID, r.RemoteAddr)
	if err := s.publisher.PublishDomainEvent(ctx, evt,
		events.WithKey(jobID.String()),
		events.WithCorrelationID(uuid.New().String()),
	); err != nil {
		s.logger.Error(ctx, "failed to publish job cancel", "error", err, "job_id", jobID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func jobSnapshot(job *analysis.Job) map[string]any {
	snapshot := map[string]any{
		"jobId":            job.JobID().String(),
		"prompt":           job.Prompt(),
		"status":           string(job.Status()),
		"averageSentiment": job.AverageSentiment(),
		"dataPointsCount":  job.DataPointsCount(),
		"createdAt":        job.CreatedAt().UTC().Format(time.RFC3339),
	}
	if msg := job.ErrorMessage(); msg != "" {
		snapshot["errorMessage"] = msg
	}
	if completedAt, ok := job.CompletedAt(); ok {
		snapshot["completedAt"] = completedAt.UTC().Format(time.RFC3339)
	}
	return snapshot
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Start serves HTTP until ctx is cancelled, then drains with a timeout.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", s.cfg.API.Host, s.cfg.API.Port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)
	return server.ListenAndServe()
}
