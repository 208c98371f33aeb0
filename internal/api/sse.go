package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/app/broadcast"
	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// handleJobEvents streams a job's events over SSE: a job.subscribed ack, a
// status snapshot, then everything the hub publishes for the job in order.
// For already-terminal jobs the handler replays the final status and closes
// without touching the hub.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.Start(ctx, "api.job_events_stream",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, analysis.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.logger.Error(ctx, "failed to load job for stream", "error", err, "job_id", jobID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := &sseWriter{w: w, flusher: flusher}

	if job.Status().IsTerminal() {
		// No live events will ever follow; replay the terminal state and end.
		writer.send(broadcast.EventNameStatus, jobSnapshot(job))
		writer.send(terminalEventName(job.Status()), jobSnapshot(job))
		span.AddEvent("terminal_replay")
		return
	}

	sub, err := s.hub.Subscribe(jobID)
	if err != nil {
		s.logger.Error(ctx, "failed to subscribe", "error", err, "job_id", jobID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer s.hub.Unsubscribe(sub)

	span.SetAttributes(attribute.String("subscription_id", sub.ID().String()))

	// The ack first: clients reset their reconnect counters on it.
	writer.send(broadcast.EventNameSubscribed, map[string]any{
		"jobId":          jobID.String(),
		"subscriptionId": sub.ID().String(),
	})
	writer.send(broadcast.EventNameStatus, jobSnapshot(job))

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				// Hub tore the subscription down (terminal grace elapsed or
				// this consumer fell behind).
				return
			}
			if err := writer.send(evt.Name, evt.Payload); err != nil {
				s.logger.Debug(ctx, "subscriber write failed, closing stream",
					"error", err, "job_id", jobID)
				return
			}
		}
	}
}

func terminalEventName(status analysis.JobStatus) string {
	if status == analysis.JobStatusFailed {
		return broadcast.EventNameFailed
	}
	return broadcast.EventNameCompleted
}

// sseWriter frames events per the SSE wire format and flushes each one so
// updates reach the client immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
