package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/seanmx/sentiflow/internal/app/broadcast"
	"github.com/seanmx/sentiflow/internal/config"
	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
	storemem "github.com/seanmx/sentiflow/internal/infra/storage/analysis/memory"
	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *capturingPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) last() events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

type apiFixture struct {
	server *Server
	repo   *storemem.JobStore
	pub    *capturingPublisher
	hub    *broadcast.Hub
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	repo := storemem.NewJobStore()
	pub := new(capturingPublisher)
	tracer := noop.NewTracerProvider().Tracer("test")
	hub := broadcast.NewHub(broadcast.Config{
		HeartbeatInterval: time.Minute,
		TerminalGrace:     50 * time.Millisecond,
		SubscriberBuffer:  16,
	}, logger.Noop(), tracer)

	cfg := &config.Config{API: config.APIConfig{Host: "127.0.0.1", Port: "0"}}
	srv, err := NewServer(cfg, logger.Noop(), tracer, repo, pub, hub)
	require.NoError(t, err)
	return &apiFixture{server: srv, repo: repo, pub: pub, hub: hub}
}

func TestSubmitJobPersistsAndPublishes(t *testing.T) {
	f := newAPIFixture(t)

	body := bytes.NewBufferString(`{"prompt":"graphql api","maxDurationMs":60000}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PENDING", resp["status"])

	jobID, err := uuid.Parse(resp["jobId"])
	require.NoError(t, err)

	job, err := f.repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusPending, job.Status())
	assert.Equal(t, "graphql api", job.Prompt())

	start, ok := f.pub.last().(analysis.JobStartRequestedEvent)
	require.True(t, ok)
	assert.Equal(t, jobID, start.JobID)
	assert.Equal(t, time.Minute, start.MaxDuration)
}

func TestSubmitJobValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"empty prompt", `{"prompt":""}`},
		{"missing prompt", `{}`},
		{"negative duration", `{"prompt":"ok topic","maxDurationMs":-5}`},
		{"malformed json", `{"prompt"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			f.server.Router().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetJobSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	jobID := uuid.New()
	job := analysis.NewJob(jobID, "graphql")
	require.NoError(t, job.UpdateStatus(analysis.JobStatusInProgress))
	require.NoError(t, f.repo.CreateJob(context.Background(), job))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID.String(), nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "IN_PROGRESS", snapshot["status"])
	assert.Equal(t, "graphql", snapshot["prompt"])
}

func TestGetJobNotFound(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJobPublishes(t *testing.T) {
	f := newAPIFixture(t)
	jobID := uuid.New()

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+jobID.String(), nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	cancel, ok := f.pub.last().(analysis.JobCancelRequestedEvent)
	require.True(t, ok)
	assert.Equal(t, jobID, cancel.JobID)
}

// readSSEEvent reads one "event:"/"data:" pair from the stream.
func readSSEEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestJobEventsStream(t *testing.T) {
	f := newAPIFixture(t)
	jobID := uuid.New()
	require.NoError(t, f.repo.CreateJob(context.Background(), analysis.NewJob(jobID, "graphql")))

	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/" + jobID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	name, data := readSSEEvent(t, reader)
	assert.Equal(t, broadcast.EventNameSubscribed, name)
	var ackPayload map[string]string
	require.NoError(t, json.Unmarshal([]byte(data), &ackPayload))
	assert.Equal(t, jobID.String(), ackPayload["jobId"])
	assert.NotEmpty(t, ackPayload["subscriptionId"])

	name, data = readSSEEvent(t, reader)
	assert.Equal(t, broadcast.EventNameStatus, name)
	assert.Contains(t, data, "PENDING")

	// Wait for the hub to register the subscriber before publishing.
	require.Eventually(t, func() bool { return f.hub.SubscriberCount(jobID) == 1 },
		time.Second, 5*time.Millisecond)

	f.hub.Publish(context.Background(), jobID, broadcast.Event{
		Name:    broadcast.EventNameDataUpdate,
		Payload: map[string]any{"jobId": jobID.String(), "totalProcessed": 3},
	})

	name, data = readSSEEvent(t, reader)
	assert.Equal(t, broadcast.EventNameDataUpdate, name)
	assert.Contains(t, data, `"totalProcessed":3`)
}

func TestJobEventsStreamTerminalReplay(t *testing.T) {
	f := newAPIFixture(t)
	jobID := uuid.New()
	job := analysis.NewJob(jobID, "graphql")
	require.NoError(t, job.UpdateStatus(analysis.JobStatusInProgress))
	require.NoError(t, job.Complete(0.7, 12))
	require.NoError(t, f.repo.CreateJob(context.Background(), job))

	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/" + jobID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	name, _ := readSSEEvent(t, reader)
	assert.Equal(t, broadcast.EventNameStatus, name)
	name, data := readSSEEvent(t, reader)
	assert.Equal(t, broadcast.EventNameCompleted, name)
	assert.Contains(t, data, `"dataPointsCount":12`)

	// Stream ends without a hub subscription.
	_, err = reader.ReadString('\n')
	require.Error(t, err)
	assert.Zero(t, f.hub.SubscriberCount(jobID))
}
