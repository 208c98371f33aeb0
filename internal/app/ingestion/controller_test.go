package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
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

func (p *capturingPublisher) byType(et events.EventType) []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.DomainEvent
	for _, e := range p.events {
		if e.EventType() == et {
			out = append(out, e)
		}
	}
	return out
}

func (p *capturingPublisher) typeSequence() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

type fakeStream struct {
	records chan analysis.RawRecord
	backlog chan struct{}

	mu  sync.Mutex
	err error

	backlogOnce sync.Once
	closeOnce   sync.Once
	closed      chan struct{}
}

func newFakeStream(buffer int) *fakeStream {
	return &fakeStream{
		records: make(chan analysis.RawRecord, buffer),
		backlog: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (f *fakeStream) Records() <-chan analysis.RawRecord { return f.records }

func (f *fakeStream) BacklogDone() <-chan struct{} { return f.backlog }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// markBacklogDone signals backlog completion without ending the stream.
func (f *fakeStream) markBacklogDone() {
	f.backlogOnce.Do(func() { close(f.backlog) })
}

// finish closes the record channel with the given terminal error.
func (f *fakeStream) finish(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.markBacklogDone()
	close(f.records)
}

type fakeFeedClient struct {
	mu          sync.Mutex
	subscribeFn func(ctx context.Context, keyword string) (analysis.FeedStream, error)
	calls       int
}

func (f *fakeFeedClient) SubscribeByKeyword(ctx context.Context, keyword string) (analysis.FeedStream, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.subscribeFn(ctx, keyword)
}

func (f *fakeFeedClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLimits() Limits {
	return Limits{
		DefaultMaxDuration:   5 * time.Second,
		WarmupCount:          100,
		FeedRetryMaxAttempts: 3,
		FeedRetryInitialWait: time.Millisecond,
		RecordsPerSecond:     10000,
		RecordBurst:          10000,
	}
}

func newTestController(feed analysis.FeedClient, pub events.DomainEventPublisher) *Controller {
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewController("test-controller", feed, pub, testLimits(), logger.Noop(), tracer)
}

func record(text string) analysis.RawRecord {
	return analysis.RawRecord{
		TextContent: text,
		Source:      "feed",
		SourceURL:   "https://example.com/" + text,
		PublishedAt: time.Now(),
		CollectedAt: time.Now(),
	}
}

func waitForSessionEnd(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool { return c.ActiveSessions() == 0 },
		2*time.Second, 5*time.Millisecond, "session did not end")
}

func TestSessionEmitsRecordsMilestoneAndCompletion(t *testing.T) {
	pub := new(capturingPublisher)
	stream := newFakeStream(3)
	for _, txt := range []string{"a", "b", "c"} {
		stream.records <- record(txt)
	}
	stream.finish(nil)

	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		return stream, nil
	}}
	c := newTestController(feed, pub)
	jobID := uuid.New()

	require.NoError(t, c.StartSession(context.Background(), jobID, "graphql", time.Second))
	waitForSessionEnd(t, c)

	seq := pub.typeSequence()
	require.Len(t, seq, 5)
	assert.Equal(t, []events.EventType{
		analysis.EventTypeRawRecordCollected,
		analysis.EventTypeRawRecordCollected,
		analysis.EventTypeRawRecordCollected,
		analysis.EventTypeInitialBatchCompleted,
		analysis.EventTypeIngestionCompleted,
	}, seq)

	batch := pub.byType(analysis.EventTypeInitialBatchCompleted)[0].(analysis.InitialBatchCompletedEvent)
	assert.Equal(t, 3, batch.InitialBatchCount)
	done := pub.byType(analysis.EventTypeIngestionCompleted)[0].(analysis.IngestionCompletedEvent)
	assert.Equal(t, 3, done.TotalItems)
}

func TestSessionWithZeroMatchesStillCompletes(t *testing.T) {
	pub := new(capturingPublisher)
	stream := newFakeStream(0)
	stream.finish(nil)

	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		return stream, nil
	}}
	c := newTestController(feed, pub)

	require.NoError(t, c.StartSession(context.Background(), uuid.New(), "obscure topic", time.Second))
	waitForSessionEnd(t, c)

	completions := pub.byType(analysis.EventTypeIngestionCompleted)
	require.Len(t, completions, 1)
	assert.Zero(t, completions[0].(analysis.IngestionCompletedEvent).TotalItems)
}

func TestQuietFeedEmitsMilestoneBeforeDeadline(t *testing.T) {
	pub := new(capturingPublisher)
	// The backlog pass found nothing and the live tail stays silent: the
	// milestone must still fire, well before the deadline ends the session.
	stream := newFakeStream(0)
	stream.markBacklogDone()

	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		return stream, nil
	}}
	c := newTestController(feed, pub)

	require.NoError(t, c.StartSession(context.Background(), uuid.New(), "obscure topic", 150*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(pub.byType(analysis.EventTypeInitialBatchCompleted)) == 1
	}, time.Second, time.Millisecond, "milestone must not wait for a record")
	batch := pub.byType(analysis.EventTypeInitialBatchCompleted)[0].(analysis.InitialBatchCompletedEvent)
	assert.Zero(t, batch.InitialBatchCount)

	waitForSessionEnd(t, c)
	assert.Equal(t, []events.EventType{
		analysis.EventTypeInitialBatchCompleted,
		analysis.EventTypeIngestionCompleted,
	}, pub.typeSequence())
}

func TestSessionDeadlineEmitsCompletion(t *testing.T) {
	pub := new(capturingPublisher)
	// Live stream that never delivers or closes; only the deadline can end it.
	stream := newFakeStream(0)
	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		return stream, nil
	}}
	c := newTestController(feed, pub)

	require.NoError(t, c.StartSession(context.Background(), uuid.New(), "graphql", 50*time.Millisecond))
	waitForSessionEnd(t, c)

	require.Len(t, pub.byType(analysis.EventTypeIngestionCompleted), 1)
}

func TestCancelSessionEmitsExactlyOneCompletion(t *testing.T) {
	pub := new(capturingPublisher)
	stream := newFakeStream(0)
	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		return stream, nil
	}}
	c := newTestController(feed, pub)
	jobID := uuid.New()

	require.NoError(t, c.StartSession(context.Background(), jobID, "graphql", time.Minute))
	require.NoError(t, c.CancelSession(context.Background(), jobID))

	require.Len(t, pub.byType(analysis.EventTypeIngestionCompleted), 1)
	assert.Zero(t, c.ActiveSessions())

	// Cancelling again is not an active session anymore.
	err := c.CancelSession(context.Background(), jobID)
	assert.ErrorIs(t, err, analysis.ErrSessionNotFound)
}

func TestStartSessionReplacesActiveSession(t *testing.T) {
	pub := new(capturingPublisher)
	streamA := newFakeStream(1)
	streamB := newFakeStream(0)
	streams := []*fakeStream{streamA, streamB}

	var idx int
	var mu sync.Mutex
	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		mu.Lock()
		defer mu.Unlock()
		st := streams[idx]
		idx++
		return st, nil
	}}
	c := newTestController(feed, pub)
	jobID := uuid.New()

	require.NoError(t, c.StartSession(context.Background(), jobID, "graphql", time.Minute))
	require.NoError(t, c.StartSession(context.Background(), jobID, "graphql federation", time.Minute))

	// The replaced session accounted for itself exactly once.
	require.Len(t, pub.byType(analysis.EventTypeIngestionCompleted), 1)
	assert.Equal(t, 1, c.ActiveSessions())

	// Records buffered for the old stream never surface: the new session owns
	// the job now.
	streamA.records <- record("stale")
	// The old session has exited; its records channel is simply abandoned.

	require.NoError(t, c.CancelSession(context.Background(), jobID))
	require.Len(t, pub.byType(analysis.EventTypeIngestionCompleted), 2)
	assert.Empty(t, pub.byType(analysis.EventTypeRawRecordCollected))
}

func TestPermanentFeedErrorFailsJobWithoutCompletion(t *testing.T) {
	pub := new(capturingPublisher)
	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		return nil, NewPermanentFeedError(errors.New("invalid credentials"))
	}}
	c := newTestController(feed, pub)
	jobID := uuid.New()

	require.NoError(t, c.StartSession(context.Background(), jobID, "graphql", time.Second))
	waitForSessionEnd(t, c)

	failures := pub.byType(analysis.EventTypeJobFailed)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].(analysis.JobFailedEvent).ErrorMessage, "invalid credentials")
	assert.Empty(t, pub.byType(analysis.EventTypeIngestionCompleted))
	assert.Equal(t, 1, feed.callCount(), "permanent errors must not be retried")
}

func TestTransientSubscribeErrorIsRetried(t *testing.T) {
	pub := new(capturingPublisher)
	stream := newFakeStream(1)
	stream.records <- record("a")
	stream.finish(nil)

	var attempts int
	var mu sync.Mutex
	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, NewTransientFeedError(errors.New("connection reset"))
		}
		return stream, nil
	}}
	c := newTestController(feed, pub)

	require.NoError(t, c.StartSession(context.Background(), uuid.New(), "graphql", time.Second))
	waitForSessionEnd(t, c)

	assert.Equal(t, 3, feed.callCount())
	require.Len(t, pub.byType(analysis.EventTypeIngestionCompleted), 1)
	require.Len(t, pub.byType(analysis.EventTypeRawRecordCollected), 1)
}

func TestNewControllerDefaultsLimitsIndependently(t *testing.T) {
	c := NewController("test-controller", &fakeFeedClient{}, new(capturingPublisher),
		Limits{WarmupCount: 3}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	def := DefaultLimits()
	assert.Equal(t, 3, c.limits.WarmupCount, "explicit field must survive")
	assert.Equal(t, def.DefaultMaxDuration, c.limits.DefaultMaxDuration)
	assert.Equal(t, def.FeedRetryMaxAttempts, c.limits.FeedRetryMaxAttempts)
	assert.Equal(t, def.FeedRetryInitialWait, c.limits.FeedRetryInitialWait)
	assert.Equal(t, def.RecordsPerSecond, c.limits.RecordsPerSecond)
	assert.Equal(t, def.RecordBurst, c.limits.RecordBurst)
}

func TestHandleEventRoutesStartAndCancel(t *testing.T) {
	pub := new(capturingPublisher)
	stream := newFakeStream(0)
	feed := &fakeFeedClient{subscribeFn: func(ctx context.Context, keyword string) (analysis.FeedStream, error) {
		return stream, nil
	}}
	c := newTestController(feed, pub)
	jobID := uuid.New()

	start := analysis.NewJobStartRequestedEvent(jobID, "graphql", time.Minute)
	err := c.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    start.EventType(),
		Payload: start,
	}, func(error) {})
	require.NoError(t, err)
	assert.Equal(t, 1, c.ActiveSessions())

	cancel := analysis.NewJobCancelRequestedEvent(jobID, "api")
	err = c.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    cancel.EventType(),
		Payload: cancel,
	}, func(error) {})
	require.NoError(t, err)
	assert.Zero(t, c.ActiveSessions())

	// Duplicate cancel under at-least-once delivery acks as a no-op.
	var acked bool
	err = c.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    cancel.EventType(),
		Payload: cancel,
	}, func(err error) { acked = err == nil })
	require.NoError(t, err)
	assert.True(t, acked)
}
