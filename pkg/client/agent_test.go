package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

type scriptedStream struct {
	events chan TransportEvent
	err    error

	closed    atomic.Bool
	closeOnce sync.Once
}

func newScriptedStream(evts ...TransportEvent) *scriptedStream {
	ch := make(chan TransportEvent, len(evts)+16)
	for _, e := range evts {
		ch <- e
	}
	return &scriptedStream{events: ch}
}

func (s *scriptedStream) Events() <-chan TransportEvent { return s.events }
func (s *scriptedStream) Err() error                    { return s.err }

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() { s.closed.Store(true) })
	return nil
}

// finish simulates the server ending the stream.
func (s *scriptedStream) finish() { close(s.events) }

type scriptedTransport struct {
	mu     sync.Mutex
	opens  []uuid.UUID
	openFn func(attempt int, jobID uuid.UUID) (EventStream, error)
}

func (t *scriptedTransport) Open(ctx context.Context, jobID uuid.UUID) (EventStream, error) {
	t.mu.Lock()
	t.opens = append(t.opens, jobID)
	attempt := len(t.opens)
	fn := t.openFn
	t.mu.Unlock()
	return fn(attempt, jobID)
}

func (t *scriptedTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opens)
}

func (t *scriptedTransport) openedJobs() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uuid.UUID(nil), t.opens...)
}

func goodEvent(t *testing.T, name string, payload any) TransportEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return TransportEvent{Name: name, Data: data}
}

func malformedEvent(name string) TransportEvent {
	return TransportEvent{Name: name, Data: []byte(`{"jobId":`)}
}

func fastConfig() Config {
	return Config{
		InitialDelay:          time.Millisecond,
		MaxDelay:              5 * time.Millisecond,
		Multiplier:            2,
		MaxAttempts:           3,
		ParseFailureThreshold: 3,
	}
}

// eventRecorder collects dispatched events and warnings.
type eventRecorder struct {
	mu       sync.Mutex
	names    []string
	warnings []string
	lost     int
}

func (r *eventRecorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(evt Event) {
			r.mu.Lock()
			r.names = append(r.names, evt.Name)
			r.mu.Unlock()
		},
		OnWarning: func(msg string) {
			r.mu.Lock()
			r.warnings = append(r.warnings, msg)
			r.mu.Unlock()
		},
		OnConnectionLost: func() {
			r.mu.Lock()
			r.lost++
			r.mu.Unlock()
		},
	}
}

func (r *eventRecorder) seen(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.names {
		if got == name {
			n++
		}
	}
	return n
}

func (r *eventRecorder) warningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warnings)
}

func (r *eventRecorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func subscribedEvent(t *testing.T, jobID uuid.UUID) TransportEvent {
	t.Helper()
	return goodEvent(t, EventNameSubscribed, SubscribedPayload{
		JobID:          jobID.String(),
		SubscriptionID: uuid.New().String(),
	})
}

func TestBackoffDelaySequence(t *testing.T) {
	agent := NewAgent(nil, Config{
		InitialDelay:          100 * time.Millisecond,
		MaxDelay:              800 * time.Millisecond,
		Multiplier:            2,
		MaxAttempts:           10,
		ParseFailureThreshold: 3,
	}, Handlers{}, logger.Noop())

	delays := agent.newDelays()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		800 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, expected := range want {
		assert.Equal(t, expected, delays.NextBackOff(), "delay %d", i)
	}

	// A subscription ack resets the sequence to the initial delay.
	delays.Reset()
	assert.Equal(t, 100*time.Millisecond, delays.NextBackOff())
}

func TestAgentConnectsAndResetsAttemptsOnAck(t *testing.T) {
	jobID := uuid.New()
	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			if attempt < 3 {
				return nil, fmt.Errorf("connection refused")
			}
			return newScriptedStream(subscribedEvent(t, id)), nil
		},
	}

	rec := new(eventRecorder)
	agent := NewAgent(transport, fastConfig(), rec.handlers(), logger.Noop())
	require.NoError(t, agent.Connect(context.Background(), jobID))
	defer agent.Disconnect()

	require.Eventually(t, func() bool {
		return agent.State().ConnectionStatus == StatusConnected
	}, time.Second, time.Millisecond)

	state := agent.State()
	assert.Zero(t, state.ReconnectAttempts, "ack must reset the attempt counter")
	assert.Equal(t, 3, transport.openCount())
	assert.Equal(t, 1, rec.seen(EventNameSubscribed))
}

func TestAgentStopsOnTerminalStatus(t *testing.T) {
	jobID := uuid.New()
	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			return newScriptedStream(
				subscribedEvent(t, id),
				goodEvent(t, EventNameStatus, StatusPayload{JobID: id.String(), Status: "IN_PROGRESS"}),
				goodEvent(t, EventNameCompleted, StatusPayload{
					JobID: id.String(), Status: "COMPLETED", AverageSentiment: 0.42, DataPointsCount: 7,
				}),
			), nil
		},
	}

	rec := new(eventRecorder)
	agent := NewAgent(transport, fastConfig(), rec.handlers(), logger.Noop())
	require.NoError(t, agent.Connect(context.Background(), jobID))

	require.Eventually(t, func() bool {
		return agent.State().ConnectionStatus == StatusDisconnected
	}, time.Second, time.Millisecond)

	state := agent.State()
	assert.Equal(t, "COMPLETED", state.JobStatus)
	assert.Equal(t, 1, rec.seen(EventNameCompleted))

	// Finished jobs are never reconnected.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, transport.openCount())
}

func TestAgentNoReconnectAfterFailedStatus(t *testing.T) {
	jobID := uuid.New()
	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			stream := newScriptedStream(
				subscribedEvent(t, id),
				goodEvent(t, EventNameFailed, StatusPayload{
					JobID: id.String(), Status: "FAILED", ErrorMessage: "feed unavailable",
				}),
			)
			stream.finish()
			return stream, nil
		},
	}

	agent := NewAgent(transport, fastConfig(), Handlers{}, logger.Noop())
	require.NoError(t, agent.Connect(context.Background(), jobID))

	require.Eventually(t, func() bool {
		return agent.State().ConnectionStatus == StatusDisconnected
	}, time.Second, time.Millisecond)

	assert.Equal(t, "FAILED", agent.State().JobStatus)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, transport.openCount())
}

func TestAgentConnectionLostAfterMaxAttempts(t *testing.T) {
	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}

	rec := new(eventRecorder)
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	agent := NewAgent(transport, cfg, rec.handlers(), logger.Noop())
	require.NoError(t, agent.Connect(context.Background(), uuid.New()))

	require.Eventually(t, func() bool {
		return agent.State().ConnectionStatus == StatusConnectionLost
	}, time.Second, time.Millisecond)

	// Initial try plus MaxAttempts reconnects.
	assert.Equal(t, 3, transport.openCount())
	assert.Equal(t, 2, agent.State().ReconnectAttempts)
	assert.Equal(t, 1, rec.lostCount())

	// Connection-lost is terminal until an explicit reconnect.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, transport.openCount())
	assert.Equal(t, StatusConnectionLost, agent.State().ConnectionStatus)
}

func TestAgentParseFailureIsolation(t *testing.T) {
	jobID := uuid.New()
	dataUpdate := goodEvent(t, EventNameDataUpdate, DataUpdatePayload{
		JobID: jobID.String(), DataPoint: map[string]any{"score": 0.5}, TotalProcessed: 1,
	})
	heartbeat := goodEvent(t, EventNameHeartbeat, HeartbeatPayload{Timestamp: time.Now().UTC()})

	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			return newScriptedStream(
				subscribedEvent(t, id),
				// Three consecutive failures cross the threshold once.
				malformedEvent(EventNameStatus),
				malformedEvent(EventNameStatus),
				malformedEvent(EventNameStatus),
				// A fourth failure in the same run stays quiet.
				malformedEvent(EventNameStatus),
				// Success resets the counter, so two failures are below threshold.
				dataUpdate,
				malformedEvent(EventNameDataUpdate),
				malformedEvent(EventNameDataUpdate),
				dataUpdate,
				// A fresh run of three crosses the threshold again.
				malformedEvent(EventNameStatus),
				malformedEvent(EventNameStatus),
				malformedEvent(EventNameStatus),
				heartbeat,
			), nil
		},
	}

	rec := new(eventRecorder)
	agent := NewAgent(transport, fastConfig(), rec.handlers(), logger.Noop())
	require.NoError(t, agent.Connect(context.Background(), jobID))
	defer agent.Disconnect()

	require.Eventually(t, func() bool {
		return rec.seen(EventNameHeartbeat) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, 2, rec.warningCount(), "one warning per threshold crossing")
	assert.Equal(t, 2, rec.seen(EventNameDataUpdate))

	state := agent.State()
	assert.Equal(t, StatusConnected, state.ConnectionStatus, "parse failures never drop the connection")
	assert.False(t, state.LastHeartbeat.IsZero())
}

func TestDisconnectClearsPendingReconnect(t *testing.T) {
	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}

	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	agent := NewAgent(transport, cfg, Handlers{}, logger.Noop())
	require.NoError(t, agent.Connect(context.Background(), uuid.New()))

	require.Eventually(t, func() bool {
		return transport.openCount() == 1 && agent.State().ReconnectAttempts == 1
	}, time.Second, time.Millisecond)

	agent.Disconnect()
	assert.Equal(t, StatusDisconnected, agent.State().ConnectionStatus)

	// The pending reconnect timer died with the session.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, transport.openCount())
}

func TestConnectReplacesPriorSession(t *testing.T) {
	jobA, jobB := uuid.New(), uuid.New()

	var mu sync.Mutex
	streams := make(map[uuid.UUID]*scriptedStream)
	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			stream := newScriptedStream(subscribedEvent(t, id))
			mu.Lock()
			streams[id] = stream
			mu.Unlock()
			return stream, nil
		},
	}

	agent := NewAgent(transport, fastConfig(), Handlers{}, logger.Noop())
	require.NoError(t, agent.Connect(context.Background(), jobA))
	require.Eventually(t, func() bool {
		return agent.State().ConnectionStatus == StatusConnected
	}, time.Second, time.Millisecond)

	require.NoError(t, agent.Connect(context.Background(), jobB))
	defer agent.Disconnect()

	require.Eventually(t, func() bool {
		return transport.openCount() == 2 && agent.State().ConnectionStatus == StatusConnected
	}, time.Second, time.Millisecond)

	assert.Equal(t, []uuid.UUID{jobA, jobB}, transport.openedJobs())

	mu.Lock()
	oldStream := streams[jobA]
	mu.Unlock()
	assert.True(t, oldStream.closed.Load(), "replaced session must release its stream")
}

func TestReconnectResumesCurrentJob(t *testing.T) {
	jobID := uuid.New()
	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			return newScriptedStream(subscribedEvent(t, id)), nil
		},
	}

	agent := NewAgent(transport, fastConfig(), Handlers{}, logger.Noop())

	require.Error(t, agent.Reconnect(), "reconnect without a prior job must fail")

	require.NoError(t, agent.Connect(context.Background(), jobID))
	require.Eventually(t, func() bool {
		return agent.State().ConnectionStatus == StatusConnected
	}, time.Second, time.Millisecond)

	agent.Disconnect()
	require.Equal(t, StatusDisconnected, agent.State().ConnectionStatus)

	require.NoError(t, agent.Reconnect())
	defer agent.Disconnect()

	require.Eventually(t, func() bool {
		return transport.openCount() == 2 && agent.State().ConnectionStatus == StatusConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, []uuid.UUID{jobID, jobID}, transport.openedJobs())
}

func TestStreamEndRetriesWhenNotTerminal(t *testing.T) {
	jobID := uuid.New()
	transport := &scriptedTransport{
		openFn: func(attempt int, id uuid.UUID) (EventStream, error) {
			stream := newScriptedStream(subscribedEvent(t, id))
			if attempt == 1 {
				// Server drops the connection mid-job.
				stream.finish()
			}
			return stream, nil
		},
	}

	agent := NewAgent(transport, fastConfig(), Handlers{}, logger.Noop())
	require.NoError(t, agent.Connect(context.Background(), jobID))
	defer agent.Disconnect()

	require.Eventually(t, func() bool {
		return transport.openCount() == 2 && agent.State().ConnectionStatus == StatusConnected
	}, time.Second, time.Millisecond)
}

func TestNewAgentDefaultsConfigFieldsIndependently(t *testing.T) {
	agent := NewAgent(&scriptedTransport{}, Config{MaxAttempts: 2}, Handlers{}, logger.Noop())

	def := DefaultConfig()
	assert.Equal(t, 2, agent.cfg.MaxAttempts, "explicit field must survive")
	assert.Equal(t, def.InitialDelay, agent.cfg.InitialDelay)
	assert.Equal(t, def.MaxDelay, agent.cfg.MaxDelay)
	assert.Equal(t, def.Multiplier, agent.cfg.Multiplier)
	assert.Equal(t, def.ParseFailureThreshold, agent.cfg.ParseFailureThreshold)
}
