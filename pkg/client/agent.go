// Package client implements the resilient subscription agent that consumes a
// job's server-sent events: automatic reconnection with capped exponential
// backoff, terminal-status awareness, and per-event parse-failure isolation.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// ConnectionStatus is the agent's observable connection state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"

	// StatusConnectionLost is terminal: reconnect attempts were exhausted.
	// Only an explicit Connect or Reconnect leaves this state.
	StatusConnectionLost ConnectionStatus = "connection_lost"
)

// Terminal job statuses as reported by the server.
const (
	jobStatusCompleted = "COMPLETED"
	jobStatusFailed    = "FAILED"
)

func jobStatusTerminal(status string) bool {
	return status == jobStatusCompleted || status == jobStatusFailed
}

// Config tunes the reconnect and parse-failure behavior.
type Config struct {
	// InitialDelay seeds the backoff sequence; delay for attempt n is
	// min(InitialDelay * Multiplier^n, MaxDelay).
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxAttempts bounds consecutive reconnects; exceeding it surfaces the
	// terminal connection-lost condition.
	MaxAttempts int

	// ParseFailureThreshold is the consecutive malformed-payload count that
	// triggers a single non-fatal warning.
	ParseFailureThreshold int
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay:          500 * time.Millisecond,
		MaxDelay:              30 * time.Second,
		Multiplier:            2,
		MaxAttempts:           10,
		ParseFailureThreshold: 3,
	}
}

// Handlers are optional consumer callbacks. All of them are invoked from the
// agent's single event loop goroutine, never concurrently.
type Handlers struct {
	// OnEvent receives every successfully parsed server event.
	OnEvent func(evt Event)

	// OnWarning surfaces non-fatal conditions, such as repeated malformed
	// payloads.
	OnWarning func(msg string)

	// OnConnectionLost fires once when reconnect attempts are exhausted.
	OnConnectionLost func()
}

// Snapshot is the agent's observable state at one instant.
type Snapshot struct {
	ConnectionStatus  ConnectionStatus
	JobStatus         string
	LastHeartbeat     time.Time
	ReconnectAttempts int
}

// Agent maintains exactly one logical subscription at a time. Connecting to a
// new job (or the same one again) tears down the previous connection and any
// pending reconnect timer before starting fresh.
type Agent struct {
	transport Transport
	cfg       Config
	handlers  Handlers
	logger    *logger.Logger

	mu            sync.Mutex
	jobID         uuid.UUID
	hasJob        bool
	status        ConnectionStatus
	jobStatus     string
	lastHeartbeat time.Time
	attempts      int
	parseFailures int
	delays        *backoff.ExponentialBackOff

	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewAgent creates an Agent in the disconnected state. Unset config fields
// fall back to their defaults individually, so partial configs keep what
// they set.
func NewAgent(transport Transport, cfg Config, handlers Handlers, log *logger.Logger) *Agent {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ParseFailureThreshold <= 0 {
		cfg.ParseFailureThreshold = def.ParseFailureThreshold
	}
	return &Agent{
		transport: transport,
		cfg:       cfg,
		handlers:  handlers,
		logger:    log.With("component", "subscription_agent"),
		status:    StatusDisconnected,
	}
}

// State returns the agent's observable state.
func (a *Agent) State() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ConnectionStatus:  a.status,
		JobStatus:         a.jobStatus,
		LastHeartbeat:     a.lastHeartbeat,
		ReconnectAttempts: a.attempts,
	}
}

// Connect subscribes to the job's event stream, replacing any existing
// connection. The context bounds the whole logical connection including
// reconnect waits.
func (a *Agent) Connect(ctx context.Context, jobID uuid.UUID) error {
	a.teardown()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	a.mu.Lock()
	a.generation++
	gen := a.generation
	a.jobID = jobID
	a.hasJob = true
	a.status = StatusConnecting
	a.jobStatus = ""
	a.attempts = 0
	a.parseFailures = 0
	a.delays = a.newDelays()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.run(runCtx, gen, jobID, done)
	return nil
}

// Disconnect tears down the connection and any pending reconnect timer.
// No reconnect can fire after Disconnect returns.
func (a *Agent) Disconnect() {
	a.teardown()
	a.mu.Lock()
	if a.status != StatusConnectionLost {
		a.status = StatusDisconnected
	}
	a.mu.Unlock()
}

// Reconnect manually re-establishes the subscription to the current job,
// resetting the attempt budget. Returns an error if the agent was never
// connected to a job.
func (a *Agent) Reconnect() error {
	a.mu.Lock()
	if !a.hasJob {
		a.mu.Unlock()
		return fmt.Errorf("no job to reconnect to")
	}
	jobID := a.jobID
	a.mu.Unlock()

	return a.Connect(context.Background(), jobID)
}

func (a *Agent) newDelays() *backoff.ExponentialBackOff {
	d := backoff.NewExponentialBackOff()
	d.InitialInterval = a.cfg.InitialDelay
	d.MaxInterval = a.cfg.MaxDelay
	d.Multiplier = a.cfg.Multiplier
	d.RandomizationFactor = 0
	d.MaxElapsedTime = 0
	d.Reset()
	return d
}

// teardown stops the current event loop, if any, and waits for it to exit.
func (a *Agent) teardown() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

type endReason int

const (
	endCancelled endReason = iota
	endTerminal
	endFault
)

// run is the agent's single-threaded event loop: it owns the transport,
// dispatches handlers, and sleeps on the reconnect timer. gen guards against
// a superseded loop mutating state that now belongs to its replacement.
func (a *Agent) run(ctx context.Context, gen uint64, jobID uuid.UUID, done chan struct{}) {
	defer close(done)

	for {
		a.setStatus(gen, StatusConnecting)

		stream, err := a.transport.Open(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				a.settle(gen, StatusDisconnected)
				return
			}
			a.logger.Warn(ctx, "failed to open stream", "error", err, "job_id", jobID)
			if !a.waitRetry(ctx, gen) {
				return
			}
			continue
		}

		reason := a.consume(ctx, gen, stream)
		stream.Close()

		switch reason {
		case endCancelled, endTerminal:
			a.settle(gen, StatusDisconnected)
			return
		case endFault:
			if !a.waitRetry(ctx, gen) {
				return
			}
		}
	}
}

// consume processes events until the stream ends, the context is cancelled,
// or the job reaches a terminal status.
func (a *Agent) consume(ctx context.Context, gen uint64, stream EventStream) endReason {
	for {
		select {
		case <-ctx.Done():
			return endCancelled
		case evt, ok := <-stream.Events():
			if !ok {
				a.mu.Lock()
				terminal := jobStatusTerminal(a.jobStatus)
				a.mu.Unlock()
				if terminal {
					return endTerminal
				}
				if err := stream.Err(); err != nil {
					a.logger.Warn(ctx, "stream ended with error", "error", err)
				}
				a.setStatus(gen, StatusError)
				return endFault
			}
			if terminal := a.handleEvent(ctx, gen, evt); terminal {
				return endTerminal
			}
		}
	}
}

// handleEvent parses and dispatches one event. Parse failures are isolated:
// they increment the consecutive-failure counter and never close the
// connection. Returns true when the event carried a terminal job status.
func (a *Agent) handleEvent(ctx context.Context, gen uint64, raw TransportEvent) bool {
	payload, err := parsePayload(raw)
	if err != nil {
		a.recordParseFailure(ctx, err)
		return false
	}
	a.resetParseFailures()

	terminal := false
	switch p := payload.(type) {
	case SubscribedPayload:
		// Confirmed ack: the reconnect budget starts over.
		a.mu.Lock()
		if a.generation == gen {
			a.status = StatusConnected
			a.attempts = 0
			a.delays.Reset()
		}
		a.mu.Unlock()
	case StatusPayload:
		a.mu.Lock()
		if a.generation == gen {
			a.jobStatus = p.Status
		}
		a.mu.Unlock()
		terminal = jobStatusTerminal(p.Status)
	case HeartbeatPayload:
		a.mu.Lock()
		if a.generation == gen {
			a.lastHeartbeat = p.Timestamp
		}
		a.mu.Unlock()
	}

	if a.handlers.OnEvent != nil {
		a.handlers.OnEvent(Event{Name: raw.Name, Payload: payload})
	}
	return terminal
}

func parsePayload(raw TransportEvent) (any, error) {
	switch raw.Name {
	case EventNameSubscribed:
		var p SubscribedPayload
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", raw.Name, err)
		}
		return p, nil
	case EventNameStatus, EventNameCompleted, EventNameFailed, EventNameError:
		var p StatusPayload
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", raw.Name, err)
		}
		return p, nil
	case EventNameDataUpdate:
		var p DataUpdatePayload
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", raw.Name, err)
		}
		return p, nil
	case EventNameHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", raw.Name, err)
		}
		return p, nil
	default:
		// Unknown event names pass through unparsed; forward-compatible.
		return json.RawMessage(raw.Data), nil
	}
}

// recordParseFailure counts consecutive malformed payloads. The warning fires
// exactly once per threshold crossing; subsequent failures in the same run
// stay quiet until a successful parse resets the counter.
func (a *Agent) recordParseFailure(ctx context.Context, err error) {
	a.mu.Lock()
	a.parseFailures++
	crossed := a.parseFailures == a.cfg.ParseFailureThreshold
	count := a.parseFailures
	a.mu.Unlock()

	a.logger.Warn(ctx, "failed to parse event payload", "error", err, "consecutive_failures", count)

	if crossed && a.handlers.OnWarning != nil {
		a.handlers.OnWarning(fmt.Sprintf(
			"connection issues: %d consecutive malformed events", count))
	}
}

func (a *Agent) resetParseFailures() {
	a.mu.Lock()
	a.parseFailures = 0
	a.mu.Unlock()
}

// waitRetry schedules the next reconnect. It returns false when the loop must
// stop: terminal job status, exhausted attempts, or cancellation while
// waiting. The timer is bound to ctx, so Disconnect clears any pending
// reconnect before releasing the transport.
func (a *Agent) waitRetry(ctx context.Context, gen uint64) bool {
	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		return false
	}
	if jobStatusTerminal(a.jobStatus) {
		// Never reconnect a finished job.
		a.status = StatusDisconnected
		a.mu.Unlock()
		return false
	}
	if a.attempts >= a.cfg.MaxAttempts {
		a.status = StatusConnectionLost
		a.mu.Unlock()
		a.logger.Error(ctx, "reconnect attempts exhausted", "max_attempts", a.cfg.MaxAttempts)
		if a.handlers.OnConnectionLost != nil {
			a.handlers.OnConnectionLost()
		}
		return false
	}
	a.status = StatusError
	delay := a.delays.NextBackOff()
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	a.logger.Info(ctx, "scheduling reconnect", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		a.settle(gen, StatusDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

// setStatus updates the connection status if this loop still owns the agent.
func (a *Agent) setStatus(gen uint64, status ConnectionStatus) {
	a.mu.Lock()
	if a.generation == gen {
		a.status = status
	}
	a.mu.Unlock()
}

// settle is setStatus minus overwriting the terminal connection-lost state.
func (a *Agent) settle(gen uint64, status ConnectionStatus) {
	a.mu.Lock()
	if a.generation == gen && a.status != StatusConnectionLost {
		a.status = status
	}
	a.mu.Unlock()
}
