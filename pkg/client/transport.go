package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// TransportEvent is one raw event off the wire, before payload parsing.
type TransportEvent struct {
	Name string
	Data []byte
}

// EventStream is one open connection's ordered event sequence.
type EventStream interface {
	// Events returns the raw event channel. It is closed when the connection
	// ends; Err reports why.
	Events() <-chan TransportEvent

	// Err returns the terminal error after Events is closed, nil on clean end.
	Err() error

	// Close tears the connection down. Safe to call multiple times.
	Close() error
}

// Transport opens event streams for a job. The production implementation
// speaks SSE; tests substitute scripted streams.
type Transport interface {
	Open(ctx context.Context, jobID uuid.UUID) (EventStream, error)
}

// SSETransport connects to the API server's per-job SSE endpoint.
type SSETransport struct {
	BaseURL string
	Client  *http.Client
}

// NewSSETransport creates a transport against the given API base URL
// (e.g. "http://localhost:8080").
func NewSSETransport(baseURL string) *SSETransport {
	return &SSETransport{BaseURL: strings.TrimRight(baseURL, "/"), Client: http.DefaultClient}
}

// Open starts streaming the job's events. The returned stream ends when the
// server closes the connection, the context is cancelled, or Close is called.
func (t *SSETransport) Open(ctx context.Context, jobID uuid.UUID) (EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	url := fmt.Sprintf("%s/v1/jobs/%s/events", t.BaseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	httpClient := t.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected stream status %d", resp.StatusCode)
	}

	stream := &sseStream{
		events: make(chan TransportEvent, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go stream.read(resp)
	return stream, nil
}

type sseStream struct {
	events chan TransportEvent
	cancel context.CancelFunc

	// done is closed by Close so the read goroutine can bail out even while
	// blocked handing an event to a consumer that stopped reading.
	done chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func (s *sseStream) Events() <-chan TransportEvent { return s.events }

func (s *sseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
	return nil
}

// read parses the SSE wire format: "event:" and "data:" lines terminated by a
// blank line per event.
func (s *sseStream) read(resp *http.Response) {
	defer close(s.events)
	defer resp.Body.Close()

	var name string
	var data []byte

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if name != "" {
				select {
				case s.events <- TransportEvent{Name: name, Data: data}:
				case <-s.done:
					return
				}
				name, data = "", nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
}
