// Package feed implements the external social-feed port over its HTTP API.
// A subscription pages through the keyword's backlog first, then tails the
// feed by polling from the last cursor.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/app/ingestion"
	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/pkg/common"
	"github.com/seanmx/sentiflow/pkg/common/logger"
)

// Config holds the connection settings for the feed API.
type Config struct {
	// BaseURL is the feed API root (e.g. "https://feed.example.com").
	BaseURL string

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string

	// PageSize bounds records per request during the backlog pass.
	PageSize int

	// PollInterval paces live-tail requests once the backlog is drained.
	PollInterval time.Duration

	// RequestsPerSecond and RequestBurst rate-limit outbound API calls.
	RequestsPerSecond float64
	RequestBurst      int
}

// DefaultConfig returns conservative feed API settings.
func DefaultConfig() Config {
	return Config{
		PageSize:          100,
		PollInterval:      2 * time.Second,
		RequestsPerSecond: 5,
		RequestBurst:      10,
	}
}

var _ analysis.FeedClient = (*HTTPClient)(nil)

// HTTPClient is a rate-limited client for the feed's search API.
type HTTPClient struct {
	cfg         Config
	httpClient  *http.Client
	rateLimiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHTTPClient creates a feed client. A nil httpClient falls back to
// http.DefaultClient.
func NewHTTPClient(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = def.RequestBurst
	}
	return &HTTPClient{
		cfg:         cfg,
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(cfg.RequestsPerSecond, cfg.RequestBurst),
		logger:      log.With("component", "feed_client"),
		tracer:      tracer,
	}
}

// SubscribeByKeyword opens a keyword-filtered stream. The stream drains the
// backlog page by page, signals BacklogDone, then polls for new records until
// closed or the API fails.
func (c *HTTPClient) SubscribeByKeyword(ctx context.Context, keyword string) (analysis.FeedStream, error) {
	if keyword == "" {
		return nil, ingestion.NewPermanentFeedError(fmt.Errorf("keyword must not be empty"))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &httpStream{
		client:      c,
		keyword:     keyword,
		records:     make(chan analysis.RawRecord, c.cfg.PageSize),
		backlogDone: make(chan struct{}),
		cancel:      cancel,
	}
	go s.run(streamCtx)
	return s, nil
}

// feedPage is one response from the search endpoint. An empty nextCursor
// means the caller has caught up with the feed.
type feedPage struct {
	Records    []analysis.RawRecord `json:"records"`
	NextCursor string               `json:"nextCursor"`
}

// fetchPage performs one rate-limited search request.
func (c *HTTPClient) fetchPage(ctx context.Context, keyword, cursor string) (*feedPage, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "feed_client.fetch_page",
		trace.WithAttributes(
			attribute.String("keyword", keyword),
			attribute.Bool("has_cursor", cursor != ""),
		))
	defer span.End()

	query := url.Values{}
	query.Set("keyword", keyword)
	query.Set("limit", strconv.Itoa(c.cfg.PageSize))
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	reqURL := fmt.Sprintf("%s/v1/records?%s", c.cfg.BaseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build request")
		return nil, ingestion.NewPermanentFeedError(fmt.Errorf("failed to build feed request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, ingestion.NewTransientFeedError(fmt.Errorf("feed request failed: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		err := fmt.Errorf("feed returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "retryable status")
		return nil, ingestion.NewTransientFeedError(err)
	default:
		err := fmt.Errorf("feed returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fatal status")
		return nil, ingestion.NewPermanentFeedError(err)
	}

	var page feedPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode response")
		return nil, ingestion.NewTransientFeedError(fmt.Errorf("failed to decode feed response: %w", err))
	}

	now := time.Now().UTC()
	for i := range page.Records {
		if page.Records[i].CollectedAt.IsZero() {
			page.Records[i].CollectedAt = now
		}
	}

	span.AddEvent("page_fetched", trace.WithAttributes(attribute.Int("record_count", len(page.Records))))
	span.SetStatus(codes.Ok, "page fetched")
	return &page, nil
}

var _ analysis.FeedStream = (*httpStream)(nil)

type httpStream struct {
	client  *HTTPClient
	keyword string
	records chan analysis.RawRecord
	cancel  context.CancelFunc

	// backlogDone is closed after the last backlog page is delivered. It
	// stays open forever if the stream fails or is closed mid-backlog.
	backlogDone chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func (s *httpStream) Records() <-chan analysis.RawRecord { return s.records }

func (s *httpStream) BacklogDone() <-chan struct{} { return s.backlogDone }

func (s *httpStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *httpStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *httpStream) run(ctx context.Context) {
	defer close(s.records)

	// Backlog pass: follow cursors until the feed reports no more pages.
	cursor := ""
	for {
		page, err := s.client.fetchPage(ctx, s.keyword, cursor)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		if !s.deliver(ctx, page.Records) {
			return
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	close(s.backlogDone)

	// Live tail: poll from the last cursor on a fixed interval.
	ticker := time.NewTicker(s.client.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			page, err := s.client.fetchPage(ctx, s.keyword, cursor)
			if err != nil {
				s.fail(ctx, err)
				return
			}
			if !s.deliver(ctx, page.Records) {
				return
			}
			if page.NextCursor != "" {
				cursor = page.NextCursor
			}
		}
	}
}

func (s *httpStream) deliver(ctx context.Context, records []analysis.RawRecord) bool {
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return false
		case s.records <- rec:
		}
	}
	return true
}

func (s *httpStream) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		// The subscription was closed; the fetch error is just fallout.
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.client.logger.Warn(ctx, "feed stream failed", "keyword", s.keyword, "error", err)
}
