package ingestion

import (
	"errors"
	"fmt"
)

// FeedErrorKind classifies feed failures into the two recovery strategies a
// session can take.
type FeedErrorKind int

const (
	// FeedErrorTransient covers network timeouts, temporary unavailability,
	// and rate limiting. Safe to retry with backoff.
	FeedErrorTransient FeedErrorKind = iota

	// FeedErrorPermanent covers failures retrying cannot fix, such as bad
	// credentials or a rejected filter. The session ends immediately and the
	// job is failed.
	FeedErrorPermanent
)

func (k FeedErrorKind) String() string {
	if k == FeedErrorPermanent {
		return "permanent"
	}
	return "transient"
}

// FeedError wraps an underlying feed failure with its recovery classification.
type FeedError struct {
	Kind FeedErrorKind
	Err  error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed error (%s): %v", e.Kind, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// NewTransientFeedError wraps err as a retryable feed failure.
func NewTransientFeedError(err error) *FeedError {
	return &FeedError{Kind: FeedErrorTransient, Err: err}
}

// NewPermanentFeedError wraps err as a non-retryable feed failure.
func NewPermanentFeedError(err error) *FeedError {
	return &FeedError{Kind: FeedErrorPermanent, Err: err}
}

// IsTransientFeedError reports whether err is classified as retryable.
// Unclassified errors are treated as transient: retrying an unknown failure
// is harmless given idempotent handlers, failing a job spuriously is not.
func IsTransientFeedError(err error) bool {
	var feedErr *FeedError
	if errors.As(err, &feedErr) {
		return feedErr.Kind == FeedErrorTransient
	}
	return true
}
