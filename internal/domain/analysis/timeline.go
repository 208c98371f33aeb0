package analysis

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now() }

// Timeline tracks temporal aspects of analysis jobs.
type Timeline struct {
	createdAt    time.Time
	completedAt  time.Time
	lastUpdate   time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline instance.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	now := timeProvider.Now()
	return &Timeline{
		createdAt:    now,
		lastUpdate:   now,
		timeProvider: timeProvider,
	}
}

// ReconstructTimeline rebuilds a Timeline from stored values. Intended for
// repositories loading jobs from the database.
func ReconstructTimeline(createdAt, completedAt, lastUpdate time.Time) *Timeline {
	return &Timeline{
		createdAt:    createdAt,
		completedAt:  completedAt,
		lastUpdate:   lastUpdate,
		timeProvider: new(realTimeProvider),
	}
}

// CreatedAt returns the time the job was submitted.
func (t *Timeline) CreatedAt() time.Time { return t.createdAt }

// CompletedAt returns the time the job reached a terminal state.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// LastUpdate returns the time the job was last updated.
func (t *Timeline) LastUpdate() time.Time { return t.lastUpdate }

// MarkCompleted records completion time.
func (t *Timeline) MarkCompleted() {
	t.completedAt = t.timeProvider.Now()
	t.UpdateLastUpdate()
}

// UpdateLastUpdate updates the last update timestamp.
func (t *Timeline) UpdateLastUpdate() {
	t.lastUpdate = t.timeProvider.Now()
}

// IsCompleted checks if the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }
