package domain

import (
	"time"

	"github.com/google/uuid"
)

// Episode — отдельный эпизод истории.
type Episode struct {
	ID      uuid.UUID `json:"id"`
	StoryID string    `json:"story_id"`

	// Index — порядковый номер эпизода, начиная с 0. Уникален в рамках истории.
	Index int `json:"episode_index"`

	Status EpisodeStatus `json:"status"`

	// ScheduledFor — момент публикации. nil для DRAFT, PUBLISHED и FAILED.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// IsPublished возвращает true, если эпизод уже опубликован.
func (e *Episode) IsPublished() bool {
	return e.Status == EpisodeStatusPublished
}

// Schedule переводит эпизод в SCHEDULED.
func (e *Episode) Schedule(at time.Time) {
	at = at.UTC()
	e.Status = EpisodeStatusScheduled
	e.ScheduledFor = &at
}

// Revert возвращает эпизод в DRAFT (отмена расписания).
func (e *Episode) Revert() {
	e.Status = EpisodeStatusDraft
	e.ScheduledFor = nil
}

// Publish переводит эпизод в PUBLISHED.
func (e *Episode) Publish(at time.Time) {
	at = at.UTC()
	e.Status = EpisodeStatusPublished
	e.PublishedAt = &at
	e.ScheduledFor = nil
}

// Fail переводит эпизод в FAILED.
func (e *Episode) Fail() {
	e.Status = EpisodeStatusFailed
	e.ScheduledFor = nil
}
