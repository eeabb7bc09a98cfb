package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/scheduler"
)

// Schedule DTOs

// ScheduleRequest — политика выпуска.
//
// start_date принимается в RFC 3339. Если смещение не указано
// ("2024-01-20T09:00:00", "2024-01-20"), время трактуется в timezone истории.
type ScheduleRequest struct {
	ReleaseFrequency string `json:"release_frequency"`
	StartDate        string `json:"start_date"`
	Timezone         string `json:"timezone,omitempty"`
	IntervalSec      int64  `json:"custom_interval_sec,omitempty"`
	CronExpr         string `json:"custom_cron,omitempty"`
}

// localLayouts — форматы start_date без смещения.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ToPolicy конвертирует запрос в domain.SchedulePolicy.
func (r ScheduleRequest) ToPolicy() (domain.SchedulePolicy, error) {
	freq, err := domain.ParseFrequency(r.ReleaseFrequency)
	if err != nil {
		return domain.SchedulePolicy{}, fmt.Errorf("%w: %v", scheduler.ErrInvalidSchedule, err)
	}

	policy := domain.SchedulePolicy{
		Frequency: freq,
		Timezone:  strings.TrimSpace(r.Timezone),
		Interval:  time.Duration(r.IntervalSec) * time.Second,
		CronExpr:  strings.TrimSpace(r.CronExpr),
	}
	if policy.Timezone == "" {
		policy.Timezone = "UTC"
	}

	loc, err := policy.Location()
	if err != nil {
		return domain.SchedulePolicy{}, fmt.Errorf("%w: %v", scheduler.ErrInvalidSchedule, err)
	}
	start, err := parseStartDate(strings.TrimSpace(r.StartDate), loc)
	if err != nil {
		return domain.SchedulePolicy{}, err
	}
	policy.StartDate = start
	return policy, nil
}

func parseStartDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: start_date is required", scheduler.ErrInvalidSchedule)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid start_date %q", scheduler.ErrInvalidSchedule, s)
}

// Story DTOs

// CreateStoryRequest — запрос на регистрацию истории.
type CreateStoryRequest struct {
	ID            string           `json:"id"`
	TotalEpisodes int              `json:"total_episodes"`
	Schedule      *ScheduleRequest `json:"schedule,omitempty"`
}

// StoryResponse — ответ с историей.
type StoryResponse struct {
	ID               string     `json:"id"`
	TotalEpisodes    int        `json:"total_episodes"`
	IsSerialized     bool       `json:"is_serialized"`
	ReleaseFrequency string     `json:"release_frequency,omitempty"`
	StartDate        *time.Time `json:"start_date,omitempty"`
	Timezone         string     `json:"timezone,omitempty"`
	IntervalSec      int64      `json:"custom_interval_sec,omitempty"`
	CronExpr         string     `json:"custom_cron,omitempty"`
	NextReleaseAt    *time.Time `json:"next_release_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// StoryFromDomain конвертирует domain.Story в StoryResponse.
func StoryFromDomain(s domain.Story) StoryResponse {
	resp := StoryResponse{
		ID:            s.ID,
		TotalEpisodes: s.TotalEpisodes,
		IsSerialized:  s.IsSerialized,
		Timezone:      s.Policy.Timezone,
		NextReleaseAt: s.NextReleaseAt,
		CreatedAt:     s.CreatedAt,
	}
	if s.IsSerialized {
		start := s.Policy.StartDate
		resp.ReleaseFrequency = string(s.Policy.Frequency)
		resp.StartDate = &start
		resp.IntervalSec = int64(s.Policy.Interval / time.Second)
		resp.CronExpr = s.Policy.CronExpr
	}
	return resp
}

// Job DTOs

// JobResponse — ответ с заданием.
type JobResponse struct {
	Key           domain.JobKey    `json:"key"`
	StoryID       string           `json:"story_id"`
	EpisodeIndex  int              `json:"episode_index"`
	Status        domain.JobStatus `json:"status"`
	ScheduledFor  time.Time        `json:"scheduled_for"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	AttemptCount  int              `json:"attempt_count"`
	ClaimedBy     string           `json:"claimed_by,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// JobFromDomain конвертирует domain.ScheduleJob в JobResponse.
func JobFromDomain(j *domain.ScheduleJob) *JobResponse {
	if j == nil {
		return nil
	}
	return &JobResponse{
		Key:           j.Key,
		StoryID:       j.StoryID,
		EpisodeIndex:  j.EpisodeIndex,
		Status:        j.Status,
		ScheduledFor:  j.ScheduledFor,
		NextAttemptAt: j.NextAttemptAt,
		AttemptCount:  j.AttemptCount,
		ClaimedBy:     j.ClaimedBy,
		LastError:     j.LastError,
	}
}

// EpisodeResponse — эпизод вместе с заданием.
type EpisodeResponse struct {
	Index        int                  `json:"episode_index"`
	Status       domain.EpisodeStatus `json:"status"`
	ScheduledFor *time.Time           `json:"scheduled_for,omitempty"`
	PublishedAt  *time.Time           `json:"published_at,omitempty"`
	Job          *JobResponse         `json:"job,omitempty"`
}

// ScheduleStatusResponse — состояние расписания истории.
type ScheduleStatusResponse struct {
	Story     StoryResponse     `json:"story"`
	Episodes  []EpisodeResponse `json:"episodes"`
	Published int               `json:"published"`
	Total     int               `json:"total"`
}

// ScheduleStatusFromDomain конвертирует scheduler.ScheduleStatus в ScheduleStatusResponse.
func ScheduleStatusFromDomain(s *scheduler.ScheduleStatus) ScheduleStatusResponse {
	resp := ScheduleStatusResponse{
		Story:     StoryFromDomain(s.Story),
		Episodes:  make([]EpisodeResponse, len(s.Episodes)),
		Published: s.Published,
		Total:     s.Total,
	}
	for i, ep := range s.Episodes {
		resp.Episodes[i] = EpisodeResponse{
			Index:        ep.Index,
			Status:       ep.Status,
			ScheduledFor: ep.ScheduledFor,
			PublishedAt:  ep.PublishedAt,
			Job:          JobFromDomain(ep.Job),
		}
	}
	return resp
}

// CancelResponse — итог отмены расписания.
type CancelResponse struct {
	StoryID   string          `json:"story_id"`
	Cancelled int             `json:"cancelled"`
	Keys      []domain.JobKey `json:"keys"`
}

// Scheduler DTOs

// HealthResponse — состояние планировщика.
type HealthResponse struct {
	Counts       map[domain.JobStatus]int `json:"counts"`
	NextDueAt    *time.Time               `json:"next_due_at,omitempty"`
	Terminal     []domain.JobKey          `json:"terminal"`
	QueueLength  int                      `json:"queue_length"`
	QueueNextDue *time.Time               `json:"queue_next_due,omitempty"`
}

// HealthFromDomain конвертирует scheduler.HealthReport в HealthResponse.
func HealthFromDomain(h *scheduler.HealthReport) HealthResponse {
	terminal := h.Terminal
	if terminal == nil {
		terminal = []domain.JobKey{}
	}
	return HealthResponse{
		Counts:       h.Counts,
		NextDueAt:    h.NextDueAt,
		Terminal:     terminal,
		QueueLength:  h.QueueLength,
		QueueNextDue: h.QueueNextDue,
	}
}
