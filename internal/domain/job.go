package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobKey — глобально уникальный ключ задания: "{story_id}:{episode_index}".
type JobKey string

// NewJobKey строит ключ задания.
func NewJobKey(storyID string, index int) JobKey {
	return JobKey(storyID + ":" + strconv.Itoa(index))
}

// Parse разбирает ключ на story_id и episode_index.
// story_id может содержать двоеточия, индекс — всегда последний сегмент.
func (k JobKey) Parse() (string, int, error) {
	s := string(k)
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("invalid job key %q", s)
	}
	index, err := strconv.Atoi(s[i+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("invalid job key %q", s)
	}
	return s[:i], index, nil
}

// String возвращает строковое представление ключа.
func (k JobKey) String() string {
	return string(k)
}

// ScheduleJob — задание на публикацию одного эпизода.
type ScheduleJob struct {
	Key          JobKey    `json:"key"`
	StoryID      string    `json:"story_id"`
	EpisodeIndex int       `json:"episode_index"`
	Status       JobStatus `json:"status"`

	// ScheduledFor — исходное время публикации.
	ScheduledFor time.Time `json:"scheduled_for"`

	// NextAttemptAt — когда задание должно сработать. Для первой попытки
	// совпадает с ScheduledFor, после неудачи сдвигается политикой retry.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// AttemptCount — количество захватов. Увеличивается в MarkRunning.
	AttemptCount int `json:"attempt_count"`

	// ClaimID — токен текущего захвата. Только владелец токена
	// может перевести задание в DONE или FAILED_*.
	ClaimID *uuid.UUID `json:"claim_id,omitempty"`

	// ClaimedBy — идентификатор экземпляра планировщика.
	ClaimedBy string `json:"claimed_by,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewScheduleJob создаёт PENDING задание для эпизода.
func NewScheduleJob(storyID string, index int, at time.Time) ScheduleJob {
	at = at.UTC()
	return ScheduleJob{
		Key:           NewJobKey(storyID, index),
		StoryID:       storyID,
		EpisodeIndex:  index,
		Status:        JobStatusPending,
		ScheduledFor:  at,
		NextAttemptAt: at,
		UpdatedAt:     time.Now().UTC(),
	}
}

// IsDue проверяет, пора ли запускать.
func (j *ScheduleJob) IsDue(now time.Time) bool {
	if !j.Status.IsClaimable() {
		return false
	}
	return !now.Before(j.NextAttemptAt)
}

// Claim — захват задания исполнителем.
type Claim struct {
	ID    uuid.UUID
	Owner string
	At    time.Time
}

// NewClaim создаёт новый захват от имени owner.
func NewClaim(owner string, at time.Time) Claim {
	return Claim{ID: uuid.New(), Owner: owner, At: at.UTC()}
}

// Failure — результат неудачной попытки.
type Failure struct {
	// NextAttemptAt — время следующей попытки (для FAILED_RETRYING).
	NextAttemptAt time.Time

	// Terminal — попытки исчерпаны.
	Terminal bool

	// Error — текст ошибки последней попытки.
	Error string
}

// HasActiveJobs возвращает true, если среди заданий есть нефинальные.
func HasActiveJobs(jobs []ScheduleJob) bool {
	for i := range jobs {
		if !jobs[i].Status.IsTerminal() {
			return true
		}
	}
	return false
}
