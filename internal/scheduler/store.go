package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Serial/internal/domain"
)

// JobStore — хранилище заданий.
//
// Все переходы статуса атомарны: MarkRunning — условный UPDATE по статусу,
// а не чтение с последующей записью. Это единственная точка, гарантирующая
// однократную публикацию, в том числе при нескольких процессах планировщика.
type JobStore interface {
	// PutJob создаёт или заменяет задание.
	PutJob(ctx context.Context, job *domain.ScheduleJob) error

	// GetJob возвращает задание по ключу.
	GetJob(ctx context.Context, key domain.JobKey) (*domain.ScheduleJob, error)

	// ListPending возвращает PENDING и FAILED_RETRYING задания по возрастанию next_attempt_at.
	ListPending(ctx context.Context) ([]domain.ScheduleJob, error)

	// ListActive возвращает PENDING, RUNNING и FAILED_RETRYING задания.
	ListActive(ctx context.Context) ([]domain.ScheduleJob, error)

	// MarkRunning захватывает задание, если оно PENDING/FAILED_RETRYING и пора запускать.
	// Возвращает false, если задание уже захвачено, завершено или удалено.
	MarkRunning(ctx context.Context, key domain.JobKey, claim domain.Claim) (bool, error)

	// MarkDone в одной транзакции публикует эпизод, завершает задание
	// и пересчитывает next_release_at истории. false — захват потерян.
	MarkDone(ctx context.Context, key domain.JobKey, claimID uuid.UUID, publishedAt time.Time) (bool, error)

	// MarkFailed фиксирует неудачную попытку.
	MarkFailed(ctx context.Context, key domain.JobKey, claimID uuid.UUID, failure domain.Failure) (bool, error)

	// ResetOrphan возвращает RUNNING задание в PENDING, если оно захвачено не позже staleBefore.
	ResetOrphan(ctx context.Context, key domain.JobKey, dueAt, staleBefore time.Time) (bool, error)

	// RemoveJob удаляет задание.
	RemoveJob(ctx context.Context, key domain.JobKey) error
}

// StoryStore — хранилище историй и эпизодов.
type StoryStore interface {
	// CreateStory регистрирует историю. ErrAlreadyExists, если id занят.
	CreateStory(ctx context.Context, story *domain.Story) error

	// CreateScheduledStory одной транзакцией регистрирует историю и сохраняет
	// её расписание. ErrAlreadyExists, если id занят.
	CreateScheduledStory(ctx context.Context, story *domain.Story, episodes []domain.Episode, jobs []domain.ScheduleJob) error

	GetStory(ctx context.Context, storyID string) (*domain.Story, error)

	// ListEpisodes возвращает эпизоды истории по возрастанию индекса.
	ListEpisodes(ctx context.Context, storyID string) ([]domain.Episode, error)

	// ListJobsByStory возвращает задания истории по возрастанию индекса.
	ListJobsByStory(ctx context.Context, storyID string) ([]domain.ScheduleJob, error)

	// CreateSchedule в одной транзакции сохраняет политику истории,
	// эпизоды и задания. ErrActiveSchedule, если у истории есть нефинальные задания.
	CreateSchedule(ctx context.Context, story *domain.Story, episodes []domain.Episode, jobs []domain.ScheduleJob) error

	// CancelSchedule удаляет неопубликованные задания (кроме RUNNING),
	// возвращает их эпизоды в DRAFT и снимает is_serialized.
	CancelSchedule(ctx context.Context, storyID string) ([]domain.JobKey, error)

	// RequeueJob возвращает FAILED_TERMINAL задание в PENDING с нулевым счётчиком попыток.
	RequeueJob(ctx context.Context, key domain.JobKey, dueAt time.Time) (*domain.ScheduleJob, error)

	// Health возвращает количество заданий по статусам и ближайший срок.
	Health(ctx context.Context) (*domain.Health, error)
}

// Store — полное хранилище планировщика.
type Store interface {
	JobStore
	StoryStore
}
