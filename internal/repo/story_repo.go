package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Serial/internal/domain"
)

// StoryRepo — репозиторий историй и эпизодов.
type StoryRepo struct {
	base
}

// NewStoryRepo создаёт новый StoryRepo.
func NewStoryRepo(pool *pgxpool.Pool, retry RetryConfig) *StoryRepo {
	return &StoryRepo{base: base{pool: pool, retry: retry}}
}

const storyColumns = `
	id, total_episodes, is_serialized, release_frequency, custom_interval_sec, custom_cron,
	start_date, timezone, next_release_at, created_at, updated_at
`

// CreateStory регистрирует историю вместе с DRAFT эпизодами 0..TotalEpisodes-1.
func (r *StoryRepo) CreateStory(ctx context.Context, story *domain.Story) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		return insertStory(ctx, tx, story)
	})
	if err != nil {
		return fmt.Errorf("create story: %w", err)
	}
	return nil
}

// CreateScheduledStory регистрирует историю и сразу сохраняет её расписание
// одной транзакцией: при ошибке не остаётся истории без расписания.
func (r *StoryRepo) CreateScheduledStory(ctx context.Context, story *domain.Story, episodes []domain.Episode, jobs []domain.ScheduleJob) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertStory(ctx, tx, story); err != nil {
			return err
		}
		return writeSchedule(ctx, tx, story, episodes, jobs)
	})
	if err != nil {
		return fmt.Errorf("create story: %w", err)
	}
	return nil
}

func insertStory(ctx context.Context, tx pgx.Tx, story *domain.Story) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stories (id, total_episodes, is_serialized, timezone, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $4, $4)
	`, story.ID, story.TotalEpisodes, timezoneOrUTC(story.Policy.Timezone), story.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: story %s", ErrAlreadyExists, story.ID)
	}
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i := 0; i < story.TotalEpisodes; i++ {
		batch.Queue(`
			INSERT INTO episodes (id, story_id, episode_index, status)
			VALUES ($1, $2, $3, 'DRAFT')
		`, uuid.New(), story.ID, i)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// GetStory возвращает историю по ID.
func (r *StoryRepo) GetStory(ctx context.Context, storyID string) (*domain.Story, error) {
	var story *domain.Story
	err := r.run(ctx, func(ctx context.Context) error {
		var err error
		story, err = scanStory(r.pool.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, storyID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return story, nil
}

// ListEpisodes возвращает эпизоды истории по возрастанию индекса.
func (r *StoryRepo) ListEpisodes(ctx context.Context, storyID string) ([]domain.Episode, error) {
	var episodes []domain.Episode
	err := r.run(ctx, func(ctx context.Context) error {
		episodes = episodes[:0]
		rows, err := r.pool.Query(ctx, `
			SELECT id, story_id, episode_index, status, scheduled_for, published_at
			FROM episodes
			WHERE story_id = $1
			ORDER BY episode_index
		`, storyID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ep domain.Episode
			if err := rows.Scan(&ep.ID, &ep.StoryID, &ep.Index, &ep.Status, &ep.ScheduledFor, &ep.PublishedAt); err != nil {
				return fmt.Errorf("scan episode: %w", err)
			}
			ep.ScheduledFor = utcPtr(ep.ScheduledFor)
			ep.PublishedAt = utcPtr(ep.PublishedAt)
			episodes = append(episodes, ep)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	return episodes, nil
}

// CreateSchedule сохраняет политику, эпизоды и задания одной транзакцией.
//
// Опубликованные эпизоды не перезаписываются. Финальные задания прошлых
// расписаний (DONE, FAILED_TERMINAL) заменяются новыми с тем же ключом.
func (r *StoryRepo) CreateSchedule(ctx context.Context, story *domain.Story, episodes []domain.Episode, jobs []domain.ScheduleJob) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT TRUE FROM stories WHERE id = $1 FOR UPDATE`, story.ID).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: story %s", ErrNotFound, story.ID)
			}
			return err
		}

		var active bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
			    SELECT 1 FROM schedule_jobs
			    WHERE story_id = $1 AND status IN ('PENDING', 'RUNNING', 'FAILED_RETRYING')
			)
		`, story.ID).Scan(&active); err != nil {
			return err
		}
		if active {
			return fmt.Errorf("%w: story %s", ErrActiveSchedule, story.ID)
		}

		return writeSchedule(ctx, tx, story, episodes, jobs)
	})
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// writeSchedule сохраняет политику истории, эпизоды и задания в транзакции tx.
func writeSchedule(ctx context.Context, tx pgx.Tx, story *domain.Story, episodes []domain.Episode, jobs []domain.ScheduleJob) error {
	var intervalSec *int64
	if story.Policy.Interval > 0 {
		s := int64(story.Policy.Interval / time.Second)
		intervalSec = &s
	}
	if _, err := tx.Exec(ctx, `
		UPDATE stories
		SET is_serialized = TRUE,
		    release_frequency = $2,
		    custom_interval_sec = $3,
		    custom_cron = $4,
		    start_date = $5,
		    timezone = $6,
		    next_release_at = $7,
		    updated_at = NOW()
		WHERE id = $1
	`,
		story.ID,
		string(story.Policy.Frequency),
		intervalSec,
		nullString(story.Policy.CronExpr),
		nullTime(story.Policy.StartDate),
		timezoneOrUTC(story.Policy.Timezone),
		story.NextReleaseAt,
	); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, ep := range episodes {
		batch.Queue(`
			INSERT INTO episodes (id, story_id, episode_index, status, scheduled_for, published_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (story_id, episode_index) DO UPDATE
			SET status = EXCLUDED.status, scheduled_for = EXCLUDED.scheduled_for
			WHERE episodes.status <> 'PUBLISHED'
		`, ep.ID, story.ID, ep.Index, ep.Status, ep.ScheduledFor, ep.PublishedAt)
	}
	for _, job := range jobs {
		batch.Queue(`
			INSERT INTO schedule_jobs (job_key, story_id, episode_index, status, scheduled_for,
			                           next_attempt_at, attempt_count, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
			ON CONFLICT (job_key) DO UPDATE
			SET status = EXCLUDED.status,
			    scheduled_for = EXCLUDED.scheduled_for,
			    next_attempt_at = EXCLUDED.next_attempt_at,
			    attempt_count = 0,
			    claim_id = NULL,
			    claimed_by = NULL,
			    started_at = NULL,
			    last_error = NULL,
			    updated_at = NOW()
		`, job.Key, story.ID, job.EpisodeIndex, job.Status, job.ScheduledFor.UTC(), job.NextAttemptAt.UTC())
	}
	return tx.SendBatch(ctx, batch).Close()
}

// CancelSchedule снимает расписание истории.
//
// Удаляет все неопубликованные задания, кроме выполняющихся, и возвращает
// их эпизоды в DRAFT. Возвращает ключи удалённых заданий.
func (r *StoryRepo) CancelSchedule(ctx context.Context, storyID string) ([]domain.JobKey, error) {
	var keys []domain.JobKey
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		keys = keys[:0]

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT TRUE FROM stories WHERE id = $1 FOR UPDATE`, storyID).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: story %s", ErrNotFound, storyID)
			}
			return err
		}

		rows, err := tx.Query(ctx, `
			DELETE FROM schedule_jobs
			WHERE story_id = $1 AND status NOT IN ('RUNNING', 'DONE')
			RETURNING job_key
		`, storyID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var key domain.JobKey
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, key)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE episodes
			SET status = 'DRAFT', scheduled_for = NULL
			WHERE story_id = $1
			  AND status <> 'PUBLISHED'
			  AND episode_index NOT IN (
			      SELECT episode_index FROM schedule_jobs
			      WHERE story_id = $1 AND status = 'RUNNING'
			  )
		`, storyID); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE stories
			SET is_serialized = FALSE, next_release_at = NULL, updated_at = NOW()
			WHERE id = $1
		`, storyID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel schedule: %w", err)
	}
	return keys, nil
}

// scanStory сканирует историю из строки.
func scanStory(row pgx.Row) (*domain.Story, error) {
	var story domain.Story
	var frequency, cronExpr *string
	var intervalSec *int64
	var startDate *time.Time

	err := row.Scan(
		&story.ID,
		&story.TotalEpisodes,
		&story.IsSerialized,
		&frequency,
		&intervalSec,
		&cronExpr,
		&startDate,
		&story.Policy.Timezone,
		&story.NextReleaseAt,
		&story.CreatedAt,
		&story.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan story: %w", err)
	}

	if frequency != nil {
		story.Policy.Frequency = domain.Frequency(*frequency)
	}
	if intervalSec != nil {
		story.Policy.Interval = time.Duration(*intervalSec) * time.Second
	}
	if cronExpr != nil {
		story.Policy.CronExpr = *cronExpr
	}
	if startDate != nil {
		story.Policy.StartDate = startDate.UTC()
	}
	story.NextReleaseAt = utcPtr(story.NextReleaseAt)
	story.CreatedAt = story.CreatedAt.UTC()
	story.UpdatedAt = story.UpdatedAt.UTC()
	return &story, nil
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}
