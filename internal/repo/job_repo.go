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

// JobRepo — репозиторий заданий на публикацию.
type JobRepo struct {
	base
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool, retry RetryConfig) *JobRepo {
	return &JobRepo{base: base{pool: pool, retry: retry}}
}

const jobColumns = `
	job_key, story_id, episode_index, status, scheduled_for, next_attempt_at,
	attempt_count, claim_id, claimed_by, started_at, last_error, updated_at
`

// PutJob создаёт или заменяет задание.
func (r *JobRepo) PutJob(ctx context.Context, job *domain.ScheduleJob) error {
	query := `
		INSERT INTO schedule_jobs (job_key, story_id, episode_index, status, scheduled_for,
		                           next_attempt_at, attempt_count, claim_id, claimed_by,
		                           started_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (job_key) DO UPDATE
		SET status = EXCLUDED.status,
		    scheduled_for = EXCLUDED.scheduled_for,
		    next_attempt_at = EXCLUDED.next_attempt_at,
		    attempt_count = EXCLUDED.attempt_count,
		    claim_id = EXCLUDED.claim_id,
		    claimed_by = EXCLUDED.claimed_by,
		    started_at = EXCLUDED.started_at,
		    last_error = EXCLUDED.last_error,
		    updated_at = NOW()
	`
	err := r.run(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query,
			job.Key,
			job.StoryID,
			job.EpisodeIndex,
			job.Status,
			job.ScheduledFor.UTC(),
			job.NextAttemptAt.UTC(),
			job.AttemptCount,
			job.ClaimID,
			nullString(job.ClaimedBy),
			job.StartedAt,
			nullString(job.LastError),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("put job %s: %w", job.Key, err)
	}
	return nil
}

// GetJob возвращает задание по ключу.
func (r *JobRepo) GetJob(ctx context.Context, key domain.JobKey) (*domain.ScheduleJob, error) {
	var job *domain.ScheduleJob
	err := r.run(ctx, func(ctx context.Context) error {
		var err error
		job, err = scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM schedule_jobs WHERE job_key = $1`, key))
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListPending возвращает задания, ожидающие запуска, по возрастанию next_attempt_at.
func (r *JobRepo) ListPending(ctx context.Context) ([]domain.ScheduleJob, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+`
		FROM schedule_jobs
		WHERE status IN ('PENDING', 'FAILED_RETRYING')
		ORDER BY next_attempt_at, job_key
	`)
}

// ListActive возвращает все нефинальные задания.
func (r *JobRepo) ListActive(ctx context.Context) ([]domain.ScheduleJob, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+`
		FROM schedule_jobs
		WHERE status IN ('PENDING', 'RUNNING', 'FAILED_RETRYING')
		ORDER BY next_attempt_at, job_key
	`)
}

// ListJobsByStory возвращает задания истории по возрастанию индекса.
func (r *JobRepo) ListJobsByStory(ctx context.Context, storyID string) ([]domain.ScheduleJob, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+`
		FROM schedule_jobs
		WHERE story_id = $1
		ORDER BY episode_index
	`, storyID)
}

func (r *JobRepo) list(ctx context.Context, query string, args ...any) ([]domain.ScheduleJob, error) {
	var jobs []domain.ScheduleJob
	err := r.run(ctx, func(ctx context.Context) error {
		jobs = jobs[:0]
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// MarkRunning захватывает задание одним условным UPDATE.
//
// Повторный вызов с тем же claim.ID (например, после потери ответа на COMMIT)
// возвращает true и не увеличивает attempt_count второй раз.
func (r *JobRepo) MarkRunning(ctx context.Context, key domain.JobKey, claim domain.Claim) (bool, error) {
	query := `
		UPDATE schedule_jobs
		SET status = 'RUNNING',
		    attempt_count = CASE WHEN status = 'RUNNING' THEN attempt_count ELSE attempt_count + 1 END,
		    claim_id = $2,
		    claimed_by = $3,
		    started_at = $4,
		    updated_at = NOW()
		WHERE job_key = $1
		  AND (
		        (status IN ('PENDING', 'FAILED_RETRYING') AND next_attempt_at <= $4)
		     OR (status = 'RUNNING' AND claim_id = $2)
		  )
	`
	var won bool
	err := r.run(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, query, key, claim.ID, nullString(claim.Owner), claim.At.UTC())
		if err != nil {
			return err
		}
		won = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark running %s: %w", key, err)
	}
	return won, nil
}

// lockedJob — строка задания, заблокированная FOR UPDATE.
type lockedJob struct {
	status       domain.JobStatus
	claimID      *uuid.UUID
	storyID      string
	episodeIndex int
	scheduledFor time.Time
	serialized   bool
}

func (l *lockedJob) ownedBy(claimID uuid.UUID) bool {
	return l.claimID != nil && *l.claimID == claimID
}

func lockJob(ctx context.Context, tx pgx.Tx, key domain.JobKey) (*lockedJob, error) {
	var l lockedJob
	err := tx.QueryRow(ctx, `
		SELECT j.status, j.claim_id, j.story_id, j.episode_index, j.scheduled_for, s.is_serialized
		FROM schedule_jobs j
		JOIN stories s ON s.id = j.story_id
		WHERE j.job_key = $1
		FOR UPDATE OF j
	`, key).Scan(&l.status, &l.claimID, &l.storyID, &l.episodeIndex, &l.scheduledFor, &l.serialized)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// MarkDone в одной транзакции завершает задание, публикует эпизод
// и пересчитывает next_release_at истории.
//
// Возвращает false, если захват потерян или эпизод уже был опубликован.
func (r *JobRepo) MarkDone(ctx context.Context, key domain.JobKey, claimID uuid.UUID, publishedAt time.Time) (bool, error) {
	var published bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		published = false
		l, err := lockJob(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if l.status == domain.JobStatusDone && l.ownedBy(claimID) {
			// транзакция уже закоммичена предыдущей попыткой
			published = true
			return nil
		}
		if l.status != domain.JobStatusRunning || !l.ownedBy(claimID) {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE schedule_jobs
			SET status = 'DONE', last_error = NULL, updated_at = NOW()
			WHERE job_key = $1
		`, key); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE episodes
			SET status = 'PUBLISHED', published_at = $3, scheduled_for = NULL
			WHERE story_id = $1 AND episode_index = $2 AND status <> 'PUBLISHED'
		`, l.storyID, l.episodeIndex, publishedAt.UTC())
		if err != nil {
			return err
		}
		published = tag.RowsAffected() == 1

		return recomputeNextRelease(ctx, tx, l.storyID)
	})
	if err != nil {
		return false, fmt.Errorf("mark done %s: %w", key, err)
	}
	return published, nil
}

// MarkFailed фиксирует неудачную попытку.
//
// Если расписание истории отменено, пока задание выполнялось,
// задание удаляется, а эпизод возвращается в DRAFT.
func (r *JobRepo) MarkFailed(ctx context.Context, key domain.JobKey, claimID uuid.UUID, failure domain.Failure) (bool, error) {
	var ok bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		ok = false
		l, err := lockJob(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if l.ownedBy(claimID) && (l.status == domain.JobStatusFailedRetrying || l.status == domain.JobStatusFailedTerminal) {
			ok = true
			return nil
		}
		if l.status != domain.JobStatusRunning || !l.ownedBy(claimID) {
			return nil
		}
		ok = true

		switch {
		case !l.serialized:
			if _, err := tx.Exec(ctx, `DELETE FROM schedule_jobs WHERE job_key = $1`, key); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE episodes
				SET status = 'DRAFT', scheduled_for = NULL
				WHERE story_id = $1 AND episode_index = $2 AND status <> 'PUBLISHED'
			`, l.storyID, l.episodeIndex); err != nil {
				return err
			}
			return recomputeNextRelease(ctx, tx, l.storyID)

		case failure.Terminal:
			if _, err := tx.Exec(ctx, `
				UPDATE schedule_jobs
				SET status = 'FAILED_TERMINAL', last_error = $2, updated_at = NOW()
				WHERE job_key = $1
			`, key, nullString(failure.Error)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE episodes
				SET status = 'FAILED', scheduled_for = NULL
				WHERE story_id = $1 AND episode_index = $2 AND status <> 'PUBLISHED'
			`, l.storyID, l.episodeIndex); err != nil {
				return err
			}
			return recomputeNextRelease(ctx, tx, l.storyID)

		default:
			_, err := tx.Exec(ctx, `
				UPDATE schedule_jobs
				SET status = 'FAILED_RETRYING', next_attempt_at = $2, last_error = $3, updated_at = NOW()
				WHERE job_key = $1
			`, key, failure.NextAttemptAt.UTC(), nullString(failure.Error))
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", key, err)
	}
	return ok, nil
}

// ResetOrphan возвращает зависшее RUNNING задание в PENDING.
func (r *JobRepo) ResetOrphan(ctx context.Context, key domain.JobKey, dueAt, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE schedule_jobs
		SET status = 'PENDING',
		    next_attempt_at = $2,
		    claim_id = NULL,
		    claimed_by = NULL,
		    started_at = NULL,
		    updated_at = NOW()
		WHERE job_key = $1 AND status = 'RUNNING' AND started_at <= $3
	`
	var reset bool
	err := r.run(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, query, key, dueAt.UTC(), staleBefore.UTC())
		if err != nil {
			return err
		}
		reset = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reset orphan %s: %w", key, err)
	}
	return reset, nil
}

// RemoveJob удаляет задание. Отсутствие задания не считается ошибкой.
func (r *JobRepo) RemoveJob(ctx context.Context, key domain.JobKey) error {
	err := r.run(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, `DELETE FROM schedule_jobs WHERE job_key = $1`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove job %s: %w", key, err)
	}
	return nil
}

// RequeueJob возвращает FAILED_TERMINAL задание в PENDING для ручного повтора.
func (r *JobRepo) RequeueJob(ctx context.Context, key domain.JobKey, dueAt time.Time) (*domain.ScheduleJob, error) {
	var job *domain.ScheduleJob
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		l, err := lockJob(ctx, tx, key)
		if err != nil {
			return err
		}
		if l.status != domain.JobStatusFailedTerminal {
			return fmt.Errorf("%w: job %s is %s", ErrInvalidState, key, l.status)
		}

		job, err = scanJob(tx.QueryRow(ctx, `
			UPDATE schedule_jobs
			SET status = 'PENDING',
			    attempt_count = 0,
			    next_attempt_at = $2,
			    claim_id = NULL,
			    claimed_by = NULL,
			    started_at = NULL,
			    last_error = NULL,
			    updated_at = NOW()
			WHERE job_key = $1
			RETURNING `+jobColumns, key, dueAt.UTC()))
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE episodes
			SET status = 'SCHEDULED', scheduled_for = $3
			WHERE story_id = $1 AND episode_index = $2 AND status = 'FAILED'
		`, l.storyID, l.episodeIndex, l.scheduledFor); err != nil {
			return err
		}
		return recomputeNextRelease(ctx, tx, l.storyID)
	})
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", key, err)
	}
	return job, nil
}

// Health возвращает сводку по заданиям всех историй.
func (r *JobRepo) Health(ctx context.Context) (*domain.Health, error) {
	var h *domain.Health
	err := r.run(ctx, func(ctx context.Context) error {
		h = &domain.Health{Counts: domain.JobCounts{}}
		for _, s := range domain.AllJobStatuses {
			h.Counts[s] = 0
		}

		rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM schedule_jobs GROUP BY status`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var status domain.JobStatus
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return err
			}
			h.Counts[status] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var next *time.Time
		if err := r.pool.QueryRow(ctx, `
			SELECT MIN(next_attempt_at) FROM schedule_jobs
			WHERE status IN ('PENDING', 'FAILED_RETRYING')
		`).Scan(&next); err != nil {
			return err
		}
		h.NextDueAt = utcPtr(next)

		rows, err = r.pool.Query(ctx, `
			SELECT job_key FROM schedule_jobs
			WHERE status = 'FAILED_TERMINAL'
			ORDER BY updated_at, job_key
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key domain.JobKey
			if err := rows.Scan(&key); err != nil {
				return err
			}
			h.Terminal = append(h.Terminal, key)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return h, nil
}

// scanJob сканирует задание из строки.
func scanJob(row pgx.Row) (*domain.ScheduleJob, error) {
	var job domain.ScheduleJob
	var claimedBy, lastError *string

	err := row.Scan(
		&job.Key,
		&job.StoryID,
		&job.EpisodeIndex,
		&job.Status,
		&job.ScheduledFor,
		&job.NextAttemptAt,
		&job.AttemptCount,
		&job.ClaimID,
		&claimedBy,
		&job.StartedAt,
		&lastError,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.ScheduledFor = job.ScheduledFor.UTC()
	job.NextAttemptAt = job.NextAttemptAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = utcPtr(job.StartedAt)
	if claimedBy != nil {
		job.ClaimedBy = *claimedBy
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	return &job, nil
}
