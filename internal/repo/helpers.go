package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// base — общее для репозиториев: пул и политика повторов.
type base struct {
	pool  *pgxpool.Pool
	retry RetryConfig
}

// run выполняет fn с классификацией ошибок и повтором временных.
func (b *base) run(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, b.retry, func(ctx context.Context) error {
		return classify(fn(ctx))
	})
}

// inTx выполняет fn в транзакции. Транзакция повторяется целиком.
func (b *base) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return b.run(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, b.pool, fn)
	})
}

// recomputeNextRelease пересчитывает stories.next_release_at.
func recomputeNextRelease(ctx context.Context, tx pgx.Tx, storyID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE stories
		SET next_release_at = (
		        SELECT MIN(scheduled_for) FROM episodes
		        WHERE story_id = $1 AND status = 'SCHEDULED'
		    ),
		    updated_at = NOW()
		WHERE id = $1
	`, storyID)
	return err
}

// isUniqueViolation проверяет нарушение уникальности (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullTime возвращает nil для нулевого времени.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// utcPtr приводит время из БД к UTC.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
