package repo

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore — хранилище планировщика на PostgreSQL.
type PGStore struct {
	*JobRepo
	*StoryRepo
}

// NewPGStore создаёт хранилище поверх пула.
func NewPGStore(pool *pgxpool.Pool, retry RetryConfig) *PGStore {
	return &PGStore{
		JobRepo:   NewJobRepo(pool, retry),
		StoryRepo: NewStoryRepo(pool, retry),
	}
}
