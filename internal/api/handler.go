package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/scheduler"
)

// Scheduler — операции над расписаниями (scheduler.Controller).
type Scheduler interface {
	RegisterStory(ctx context.Context, req scheduler.RegisterRequest) (*scheduler.ScheduleStatus, error)
	CreateSchedule(ctx context.Context, storyID string, policy domain.SchedulePolicy) (*scheduler.ScheduleStatus, error)
	CancelSchedule(ctx context.Context, storyID string) (*scheduler.CancelResult, error)
	GetScheduleStatus(ctx context.Context, storyID string) (*scheduler.ScheduleStatus, error)
	Health(ctx context.Context) (*scheduler.HealthReport, error)
	RetryJob(ctx context.Context, key domain.JobKey) (*domain.ScheduleJob, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	scheduler Scheduler
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Scheduler Scheduler
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		scheduler: cfg.Scheduler,
		logger:    logger.With("component", "api"),
	}
}
