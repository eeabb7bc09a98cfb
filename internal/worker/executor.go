package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/scheduler"
	"github.com/shaiso/Serial/internal/telemetry"
)

// Default configuration values.
const (
	defaultContentTimeout  = 30 * time.Second
	defaultNotifyTimeout   = 10 * time.Second
	defaultStoreRetryDelay = 10 * time.Second
)

// Executor публикует эпизоды. Реализует scheduler.Executor.
//
// Порядок выполнения захваченного задания:
//  1. получить контент эпизода (с таймаутом)
//  2. MarkDone — публикация эпизода и завершение задания одной транзакцией
//  3. уведомление подписчиков (best-effort)
//
// Ошибка контента фиксируется через MarkFailed: повтор по RetryPolicy
// или FAILED_TERMINAL с алертом оператору.
type Executor struct {
	store    scheduler.JobStore
	content  ContentProvider
	notifier Notifier
	alerts   AlertSink
	policy   RetryPolicy

	contentTimeout  time.Duration
	notifyTimeout   time.Duration
	storeRetryDelay time.Duration

	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// ExecutorConfig — конфигурация Executor.
type ExecutorConfig struct {
	Store    scheduler.JobStore
	Content  ContentProvider
	Notifier Notifier  // nil — уведомления только в лог
	Alerts   AlertSink // nil — алерты только в лог
	Policy   RetryPolicy

	ContentTimeout  time.Duration // default: 30s
	NotifyTimeout   time.Duration // default: 10s
	StoreRetryDelay time.Duration // повтор после ошибки хранилища (default: 10s)

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewExecutor создаёт новый Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		store:           cfg.Store,
		content:         cfg.Content,
		notifier:        cfg.Notifier,
		alerts:          cfg.Alerts,
		policy:          cfg.Policy.withDefaults(),
		contentTimeout:  cfg.ContentTimeout,
		notifyTimeout:   cfg.NotifyTimeout,
		storeRetryDelay: cfg.StoreRetryDelay,
		metrics:         cfg.Metrics,
		logger:          logger.With("component", "executor"),
		now:             cfg.Now,
	}

	if e.content == nil {
		e.content = NewPlaceholderContentProvider()
	}
	if e.notifier == nil || e.alerts == nil {
		ln := NewLogNotifier(logger)
		if e.notifier == nil {
			e.notifier = ln
		}
		if e.alerts == nil {
			e.alerts = ln
		}
	}
	if e.contentTimeout <= 0 {
		e.contentTimeout = defaultContentTimeout
	}
	if e.notifyTimeout <= 0 {
		e.notifyTimeout = defaultNotifyTimeout
	}
	if e.storeRetryDelay <= 0 {
		e.storeRetryDelay = defaultStoreRetryDelay
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Policy возвращает политику повторов с заполненными значениями по умолчанию.
func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Execute выполняет захваченное задание.
func (e *Executor) Execute(ctx context.Context, job *domain.ScheduleJob, claim domain.Claim) scheduler.Outcome {
	logger := telemetry.WithJobKey(e.logger, job.Key.String(), job.StoryID, job.EpisodeIndex).
		With("attempt", job.AttemptCount)

	fetchCtx, cancel := context.WithTimeout(ctx, e.contentTimeout)
	content, err := e.content.GetContent(fetchCtx, job.StoryID, job.EpisodeIndex)
	cancel()
	if err != nil {
		return e.fail(ctx, logger, job, claim, err)
	}

	publishedAt := e.now().UTC()
	ok, err := e.store.MarkDone(ctx, job.Key, claim.ID, publishedAt)
	if err != nil {
		logger.Error("failed to record publication", "error", err)
		e.metrics.Failed("store_error")
		return scheduler.Outcome{Status: scheduler.OutcomeDeferred, RetryAt: e.now().Add(e.storeRetryDelay)}
	}
	if !ok {
		logger.Warn("claim lost before publication was recorded")
		e.metrics.ClaimLost()
		return scheduler.Outcome{Status: scheduler.OutcomeLost}
	}

	e.metrics.Published(publishedAt.Sub(job.ScheduledFor).Seconds())
	logger.Info("episode published", "scheduled_for", job.ScheduledFor, "published_at", publishedAt)

	e.notify(ctx, logger, Publication{
		StoryID:      job.StoryID,
		EpisodeIndex: job.EpisodeIndex,
		PublishedAt:  publishedAt,
		Content:      content,
	})

	return scheduler.Outcome{Status: scheduler.OutcomeDone}
}

// fail записывает неудачную попытку.
func (e *Executor) fail(ctx context.Context, logger *slog.Logger, job *domain.ScheduleJob, claim domain.Claim, cause error) scheduler.Outcome {
	e.metrics.Failed(failureKind(cause))

	now := e.now().UTC()
	failure := domain.Failure{Error: truncate(cause.Error(), 1000)}
	if e.policy.Exhausted(job.AttemptCount) {
		failure.Terminal = true
		failure.Error = fmt.Errorf("%w after %d attempts: %w", ErrPublicationFailed, job.AttemptCount, cause).Error()
	} else {
		failure.NextAttemptAt = now.Add(e.policy.NextDelay(job.AttemptCount))
	}

	ok, err := e.store.MarkFailed(ctx, job.Key, claim.ID, failure)
	if err != nil {
		logger.Error("failed to record failed attempt", "error", err, "cause", cause)
		return scheduler.Outcome{Status: scheduler.OutcomeDeferred, RetryAt: now.Add(e.storeRetryDelay)}
	}
	if !ok {
		logger.Warn("claim lost before failure was recorded", "cause", cause)
		e.metrics.ClaimLost()
		return scheduler.Outcome{Status: scheduler.OutcomeLost}
	}

	if !failure.Terminal {
		logger.Warn("publication attempt failed, will retry",
			"error", cause,
			"next_attempt_at", failure.NextAttemptAt,
		)
		return scheduler.Outcome{Status: scheduler.OutcomeRetry, RetryAt: failure.NextAttemptAt}
	}

	logger.Error("publication failed permanently", "error", cause, "attempts", job.AttemptCount)
	e.metrics.FailedTerminal()

	alertCtx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
	defer cancel()
	alert := Alert{
		JobKey:       job.Key.String(),
		StoryID:      job.StoryID,
		EpisodeIndex: job.EpisodeIndex,
		Attempts:     job.AttemptCount,
		Err:          cause,
		FailedAt:     now,
	}
	if err := e.alerts.Alert(alertCtx, alert); err != nil {
		logger.Error("failed to send alert", "error", err)
	}

	return scheduler.Outcome{Status: scheduler.OutcomeTerminal}
}

// notify отправляет уведомление. Ошибка не влияет на результат публикации.
func (e *Executor) notify(ctx context.Context, logger *slog.Logger, p Publication) {
	notifyCtx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
	defer cancel()

	if err := e.notifier.Notify(notifyCtx, p); err != nil {
		e.metrics.NotificationFailed()
		logger.Warn("failed to notify subscribers", "error", err)
	}
}

// failureKind — метка причины для метрики.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrContentNotReady):
		return "content_not_ready"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrContentFetch):
		return "content_fetch"
	default:
		return "unknown"
	}
}
