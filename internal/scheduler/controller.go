package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/telemetry"
)

const defaultStartGrace = time.Minute

// Действия в событиях schedule.changed.
const (
	ChangeCreated   = "created"
	ChangeCancelled = "cancelled"
	ChangeRequeued  = "requeued"
)

// ChangePublisher рассылает остальным экземплярам событие об изменении расписания.
// Получатели перечитывают очередь из хранилища.
type ChangePublisher interface {
	PublishScheduleChanged(ctx context.Context, storyID, action string) error
}

// Controller — операции над расписаниями, доступные Story Management API.
type Controller struct {
	store      Store
	engine     *Engine
	changes    ChangePublisher
	startGrace time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// ControllerConfig — конфигурация Controller.
type ControllerConfig struct {
	Store  Store
	Engine *Engine

	// Changes — опционально; без него другие экземпляры узнают об изменениях
	// при периодической сверке.
	Changes ChangePublisher

	// StartGrace — насколько start_date может быть в прошлом (default: 1m).
	StartGrace time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// NewController создаёт новый Controller.
func NewController(cfg ControllerConfig) *Controller {
	grace := cfg.StartGrace
	if grace <= 0 {
		grace = defaultStartGrace
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		store:      cfg.Store,
		engine:     cfg.Engine,
		changes:    cfg.Changes,
		startGrace: grace,
		logger:     logger.With("component", "controller"),
		now:        now,
	}
}

// RegisterRequest — регистрация истории.
type RegisterRequest struct {
	StoryID       string
	TotalEpisodes int

	// Schedule — опционально: сразу создать расписание.
	Schedule *domain.SchedulePolicy
}

// EpisodeState — эпизод вместе с состоянием его задания.
type EpisodeState struct {
	domain.Episode
	Job *domain.ScheduleJob `json:"job,omitempty"`
}

// ScheduleStatus — состояние расписания истории.
type ScheduleStatus struct {
	Story     domain.Story   `json:"story"`
	Episodes  []EpisodeState `json:"episodes"`
	Published int            `json:"published"`
	Total     int            `json:"total"`
}

// CancelResult — итог отмены расписания.
type CancelResult struct {
	StoryID   string          `json:"story_id"`
	Cancelled int             `json:"cancelled"`
	Keys      []domain.JobKey `json:"keys"`
}

// HealthReport — состояние планировщика.
type HealthReport struct {
	domain.Health

	// QueueLength — заданий в очереди этого экземпляра.
	QueueLength int `json:"queue_length"`

	// QueueNextDue — ближайший срок в очереди этого экземпляра.
	QueueNextDue *time.Time `json:"queue_next_due,omitempty"`
}

// RegisterStory регистрирует историю с DRAFT эпизодами.
// Если передано расписание, история и расписание сохраняются одной транзакцией.
func (c *Controller) RegisterStory(ctx context.Context, req RegisterRequest) (*ScheduleStatus, error) {
	id := strings.TrimSpace(req.StoryID)
	if id == "" {
		return nil, fmt.Errorf("%w: story id is required", ErrInvalidSchedule)
	}
	if req.TotalEpisodes <= 0 {
		return nil, fmt.Errorf("%w: total_episodes must be positive", ErrInvalidSchedule)
	}

	story := &domain.Story{
		ID:            id,
		TotalEpisodes: req.TotalEpisodes,
		CreatedAt:     c.now().UTC(),
	}
	logger := telemetry.WithStoryID(c.logger, id)

	if req.Schedule == nil {
		if err := c.store.CreateStory(ctx, story); err != nil {
			return nil, err
		}
		logger.Info("story registered", "total_episodes", req.TotalEpisodes)
		return c.GetScheduleStatus(ctx, id)
	}

	if err := c.validateStart(*req.Schedule); err != nil {
		return nil, err
	}
	story.Policy.Timezone = req.Schedule.Timezone

	episodes := make([]domain.Episode, req.TotalEpisodes)
	for i := range episodes {
		episodes[i] = domain.Episode{
			ID:      uuid.New(),
			StoryID: id,
			Index:   i,
			Status:  domain.EpisodeStatusDraft,
		}
	}

	plan, err := planSchedule(story, episodes, *req.Schedule)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateScheduledStory(ctx, plan.story, plan.episodes, plan.jobs); err != nil {
		return nil, err
	}

	logger.Info("story registered", "total_episodes", req.TotalEpisodes)
	c.activate(ctx, plan)
	return c.GetScheduleStatus(ctx, id)
}

// CreateSchedule создаёт расписание выпуска неопубликованных эпизодов.
//
// k-й неопубликованный эпизод (по возрастанию индекса) выходит в момент
// ComputeReleaseTime(start, policy, k). Эпизоды, опубликованные ранее,
// не трогаются.
func (c *Controller) CreateSchedule(ctx context.Context, storyID string, policy domain.SchedulePolicy) (*ScheduleStatus, error) {
	story, err := c.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("get story %s: %w", storyID, err)
	}
	if err := c.validateStart(policy); err != nil {
		return nil, err
	}

	jobs, err := c.store.ListJobsByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if domain.HasActiveJobs(jobs) {
		return nil, fmt.Errorf("%w: %w: story %s", ErrInvalidSchedule, ErrActiveSchedule, storyID)
	}

	episodes, err := c.store.ListEpisodes(ctx, storyID)
	if err != nil {
		return nil, err
	}

	plan, err := planSchedule(story, episodes, policy)
	if err != nil {
		return nil, err
	}

	if err := c.store.CreateSchedule(ctx, plan.story, plan.episodes, plan.jobs); err != nil {
		if errors.Is(err, ErrActiveSchedule) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
		return nil, err
	}

	c.activate(ctx, plan)
	return c.GetScheduleStatus(ctx, storyID)
}

// schedulePlan — рассчитанное, но ещё не сохранённое расписание.
type schedulePlan struct {
	story    *domain.Story
	episodes []domain.Episode
	jobs     []domain.ScheduleJob
	first    time.Time
}

// planSchedule назначает неопубликованным эпизодам моменты выхода.
func planSchedule(story *domain.Story, episodes []domain.Episode, policy domain.SchedulePolicy) (*schedulePlan, error) {
	var schedulable []int
	for i := range episodes {
		if !episodes[i].IsPublished() {
			schedulable = append(schedulable, i)
		}
	}
	if len(schedulable) == 0 {
		return nil, fmt.Errorf("%w: story %s has no unpublished episodes", ErrInvalidSchedule, story.ID)
	}

	times, err := ReleaseTimes(policy.StartDate, policy, len(schedulable))
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.ScheduleJob, 0, len(schedulable))
	for k, i := range schedulable {
		episodes[i].Schedule(times[k])
		jobs = append(jobs, domain.NewScheduleJob(story.ID, episodes[i].Index, times[k]))
	}

	story.Policy = policy
	story.Policy.StartDate = policy.StartDate.UTC()
	story.NextReleaseAt = domain.NextRelease(episodes)

	return &schedulePlan{story: story, episodes: episodes, jobs: jobs, first: times[0]}, nil
}

// activate ставит сохранённые задания в очередь и оповещает остальные экземпляры.
func (c *Controller) activate(ctx context.Context, plan *schedulePlan) {
	for i := range plan.jobs {
		c.engine.Schedule(plan.jobs[i])
	}
	c.publishChange(ctx, plan.story.ID, ChangeCreated)

	telemetry.WithStoryID(c.logger, plan.story.ID).Info("schedule created",
		"frequency", plan.story.Policy.Frequency,
		"timezone", plan.story.Policy.Timezone,
		"episodes", len(plan.jobs),
		"first_release", plan.first,
	)
}

// CancelSchedule снимает расписание истории.
//
// Выполняющиеся задания не отменяются: они завершатся или упадут сами.
func (c *Controller) CancelSchedule(ctx context.Context, storyID string) (*CancelResult, error) {
	story, err := c.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("get story %s: %w", storyID, err)
	}
	if !story.IsSerialized {
		return nil, fmt.Errorf("%w: story %s has no active schedule", ErrNotFound, storyID)
	}

	keys, err := c.store.CancelSchedule(ctx, storyID)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		c.engine.Remove(key)
	}
	c.publishChange(ctx, storyID, ChangeCancelled)

	telemetry.WithStoryID(c.logger, storyID).Info("schedule cancelled", "cancelled_jobs", len(keys))

	return &CancelResult{StoryID: storyID, Cancelled: len(keys), Keys: keys}, nil
}

// GetScheduleStatus возвращает состояние расписания истории. Только чтение.
func (c *Controller) GetScheduleStatus(ctx context.Context, storyID string) (*ScheduleStatus, error) {
	story, err := c.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("get story %s: %w", storyID, err)
	}

	episodes, err := c.store.ListEpisodes(ctx, storyID)
	if err != nil {
		return nil, err
	}
	jobs, err := c.store.ListJobsByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}

	byIndex := make(map[int]*domain.ScheduleJob, len(jobs))
	for i := range jobs {
		byIndex[jobs[i].EpisodeIndex] = &jobs[i]
	}

	status := &ScheduleStatus{
		Story:    *story,
		Episodes: make([]EpisodeState, 0, len(episodes)),
		Total:    story.TotalEpisodes,
	}
	for _, ep := range episodes {
		if ep.IsPublished() {
			status.Published++
		}
		status.Episodes = append(status.Episodes, EpisodeState{Episode: ep, Job: byIndex[ep.Index]})
	}
	return status, nil
}

// Health возвращает сводку по заданиям всех историй.
func (c *Controller) Health(ctx context.Context) (*HealthReport, error) {
	h, err := c.store.Health(ctx)
	if err != nil {
		return nil, err
	}
	return &HealthReport{
		Health:       *h,
		QueueLength:  c.engine.Len(),
		QueueNextDue: c.engine.NextDue(),
	}, nil
}

// RetryJob возвращает FAILED_TERMINAL задание в работу со сроком now.
func (c *Controller) RetryJob(ctx context.Context, key domain.JobKey) (*domain.ScheduleJob, error) {
	storyID, _, err := key.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	job, err := c.store.RequeueJob(ctx, key, c.now().UTC())
	if err != nil {
		return nil, err
	}

	c.engine.Schedule(*job)
	c.publishChange(ctx, storyID, ChangeRequeued)

	telemetry.WithJobKey(c.logger, key.String(), job.StoryID, job.EpisodeIndex).Info("terminal job requeued by operator")
	return job, nil
}

// validateStart проверяет политику и дату старта.
func (c *Controller) validateStart(policy domain.SchedulePolicy) error {
	if err := ValidatePolicy(policy); err != nil {
		return err
	}
	if policy.StartDate.IsZero() {
		return fmt.Errorf("%w: start_date is required", ErrInvalidSchedule)
	}
	if policy.StartDate.Before(c.now().Add(-c.startGrace)) {
		return fmt.Errorf("%w: start_date %s is in the past", ErrInvalidSchedule, policy.StartDate.UTC().Format(time.RFC3339))
	}
	return nil
}

func (c *Controller) publishChange(ctx context.Context, storyID, action string) {
	if c.changes == nil {
		return
	}
	if err := c.changes.PublishScheduleChanged(ctx, storyID, action); err != nil {
		c.logger.Warn("failed to publish schedule change",
			"story_id", storyID,
			"action", action,
			"error", err,
		)
	}
}
