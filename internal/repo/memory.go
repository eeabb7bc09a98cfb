package repo

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Serial/internal/domain"
)

// MemoryStore — хранилище в памяти с той же семантикой, что и PGStore.
// Используется в тестах и при STORE_DRIVER=memory.
type MemoryStore struct {
	mu       sync.Mutex
	stories  map[string]*domain.Story
	episodes map[string][]domain.Episode
	jobs     map[domain.JobKey]*domain.ScheduleJob
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stories:  make(map[string]*domain.Story),
		episodes: make(map[string][]domain.Episode),
		jobs:     make(map[domain.JobKey]*domain.ScheduleJob),
	}
}

// PutJob создаёт или заменяет задание.
func (s *MemoryStore) PutJob(_ context.Context, job *domain.ScheduleJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stories[job.StoryID]; !ok {
		return fmt.Errorf("put job %s: %w: story %s", job.Key, ErrNotFound, job.StoryID)
	}
	cp := copyJob(job)
	cp.UpdatedAt = time.Now().UTC()
	s.jobs[job.Key] = cp
	return nil
}

// GetJob возвращает копию задания.
func (s *MemoryStore) GetJob(_ context.Context, key domain.JobKey) (*domain.ScheduleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

// ListPending возвращает PENDING и FAILED_RETRYING задания.
func (s *MemoryStore) ListPending(_ context.Context) ([]domain.ScheduleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterJobs(func(j *domain.ScheduleJob) bool { return j.Status.IsClaimable() }), nil
}

// ListActive возвращает все нефинальные задания.
func (s *MemoryStore) ListActive(_ context.Context) ([]domain.ScheduleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterJobs(func(j *domain.ScheduleJob) bool { return !j.Status.IsTerminal() }), nil
}

// ListJobsByStory возвращает задания истории по возрастанию индекса.
func (s *MemoryStore) ListJobsByStory(_ context.Context, storyID string) ([]domain.ScheduleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.filterJobs(func(j *domain.ScheduleJob) bool { return j.StoryID == storyID })
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].EpisodeIndex < jobs[b].EpisodeIndex })
	return jobs, nil
}

func (s *MemoryStore) filterJobs(keep func(*domain.ScheduleJob) bool) []domain.ScheduleJob {
	var out []domain.ScheduleJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].NextAttemptAt.Equal(out[b].NextAttemptAt) {
			return out[a].NextAttemptAt.Before(out[b].NextAttemptAt)
		}
		return out[a].Key < out[b].Key
	})
	return out
}

// MarkRunning захватывает задание, если оно ожидает запуска и срок наступил.
func (s *MemoryStore) MarkRunning(_ context.Context, key domain.JobKey, claim domain.Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return false, nil
	}
	if job.Status == domain.JobStatusRunning && owned(job, claim.ID) {
		return true, nil
	}
	if !job.IsDue(claim.At) {
		return false, nil
	}

	id := claim.ID
	at := claim.At.UTC()
	job.Status = domain.JobStatusRunning
	job.AttemptCount++
	job.ClaimID = &id
	job.ClaimedBy = claim.Owner
	job.StartedAt = &at
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MarkDone завершает задание и публикует эпизод.
func (s *MemoryStore) MarkDone(_ context.Context, key domain.JobKey, claimID uuid.UUID, publishedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok || !owned(job, claimID) {
		return false, nil
	}
	if job.Status == domain.JobStatusDone {
		return true, nil
	}
	if job.Status != domain.JobStatusRunning {
		return false, nil
	}

	job.Status = domain.JobStatusDone
	job.LastError = ""
	job.UpdatedAt = time.Now().UTC()

	published := false
	if ep := s.episode(job.StoryID, job.EpisodeIndex); ep != nil && !ep.IsPublished() {
		ep.Publish(publishedAt)
		published = true
	}
	s.recomputeNextRelease(job.StoryID)
	return published, nil
}

// MarkFailed фиксирует неудачную попытку.
func (s *MemoryStore) MarkFailed(_ context.Context, key domain.JobKey, claimID uuid.UUID, failure domain.Failure) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok || !owned(job, claimID) {
		return false, nil
	}
	if job.Status == domain.JobStatusFailedRetrying || job.Status == domain.JobStatusFailedTerminal {
		return true, nil
	}
	if job.Status != domain.JobStatusRunning {
		return false, nil
	}

	story := s.stories[job.StoryID]
	ep := s.episode(job.StoryID, job.EpisodeIndex)

	switch {
	case story == nil || !story.IsSerialized:
		delete(s.jobs, key)
		if ep != nil && !ep.IsPublished() {
			ep.Revert()
		}
		s.recomputeNextRelease(job.StoryID)

	case failure.Terminal:
		job.Status = domain.JobStatusFailedTerminal
		job.LastError = failure.Error
		job.UpdatedAt = time.Now().UTC()
		if ep != nil && !ep.IsPublished() {
			ep.Fail()
		}
		s.recomputeNextRelease(job.StoryID)

	default:
		job.Status = domain.JobStatusFailedRetrying
		job.NextAttemptAt = failure.NextAttemptAt.UTC()
		job.LastError = failure.Error
		job.UpdatedAt = time.Now().UTC()
	}
	return true, nil
}

// ResetOrphan возвращает RUNNING задание в PENDING, если оно захвачено не позже staleBefore.
func (s *MemoryStore) ResetOrphan(_ context.Context, key domain.JobKey, dueAt, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok || job.Status != domain.JobStatusRunning {
		return false, nil
	}
	if job.StartedAt != nil && job.StartedAt.After(staleBefore) {
		return false, nil
	}

	job.Status = domain.JobStatusPending
	job.NextAttemptAt = dueAt.UTC()
	job.ClaimID = nil
	job.ClaimedBy = ""
	job.StartedAt = nil
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

// RemoveJob удаляет задание.
func (s *MemoryStore) RemoveJob(_ context.Context, key domain.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, key)
	return nil
}

// CreateStory регистрирует историю с DRAFT эпизодами.
func (s *MemoryStore) CreateStory(_ context.Context, story *domain.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createStory(story)
}

// CreateScheduledStory атомарно регистрирует историю и её расписание.
func (s *MemoryStore) CreateScheduledStory(_ context.Context, story *domain.Story, episodes []domain.Episode, jobs []domain.ScheduleJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.createStory(story); err != nil {
		return err
	}
	s.applySchedule(story, episodes, jobs)
	return nil
}

func (s *MemoryStore) createStory(story *domain.Story) error {
	if _, ok := s.stories[story.ID]; ok {
		return fmt.Errorf("create story: %w: story %s", ErrAlreadyExists, story.ID)
	}

	cp := *story
	cp.IsSerialized = false
	cp.NextReleaseAt = nil
	cp.Policy = domain.SchedulePolicy{Timezone: timezoneOrUTC(story.Policy.Timezone)}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.stories[story.ID] = &cp

	episodes := make([]domain.Episode, story.TotalEpisodes)
	for i := range episodes {
		episodes[i] = domain.Episode{
			ID:      uuid.New(),
			StoryID: story.ID,
			Index:   i,
			Status:  domain.EpisodeStatusDraft,
		}
	}
	s.episodes[story.ID] = episodes
	return nil
}

// GetStory возвращает копию истории.
func (s *MemoryStore) GetStory(_ context.Context, storyID string) (*domain.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[storyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *story
	cp.NextReleaseAt = utcPtr(story.NextReleaseAt)
	return &cp, nil
}

// ListEpisodes возвращает копии эпизодов по возрастанию индекса.
func (s *MemoryStore) ListEpisodes(_ context.Context, storyID string) ([]domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.episodes[storyID]
	out := make([]domain.Episode, len(src))
	for i, ep := range src {
		ep.ScheduledFor = utcPtr(ep.ScheduledFor)
		ep.PublishedAt = utcPtr(ep.PublishedAt)
		out[i] = ep
	}
	return out, nil
}

// CreateSchedule атомарно сохраняет политику, эпизоды и задания.
func (s *MemoryStore) CreateSchedule(_ context.Context, story *domain.Story, episodes []domain.Episode, jobs []domain.ScheduleJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stories[story.ID]; !ok {
		return fmt.Errorf("create schedule: %w: story %s", ErrNotFound, story.ID)
	}
	for _, j := range s.jobs {
		if j.StoryID == story.ID && !j.Status.IsTerminal() {
			return fmt.Errorf("create schedule: %w: story %s", ErrActiveSchedule, story.ID)
		}
	}

	s.applySchedule(story, episodes, jobs)
	return nil
}

// applySchedule записывает политику, эпизоды и задания. Вызывается под s.mu.
func (s *MemoryStore) applySchedule(story *domain.Story, episodes []domain.Episode, jobs []domain.ScheduleJob) {
	stored := s.stories[story.ID]
	stored.IsSerialized = true
	stored.Policy = story.Policy
	stored.Policy.Timezone = timezoneOrUTC(story.Policy.Timezone)
	stored.NextReleaseAt = utcPtr(story.NextReleaseAt)
	stored.UpdatedAt = time.Now().UTC()

	current := s.episodes[story.ID]
	for _, ep := range episodes {
		ep.ScheduledFor = utcPtr(ep.ScheduledFor)
		ep.PublishedAt = utcPtr(ep.PublishedAt)

		i := slices.IndexFunc(current, func(e domain.Episode) bool { return e.Index == ep.Index })
		switch {
		case i < 0:
			ep.StoryID = story.ID
			current = append(current, ep)
		case !current[i].IsPublished():
			current[i].Status = ep.Status
			current[i].ScheduledFor = ep.ScheduledFor
		}
	}
	sort.Slice(current, func(a, b int) bool { return current[a].Index < current[b].Index })
	s.episodes[story.ID] = current

	for i := range jobs {
		cp := copyJob(&jobs[i])
		cp.StoryID = story.ID
		cp.AttemptCount = 0
		cp.ClaimID = nil
		cp.ClaimedBy = ""
		cp.StartedAt = nil
		cp.LastError = ""
		cp.UpdatedAt = time.Now().UTC()
		s.jobs[cp.Key] = cp
	}
}

// CancelSchedule снимает расписание истории.
func (s *MemoryStore) CancelSchedule(_ context.Context, storyID string) ([]domain.JobKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[storyID]
	if !ok {
		return nil, fmt.Errorf("cancel schedule: %w: story %s", ErrNotFound, storyID)
	}

	running := make(map[int]bool)
	var keys []domain.JobKey
	for key, j := range s.jobs {
		if j.StoryID != storyID {
			continue
		}
		switch j.Status {
		case domain.JobStatusRunning:
			running[j.EpisodeIndex] = true
		case domain.JobStatusDone:
		default:
			keys = append(keys, key)
			delete(s.jobs, key)
		}
	}
	slices.Sort(keys)

	eps := s.episodes[storyID]
	for i := range eps {
		if eps[i].IsPublished() || running[eps[i].Index] {
			continue
		}
		eps[i].Revert()
	}

	story.IsSerialized = false
	story.NextReleaseAt = nil
	story.UpdatedAt = time.Now().UTC()
	return keys, nil
}

// RequeueJob возвращает FAILED_TERMINAL задание в PENDING.
func (s *MemoryStore) RequeueJob(_ context.Context, key domain.JobKey, dueAt time.Time) (*domain.ScheduleJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return nil, fmt.Errorf("requeue job %s: %w", key, ErrNotFound)
	}
	if job.Status != domain.JobStatusFailedTerminal {
		return nil, fmt.Errorf("requeue job %s: %w: job is %s", key, ErrInvalidState, job.Status)
	}

	job.Status = domain.JobStatusPending
	job.AttemptCount = 0
	job.NextAttemptAt = dueAt.UTC()
	job.ClaimID = nil
	job.ClaimedBy = ""
	job.StartedAt = nil
	job.LastError = ""
	job.UpdatedAt = time.Now().UTC()

	if ep := s.episode(job.StoryID, job.EpisodeIndex); ep != nil && ep.Status == domain.EpisodeStatusFailed {
		ep.Schedule(job.ScheduledFor)
	}
	s.recomputeNextRelease(job.StoryID)
	return copyJob(job), nil
}

// Health возвращает сводку по заданиям.
func (s *MemoryStore) Health(_ context.Context) (*domain.Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &domain.Health{Counts: domain.JobCounts{}}
	for _, st := range domain.AllJobStatuses {
		h.Counts[st] = 0
	}

	var terminal []*domain.ScheduleJob
	for _, j := range s.jobs {
		h.Counts[j.Status]++
		if j.Status.IsClaimable() && (h.NextDueAt == nil || j.NextAttemptAt.Before(*h.NextDueAt)) {
			h.NextDueAt = utcPtr(&j.NextAttemptAt)
		}
		if j.Status == domain.JobStatusFailedTerminal {
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(a, b int) bool {
		if !terminal[a].UpdatedAt.Equal(terminal[b].UpdatedAt) {
			return terminal[a].UpdatedAt.Before(terminal[b].UpdatedAt)
		}
		return terminal[a].Key < terminal[b].Key
	})
	for _, j := range terminal {
		h.Terminal = append(h.Terminal, j.Key)
	}
	return h, nil
}

func (s *MemoryStore) episode(storyID string, index int) *domain.Episode {
	eps := s.episodes[storyID]
	for i := range eps {
		if eps[i].Index == index {
			return &eps[i]
		}
	}
	return nil
}

func (s *MemoryStore) recomputeNextRelease(storyID string) {
	story, ok := s.stories[storyID]
	if !ok {
		return
	}
	story.NextReleaseAt = domain.NextRelease(s.episodes[storyID])
	story.UpdatedAt = time.Now().UTC()
}

func owned(job *domain.ScheduleJob, claimID uuid.UUID) bool {
	return job.ClaimID != nil && *job.ClaimID == claimID
}

func copyJob(j *domain.ScheduleJob) *domain.ScheduleJob {
	cp := *j
	cp.ScheduledFor = j.ScheduledFor.UTC()
	cp.NextAttemptAt = j.NextAttemptAt.UTC()
	cp.StartedAt = utcPtr(j.StartedAt)
	if j.ClaimID != nil {
		id := *j.ClaimID
		cp.ClaimID = &id
	}
	return &cp
}
