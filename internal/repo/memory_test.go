package repo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Serial/internal/domain"
)

var t0 = time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)

// seedSchedule создаёт историю из n эпизодов с расписанием через день.
func seedSchedule(t *testing.T, s *MemoryStore, storyID string, n int) []domain.ScheduleJob {
	t.Helper()
	ctx := context.Background()

	if err := s.CreateStory(ctx, &domain.Story{ID: storyID, TotalEpisodes: n}); err != nil {
		t.Fatalf("create story: %v", err)
	}
	episodes, err := s.ListEpisodes(ctx, storyID)
	if err != nil {
		t.Fatalf("list episodes: %v", err)
	}

	jobs := make([]domain.ScheduleJob, n)
	for i := range episodes {
		at := t0.AddDate(0, 0, i)
		episodes[i].Schedule(at)
		jobs[i] = domain.NewScheduleJob(storyID, i, at)
	}
	story := &domain.Story{
		ID:            storyID,
		Policy:        domain.SchedulePolicy{Frequency: domain.FrequencyDaily, StartDate: t0},
		NextReleaseAt: domain.NextRelease(episodes),
	}
	if err := s.CreateSchedule(ctx, story, episodes, jobs); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return jobs
}

func TestMemoryStore_CreateStory_Duplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateStory(ctx, &domain.Story{ID: "s1", TotalEpisodes: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.CreateStory(ctx, &domain.Story{ID: "s1", TotalEpisodes: 2})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	eps, _ := s.ListEpisodes(ctx, "s1")
	if len(eps) != 2 {
		t.Fatalf("expected 2 episodes, got %d", len(eps))
	}
	for _, ep := range eps {
		if ep.Status != domain.EpisodeStatusDraft {
			t.Errorf("episode %d: expected DRAFT, got %s", ep.Index, ep.Status)
		}
	}
}

func TestMemoryStore_CreateSchedule_ActiveConflict(t *testing.T) {
	s := NewMemoryStore()
	jobs := seedSchedule(t, s, "s1", 2)

	err := s.CreateSchedule(context.Background(), &domain.Story{ID: "s1"}, nil, jobs)
	if !errors.Is(err, ErrActiveSchedule) {
		t.Errorf("expected ErrActiveSchedule, got %v", err)
	}
}

func TestMemoryStore_CreateSchedule_UnknownStory(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateSchedule(context.Background(), &domain.Story{ID: "ghost"}, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_MarkRunning_NotDue(t *testing.T) {
	s := NewMemoryStore()
	jobs := seedSchedule(t, s, "s1", 1)

	won, err := s.MarkRunning(context.Background(), jobs[0].Key, domain.NewClaim("a", t0.Add(-time.Second)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Error("job must not be claimed before it is due")
	}
}

func TestMemoryStore_MarkRunning_ExactlyOneWinner(t *testing.T) {
	s := NewMemoryStore()
	jobs := seedSchedule(t, s, "s1", 1)
	key := jobs[0].Key

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.MarkRunning(context.Background(), key, domain.NewClaim("inst", t0))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if won {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners.Load())
	}
	job, _ := s.GetJob(context.Background(), key)
	if job.AttemptCount != 1 {
		t.Errorf("expected attempt_count 1, got %d", job.AttemptCount)
	}
}

func TestMemoryStore_MarkRunning_SameClaimIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	jobs := seedSchedule(t, s, "s1", 1)
	claim := domain.NewClaim("inst", t0)

	for i := 0; i < 2; i++ {
		won, err := s.MarkRunning(context.Background(), jobs[0].Key, claim)
		if err != nil || !won {
			t.Fatalf("call %d: won=%v err=%v", i, won, err)
		}
	}
	job, _ := s.GetJob(context.Background(), jobs[0].Key)
	if job.AttemptCount != 1 {
		t.Errorf("expected attempt_count 1, got %d", job.AttemptCount)
	}
}

func TestMemoryStore_MarkDone_PublishesAndAdvancesNextRelease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	jobs := seedSchedule(t, s, "s1", 3)
	claim := domain.NewClaim("inst", t0)

	if won, _ := s.MarkRunning(ctx, jobs[0].Key, claim); !won {
		t.Fatal("expected to win claim")
	}
	published, err := s.MarkDone(ctx, jobs[0].Key, claim.ID, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !published {
		t.Fatal("expected episode to be published")
	}

	eps, _ := s.ListEpisodes(ctx, "s1")
	if eps[0].Status != domain.EpisodeStatusPublished || eps[0].ScheduledFor != nil || eps[0].PublishedAt == nil {
		t.Errorf("unexpected episode 0 state: %+v", eps[0])
	}

	story, _ := s.GetStory(ctx, "s1")
	if story.NextReleaseAt == nil || !story.NextReleaseAt.Equal(t0.AddDate(0, 0, 1)) {
		t.Errorf("expected next_release_at %s, got %v", t0.AddDate(0, 0, 1), story.NextReleaseAt)
	}

	// чужой захват
	if ok, _ := s.MarkDone(ctx, jobs[0].Key, uuid.New(), t0); ok {
		t.Error("MarkDone with foreign claim must return false")
	}
}

func TestMemoryStore_MarkFailed_RetryingThenTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	jobs := seedSchedule(t, s, "s1", 2)
	key := jobs[0].Key

	claim := domain.NewClaim("inst", t0)
	s.MarkRunning(ctx, key, claim)
	retryAt := t0.Add(time.Hour)
	if ok, err := s.MarkFailed(ctx, key, claim.ID, domain.Failure{NextAttemptAt: retryAt, Error: "not ready"}); !ok || err != nil {
		t.Fatalf("mark failed: ok=%v err=%v", ok, err)
	}

	job, _ := s.GetJob(ctx, key)
	if job.Status != domain.JobStatusFailedRetrying || !job.NextAttemptAt.Equal(retryAt) {
		t.Errorf("unexpected job after retryable failure: %+v", job)
	}

	// до next_attempt_at захватить нельзя
	if won, _ := s.MarkRunning(ctx, key, domain.NewClaim("inst", t0.Add(time.Minute))); won {
		t.Error("job must not be claimed before next_attempt_at")
	}

	claim = domain.NewClaim("inst", retryAt)
	if won, _ := s.MarkRunning(ctx, key, claim); !won {
		t.Fatal("expected to win second claim")
	}
	s.MarkFailed(ctx, key, claim.ID, domain.Failure{Terminal: true, Error: "gave up"})

	job, _ = s.GetJob(ctx, key)
	if job.Status != domain.JobStatusFailedTerminal || job.AttemptCount != 2 {
		t.Errorf("unexpected terminal job: %+v", job)
	}
	eps, _ := s.ListEpisodes(ctx, "s1")
	if eps[0].Status != domain.EpisodeStatusFailed || eps[0].ScheduledFor != nil {
		t.Errorf("expected FAILED episode without scheduled_for, got %+v", eps[0])
	}

	h, _ := s.Health(ctx)
	if h.Counts[domain.JobStatusFailedTerminal] != 1 || len(h.Terminal) != 1 || h.Terminal[0] != key {
		t.Errorf("health must report terminal job, got %+v", h)
	}
}

func TestMemoryStore_CancelSchedule(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	jobs := seedSchedule(t, s, "s1", 4)

	// эпизод 0 опубликован
	c0 := domain.NewClaim("inst", t0)
	s.MarkRunning(ctx, jobs[0].Key, c0)
	s.MarkDone(ctx, jobs[0].Key, c0.ID, t0)

	// эпизод 1 в FAILED_RETRYING
	c1 := domain.NewClaim("inst", t0.AddDate(0, 0, 1))
	s.MarkRunning(ctx, jobs[1].Key, c1)
	s.MarkFailed(ctx, jobs[1].Key, c1.ID, domain.Failure{NextAttemptAt: t0.AddDate(0, 0, 2)})

	// эпизод 2 выполняется
	c2 := domain.NewClaim("inst", t0.AddDate(0, 0, 2))
	s.MarkRunning(ctx, jobs[2].Key, c2)

	keys, err := s.CancelSchedule(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 || keys[0] != jobs[1].Key || keys[1] != jobs[3].Key {
		t.Errorf("expected cancelled keys [%s %s], got %v", jobs[1].Key, jobs[3].Key, keys)
	}

	eps, _ := s.ListEpisodes(ctx, "s1")
	want := []domain.EpisodeStatus{
		domain.EpisodeStatusPublished,
		domain.EpisodeStatusDraft,
		domain.EpisodeStatusScheduled,
		domain.EpisodeStatusDraft,
	}
	for i, st := range want {
		if eps[i].Status != st {
			t.Errorf("episode %d: expected %s, got %s", i, st, eps[i].Status)
		}
	}

	story, _ := s.GetStory(ctx, "s1")
	if story.IsSerialized || story.NextReleaseAt != nil {
		t.Errorf("story must be unserialized without next release, got %+v", story)
	}

	// выполнявшийся эпизод падает после отмены: задание удаляется, эпизод → DRAFT
	ok, err := s.MarkFailed(ctx, jobs[2].Key, c2.ID, domain.Failure{NextAttemptAt: t0.AddDate(0, 0, 3)})
	if !ok || err != nil {
		t.Fatalf("mark failed after cancel: ok=%v err=%v", ok, err)
	}
	if _, err := s.GetJob(ctx, jobs[2].Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected job removed, got %v", err)
	}
	eps, _ = s.ListEpisodes(ctx, "s1")
	if eps[2].Status != domain.EpisodeStatusDraft {
		t.Errorf("expected episode 2 DRAFT, got %s", eps[2].Status)
	}
}

func TestMemoryStore_ResetOrphan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	jobs := seedSchedule(t, s, "s1", 1)
	key := jobs[0].Key

	claim := domain.NewClaim("crashed", t0)
	s.MarkRunning(ctx, key, claim)

	// захват свежее staleBefore — не трогаем
	if ok, _ := s.ResetOrphan(ctx, key, t0, t0.Add(-time.Minute)); ok {
		t.Error("fresh claim must not be reset")
	}
	if ok, _ := s.ResetOrphan(ctx, key, t0.Add(time.Hour), t0); !ok {
		t.Fatal("expected orphan to be reset")
	}

	job, _ := s.GetJob(ctx, key)
	if job.Status != domain.JobStatusPending || job.ClaimID != nil || !job.NextAttemptAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("unexpected job after reset: %+v", job)
	}

	// завершение старым захватом невозможно
	if ok, _ := s.MarkDone(ctx, key, claim.ID, t0); ok {
		t.Error("stale claim must not complete the job")
	}
}

func TestMemoryStore_RequeueJob(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	jobs := seedSchedule(t, s, "s1", 1)
	key := jobs[0].Key

	if _, err := s.RequeueJob(ctx, key, t0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for pending job, got %v", err)
	}

	claim := domain.NewClaim("inst", t0)
	s.MarkRunning(ctx, key, claim)
	s.MarkFailed(ctx, key, claim.ID, domain.Failure{Terminal: true})

	due := t0.Add(48 * time.Hour)
	job, err := s.RequeueJob(ctx, key, due)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != domain.JobStatusPending || job.AttemptCount != 0 || !job.NextAttemptAt.Equal(due) {
		t.Errorf("unexpected requeued job: %+v", job)
	}

	eps, _ := s.ListEpisodes(ctx, "s1")
	if eps[0].Status != domain.EpisodeStatusScheduled {
		t.Errorf("expected episode SCHEDULED, got %s", eps[0].Status)
	}

	if _, err := s.RequeueJob(ctx, "s1:9", due); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListPendingOrder(t *testing.T) {
	s := NewMemoryStore()
	seedSchedule(t, s, "b", 2)
	seedSchedule(t, s, "a", 2)

	pending, err := s.ListPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("expected 4 pending jobs, got %d", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].NextAttemptAt.Before(pending[i-1].NextAttemptAt) {
			t.Errorf("pending jobs must be ordered by next_attempt_at")
		}
	}
	if pending[0].Key != "a:0" || pending[1].Key != "b:0" {
		t.Errorf("ties must be ordered by key, got %s, %s", pending[0].Key, pending[1].Key)
	}
}

func TestMemoryStore_CreateScheduledStory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	episodes := []domain.Episode{
		{ID: uuid.New(), StoryID: "s1", Index: 0, Status: domain.EpisodeStatusDraft},
		{ID: uuid.New(), StoryID: "s1", Index: 1, Status: domain.EpisodeStatusDraft},
	}
	episodes[0].Schedule(t0)
	episodes[1].Schedule(t0.AddDate(0, 0, 1))
	jobs := []domain.ScheduleJob{
		domain.NewScheduleJob("s1", 0, t0),
		domain.NewScheduleJob("s1", 1, t0.AddDate(0, 0, 1)),
	}
	story := &domain.Story{
		ID:            "s1",
		TotalEpisodes: 2,
		Policy:        domain.SchedulePolicy{Frequency: domain.FrequencyDaily, StartDate: t0},
		NextReleaseAt: domain.NextRelease(episodes),
	}

	if err := s.CreateScheduledStory(ctx, story, episodes, jobs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetStory(ctx, "s1")
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if !got.IsSerialized || got.Policy.Frequency != domain.FrequencyDaily {
		t.Errorf("schedule not stored with the story: %+v", got)
	}
	if got.NextReleaseAt == nil || !got.NextReleaseAt.Equal(t0) {
		t.Errorf("expected next_release_at %s, got %v", t0, got.NextReleaseAt)
	}

	eps, _ := s.ListEpisodes(ctx, "s1")
	for _, ep := range eps {
		if ep.Status != domain.EpisodeStatusScheduled {
			t.Errorf("episode %d: expected SCHEDULED, got %s", ep.Index, ep.Status)
		}
	}
	pending, _ := s.ListPending(ctx)
	if len(pending) != 2 {
		t.Errorf("expected 2 pending jobs, got %d", len(pending))
	}

	if err := s.CreateScheduledStory(ctx, story, episodes, jobs); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}
