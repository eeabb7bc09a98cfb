package repo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/repo"
)

// PGStoreSuite — интеграционные тесты PGStore на настоящем PostgreSQL.
type PGStoreSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	store     *repo.PGStore
	ctx       context.Context
}

func TestPGStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	suite.Run(t, new(PGStoreSuite))
}

func (s *PGStoreSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("serial"),
		postgres.WithUsername("serial"),
		postgres.WithPassword("serial"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		s.T().Skipf("postgres container unavailable: %v", err)
	}
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	s.pool, err = repo.NewPool(s.ctx, dsn, 10)
	require.NoError(s.T(), err)
	require.NoError(s.T(), repo.Migrate(s.pool))

	s.store = repo.NewPGStore(s.pool, repo.RetryConfig{Attempts: 3, BaseDelay: 10 * time.Millisecond})
}

func (s *PGStoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PGStoreSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE stories CASCADE`)
	require.NoError(s.T(), err)
}

var start = time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)

func (s *PGStoreSuite) seed(storyID string, n int) []domain.ScheduleJob {
	require.NoError(s.T(), s.store.CreateStory(s.ctx, &domain.Story{ID: storyID, TotalEpisodes: n, CreatedAt: start}))

	episodes, err := s.store.ListEpisodes(s.ctx, storyID)
	require.NoError(s.T(), err)
	require.Len(s.T(), episodes, n)

	jobs := make([]domain.ScheduleJob, n)
	for i := range episodes {
		at := start.AddDate(0, 0, 7*i)
		episodes[i].Schedule(at)
		jobs[i] = domain.NewScheduleJob(storyID, i, at)
	}
	story := &domain.Story{
		ID:            storyID,
		Policy:        domain.SchedulePolicy{Frequency: domain.FrequencyWeekly, StartDate: start, Timezone: "UTC"},
		NextReleaseAt: domain.NextRelease(episodes),
	}
	require.NoError(s.T(), s.store.CreateSchedule(s.ctx, story, episodes, jobs))
	return jobs
}

func (s *PGStoreSuite) TestCreateSchedule_PersistsPolicyAndJobs() {
	s.seed("story-1", 3)

	story, err := s.store.GetStory(s.ctx, "story-1")
	s.Require().NoError(err)
	s.True(story.IsSerialized)
	s.Equal(domain.FrequencyWeekly, story.Policy.Frequency)
	s.Require().NotNil(story.NextReleaseAt)
	s.True(story.NextReleaseAt.Equal(start))

	jobs, err := s.store.ListJobsByStory(s.ctx, "story-1")
	s.Require().NoError(err)
	s.Require().Len(jobs, 3)
	s.True(jobs[2].ScheduledFor.Equal(time.Date(2024, 2, 3, 9, 0, 0, 0, time.UTC)))

	err = s.store.CreateSchedule(s.ctx, &domain.Story{ID: "story-1"}, nil, nil)
	s.ErrorIs(err, repo.ErrActiveSchedule)
}

func (s *PGStoreSuite) TestCreateScheduledStory_Atomic() {
	episodes := []domain.Episode{
		{ID: uuid.New(), StoryID: "story-2", Index: 0, Status: domain.EpisodeStatusDraft},
		{ID: uuid.New(), StoryID: "story-2", Index: 1, Status: domain.EpisodeStatusDraft},
	}
	episodes[0].Schedule(start)
	episodes[1].Schedule(start.AddDate(0, 0, 7))
	story := &domain.Story{
		ID:            "story-2",
		TotalEpisodes: 2,
		CreatedAt:     start,
		Policy:        domain.SchedulePolicy{Frequency: domain.FrequencyWeekly, StartDate: start, Timezone: "UTC"},
		NextReleaseAt: domain.NextRelease(episodes),
	}

	// второе задание нарушает уникальность (story_id, episode_index): откатывается всё
	broken := []domain.ScheduleJob{
		domain.NewScheduleJob("story-2", 0, start),
		domain.NewScheduleJob("story-2", 0, start.AddDate(0, 0, 7)),
	}
	broken[1].Key = "story-2:dup"
	s.Require().Error(s.store.CreateScheduledStory(s.ctx, story, episodes, broken))

	_, err := s.store.GetStory(s.ctx, "story-2")
	s.ErrorIs(err, repo.ErrNotFound)

	jobs := []domain.ScheduleJob{
		domain.NewScheduleJob("story-2", 0, start),
		domain.NewScheduleJob("story-2", 1, start.AddDate(0, 0, 7)),
	}
	s.Require().NoError(s.store.CreateScheduledStory(s.ctx, story, episodes, jobs))

	got, err := s.store.GetStory(s.ctx, "story-2")
	s.Require().NoError(err)
	s.True(got.IsSerialized)
	s.Equal(domain.FrequencyWeekly, got.Policy.Frequency)

	stored, err := s.store.ListJobsByStory(s.ctx, "story-2")
	s.Require().NoError(err)
	s.Len(stored, 2)

	err = s.store.CreateScheduledStory(s.ctx, story, episodes, jobs)
	s.ErrorIs(err, repo.ErrAlreadyExists)
}

func (s *PGStoreSuite) TestMarkRunning_ConcurrentClaims() {
	jobs := s.seed("story-1", 1)
	key := jobs[0].Key

	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.store.MarkRunning(s.ctx, key, domain.NewClaim("inst", start))
			s.NoError(err)
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, winners)

	job, err := s.store.GetJob(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(domain.JobStatusRunning, job.Status)
	s.Equal(1, job.AttemptCount)
}

func (s *PGStoreSuite) TestMarkDone_Transaction() {
	jobs := s.seed("story-1", 2)
	claim := domain.NewClaim("inst", start)

	won, err := s.store.MarkRunning(s.ctx, jobs[0].Key, claim)
	s.Require().NoError(err)
	s.Require().True(won)

	published, err := s.store.MarkDone(s.ctx, jobs[0].Key, claim.ID, start)
	s.Require().NoError(err)
	s.True(published)

	// повтор с тем же захватом не публикует повторно, но подтверждает результат
	again, err := s.store.MarkDone(s.ctx, jobs[0].Key, claim.ID, start.Add(time.Minute))
	s.Require().NoError(err)
	s.True(again)

	eps, err := s.store.ListEpisodes(s.ctx, "story-1")
	s.Require().NoError(err)
	s.Equal(domain.EpisodeStatusPublished, eps[0].Status)
	s.Nil(eps[0].ScheduledFor)
	s.Require().NotNil(eps[0].PublishedAt)
	s.True(eps[0].PublishedAt.Equal(start))

	story, err := s.store.GetStory(s.ctx, "story-1")
	s.Require().NoError(err)
	s.Require().NotNil(story.NextReleaseAt)
	s.True(story.NextReleaseAt.Equal(start.AddDate(0, 0, 7)))
}

func (s *PGStoreSuite) TestMarkFailed_TerminalAndRequeue() {
	jobs := s.seed("story-1", 1)
	key := jobs[0].Key

	claim := domain.NewClaim("inst", start)
	_, err := s.store.MarkRunning(s.ctx, key, claim)
	s.Require().NoError(err)
	ok, err := s.store.MarkFailed(s.ctx, key, claim.ID, domain.Failure{Terminal: true, Error: "content missing"})
	s.Require().NoError(err)
	s.True(ok)

	h, err := s.store.Health(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, h.Counts[domain.JobStatusFailedTerminal])
	s.Equal([]domain.JobKey{key}, h.Terminal)
	s.Nil(h.NextDueAt)

	job, err := s.store.RequeueJob(s.ctx, key, start.Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(domain.JobStatusPending, job.Status)
	s.Equal(0, job.AttemptCount)

	eps, err := s.store.ListEpisodes(s.ctx, "story-1")
	s.Require().NoError(err)
	s.Equal(domain.EpisodeStatusScheduled, eps[0].Status)
}

func (s *PGStoreSuite) TestCancelSchedule_KeepsPublished() {
	jobs := s.seed("story-1", 3)

	claim := domain.NewClaim("inst", start)
	_, err := s.store.MarkRunning(s.ctx, jobs[0].Key, claim)
	s.Require().NoError(err)
	_, err = s.store.MarkDone(s.ctx, jobs[0].Key, claim.ID, start)
	s.Require().NoError(err)

	keys, err := s.store.CancelSchedule(s.ctx, "story-1")
	s.Require().NoError(err)
	s.ElementsMatch([]domain.JobKey{jobs[1].Key, jobs[2].Key}, keys)

	eps, err := s.store.ListEpisodes(s.ctx, "story-1")
	s.Require().NoError(err)
	s.Equal(domain.EpisodeStatusPublished, eps[0].Status)
	s.Equal(domain.EpisodeStatusDraft, eps[1].Status)
	s.Equal(domain.EpisodeStatusDraft, eps[2].Status)

	pending, err := s.store.ListPending(s.ctx)
	s.Require().NoError(err)
	s.Empty(pending)

	_, err = s.store.CancelSchedule(s.ctx, "missing")
	s.ErrorIs(err, repo.ErrNotFound)
}

func (s *PGStoreSuite) TestResetOrphan() {
	jobs := s.seed("story-1", 1)
	key := jobs[0].Key

	_, err := s.store.MarkRunning(s.ctx, key, domain.NewClaim("crashed", start))
	s.Require().NoError(err)

	active, err := s.store.ListActive(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(domain.JobStatusRunning, active[0].Status)

	reset, err := s.store.ResetOrphan(s.ctx, key, start.Add(time.Hour), start)
	s.Require().NoError(err)
	s.True(reset)

	job, err := s.store.GetJob(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(domain.JobStatusPending, job.Status)
	s.Nil(job.ClaimID)
}
