package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/repo"
	"github.com/shaiso/Serial/internal/scheduler"
	"github.com/shaiso/Serial/internal/telemetry"
)

var t0 = time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)

// recorder запоминает уведомления и алерты.
type recorder struct {
	mu           sync.Mutex
	publications []Publication
	alerts       []Alert
	notifyErr    error
}

func (r *recorder) Notify(_ context.Context, p Publication) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publications = append(r.publications, p)
	return r.notifyErr
}

func (r *recorder) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

// failingDone — хранилище, у которого MarkDone не доходит до БД.
type failingDone struct {
	*repo.MemoryStore
}

func (failingDone) MarkDone(context.Context, domain.JobKey, uuid.UUID, time.Time) (bool, error) {
	return false, repo.ErrTransient
}

// seedClaimed создаёт историю из одного эпизода и захватывает его задание.
func seedClaimed(t *testing.T, store *repo.MemoryStore) (*domain.ScheduleJob, domain.Claim) {
	t.Helper()
	ctx := context.Background()

	if err := store.CreateStory(ctx, &domain.Story{ID: "s1", TotalEpisodes: 1}); err != nil {
		t.Fatalf("create story: %v", err)
	}
	eps, _ := store.ListEpisodes(ctx, "s1")
	eps[0].Schedule(t0)
	job := domain.NewScheduleJob("s1", 0, t0)
	story := &domain.Story{ID: "s1", Policy: domain.SchedulePolicy{Frequency: domain.FrequencyDaily, StartDate: t0}}
	if err := store.CreateSchedule(ctx, story, eps, []domain.ScheduleJob{job}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	return claim(t, store, job.Key, t0)
}

func claim(t *testing.T, store *repo.MemoryStore, key domain.JobKey, at time.Time) (*domain.ScheduleJob, domain.Claim) {
	t.Helper()
	c := domain.NewClaim("test", at)
	won, err := store.MarkRunning(context.Background(), key, c)
	if err != nil || !won {
		t.Fatalf("claim %s: won=%v err=%v", key, won, err)
	}
	job, err := store.GetJob(context.Background(), key)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job, c
}

func newTestExecutor(store scheduler.JobStore, content ContentProvider, rec *recorder, now time.Time) *Executor {
	return NewExecutor(ExecutorConfig{
		Store:    store,
		Content:  content,
		Notifier: rec,
		Alerts:   rec,
		Policy:   RetryPolicy{Delay: time.Hour, MaxAttempts: 2},
		Now:      func() time.Time { return now },
	})
}

func TestExecutor_Publishes(t *testing.T) {
	store := repo.NewMemoryStore()
	job, c := seedClaimed(t, store)

	content := NewStaticContentProvider()
	content.Set("s1", 0, "Pilot")
	rec := &recorder{}
	reg := prometheus.NewRegistry()

	exec := newTestExecutor(store, content, rec, t0.Add(time.Second))
	exec.metrics = telemetry.NewMetrics(reg)

	out := exec.Execute(context.Background(), job, c)
	if out.Status != scheduler.OutcomeDone {
		t.Fatalf("expected done, got %s", out.Status)
	}

	got, _ := store.GetJob(context.Background(), job.Key)
	if got.Status != domain.JobStatusDone {
		t.Errorf("expected DONE, got %s", got.Status)
	}
	eps, _ := store.ListEpisodes(context.Background(), "s1")
	if eps[0].Status != domain.EpisodeStatusPublished {
		t.Errorf("expected PUBLISHED, got %s", eps[0].Status)
	}

	if len(rec.publications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(rec.publications))
	}
	if rec.publications[0].Content != "Pilot" {
		t.Errorf("unexpected notification content %q", rec.publications[0].Content)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var published float64
	for _, mf := range families {
		if mf.GetName() == "serial_publications_total" {
			published = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if published != 1 {
		t.Errorf("expected serial_publications_total=1, got %v", published)
	}
}

func TestExecutor_NotifyFailureDoesNotRollBack(t *testing.T) {
	store := repo.NewMemoryStore()
	job, c := seedClaimed(t, store)
	rec := &recorder{notifyErr: ErrNotifyFailed}

	out := newTestExecutor(store, NewPlaceholderContentProvider(), rec, t0).Execute(context.Background(), job, c)
	if out.Status != scheduler.OutcomeDone {
		t.Fatalf("expected done, got %s", out.Status)
	}
	eps, _ := store.ListEpisodes(context.Background(), "s1")
	if eps[0].Status != domain.EpisodeStatusPublished {
		t.Errorf("notification failure must not revert publication, got %s", eps[0].Status)
	}
}

func TestExecutor_RetryThenTerminal(t *testing.T) {
	store := repo.NewMemoryStore()
	job, c := seedClaimed(t, store)
	rec := &recorder{}
	ctx := context.Background()

	exec := newTestExecutor(store, NewStaticContentProvider(), rec, t0)

	// попытка 1 из 2 — повтор через час
	out := exec.Execute(ctx, job, c)
	if out.Status != scheduler.OutcomeRetry {
		t.Fatalf("expected retry, got %s", out.Status)
	}
	if !out.RetryAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected retry at %s, got %s", t0.Add(time.Hour), out.RetryAt)
	}
	got, _ := store.GetJob(ctx, job.Key)
	if got.Status != domain.JobStatusFailedRetrying {
		t.Errorf("expected FAILED_RETRYING, got %s", got.Status)
	}

	// попытка 2 из 2 — окончательная неудача
	job, c = claim(t, store, job.Key, t0.Add(time.Hour))
	exec.now = func() time.Time { return t0.Add(time.Hour) }
	out = exec.Execute(ctx, job, c)
	if out.Status != scheduler.OutcomeTerminal {
		t.Fatalf("expected terminal, got %s", out.Status)
	}

	got, _ = store.GetJob(ctx, job.Key)
	if got.Status != domain.JobStatusFailedTerminal {
		t.Errorf("expected FAILED_TERMINAL, got %s", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Errorf("expected 2 attempts, got %d", got.AttemptCount)
	}
	eps, _ := store.ListEpisodes(ctx, "s1")
	if eps[0].Status != domain.EpisodeStatusFailed {
		t.Errorf("expected episode FAILED, got %s", eps[0].Status)
	}

	if len(rec.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(rec.alerts))
	}
	if !errors.Is(rec.alerts[0].Err, ErrContentNotReady) {
		t.Errorf("alert should carry the cause, got %v", rec.alerts[0].Err)
	}
	if len(rec.publications) != 0 {
		t.Errorf("expected no notifications, got %d", len(rec.publications))
	}
}

func TestExecutor_StoreErrorDefers(t *testing.T) {
	mem := repo.NewMemoryStore()
	job, c := seedClaimed(t, mem)
	rec := &recorder{}

	exec := newTestExecutor(failingDone{mem}, NewPlaceholderContentProvider(), rec, t0)
	exec.storeRetryDelay = time.Minute

	out := exec.Execute(context.Background(), job, c)
	if out.Status != scheduler.OutcomeDeferred {
		t.Fatalf("expected deferred, got %s", out.Status)
	}
	if !out.RetryAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("expected retry at +1m, got %s", out.RetryAt)
	}
	if len(rec.publications) != 0 {
		t.Error("nothing must be notified when publication was not recorded")
	}
}

func TestExecutor_LostClaim(t *testing.T) {
	store := repo.NewMemoryStore()
	job, _ := seedClaimed(t, store)
	rec := &recorder{}

	stale := domain.NewClaim("other", t0)
	out := newTestExecutor(store, NewPlaceholderContentProvider(), rec, t0).Execute(context.Background(), job, stale)
	if out.Status != scheduler.OutcomeLost {
		t.Fatalf("expected lost, got %s", out.Status)
	}
	if len(rec.publications) != 0 {
		t.Error("lost claim must not notify")
	}
}

func TestExecutor_ContentTimeout(t *testing.T) {
	store := repo.NewMemoryStore()
	job, c := seedClaimed(t, store)

	slow := contentFunc(func(ctx context.Context, _ string, _ int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	exec := newTestExecutor(store, slow, &recorder{}, t0)
	exec.contentTimeout = 10 * time.Millisecond

	out := exec.Execute(context.Background(), job, c)
	if out.Status != scheduler.OutcomeRetry {
		t.Fatalf("expected retry after timeout, got %s", out.Status)
	}
}

type contentFunc func(ctx context.Context, storyID string, index int) (string, error)

func (f contentFunc) GetContent(ctx context.Context, storyID string, index int) (string, error) {
	return f(ctx, storyID, index)
}
