package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/telemetry"
)

// Default configuration values.
const (
	defaultPoolSize        = 4
	defaultResyncInterval  = 30 * time.Second
	defaultStoreRetryDelay = 10 * time.Second

	// idleWait — сколько спать при пустой очереди. Вставка будит раньше.
	idleWait = time.Hour
)

// OutcomeStatus — итог выполнения задания исполнителем.
type OutcomeStatus int

const (
	// OutcomeDone — эпизод опубликован. Задание уходит из очереди.
	OutcomeDone OutcomeStatus = iota

	// OutcomeRetry — задание в FAILED_RETRYING, следующая попытка в RetryAt с новым захватом.
	OutcomeRetry

	// OutcomeTerminal — попытки исчерпаны, задание в FAILED_TERMINAL.
	OutcomeTerminal

	// OutcomeLost — захват потерян (задание сброшено или отменено).
	OutcomeLost

	// OutcomeDeferred — хранилище недоступно, результат не записан.
	// Задание повторяется в RetryAt с тем же захватом.
	OutcomeDeferred
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	case OutcomeTerminal:
		return "terminal"
	case OutcomeLost:
		return "lost"
	case OutcomeDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", int(s))
	}
}

// Outcome — результат Executor.Execute.
type Outcome struct {
	Status  OutcomeStatus
	RetryAt time.Time
}

// Executor выполняет захваченное задание.
// Вызывается только победителем MarkRunning, с токеном его захвата.
type Executor interface {
	Execute(ctx context.Context, job *domain.ScheduleJob, claim domain.Claim) Outcome
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, job *domain.ScheduleJob, claim domain.Claim) Outcome

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, job *domain.ScheduleJob, claim domain.Claim) Outcome {
	return f(ctx, job, claim)
}

// Engine — движок триггеров.
//
// Держит в памяти очередь PENDING/FAILED_RETRYING заданий, упорядоченную
// по next_attempt_at, спит до ближайшего срока и раздаёт наступившие
// задания пулу воркеров. Взаимное исключение обеспечивает хранилище
// (MarkRunning), а не память: несколько экземпляров могут держать
// одинаковые очереди, опубликует только победитель захвата.
//
// Очередь — кэш. Источник истины — хранилище; Resync перечитывает его
// при старте, периодически и по событию schedule.changed.
type Engine struct {
	store    JobStore
	executor Executor
	owner    string

	poolSize        int
	resyncInterval  time.Duration
	storeRetryDelay time.Duration

	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	queue *dueQueue
	wake  chan struct{}

	// Изменения очереди во время Resync: ключ → номер изменения.
	// Для таких ключей состояние очереди важнее снимка хранилища,
	// снятого до изменения.
	resyncs int
	gen     uint64
	touched map[domain.JobKey]uint64

	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	// Lifecycle
	cancelFunc context.CancelFunc
	loopDone   chan struct{}
	started    bool
	stopped    bool
}

// EngineConfig — конфигурация Engine.
type EngineConfig struct {
	Store    JobStore
	Executor Executor

	// InstanceID — идентификатор экземпляра, записывается в claimed_by.
	InstanceID string

	PoolSize        int           // максимум параллельных публикаций (default: 4)
	ResyncInterval  time.Duration // период сверки с хранилищем (default: 30s, <0 — выключено)
	StoreRetryDelay time.Duration // повтор после ошибки хранилища (default: 10s)

	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// Now — источник времени (default: time.Now).
	Now func() time.Time
}

// NewEngine создаёт новый Engine.
func NewEngine(cfg EngineConfig) *Engine {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	resyncInterval := cfg.ResyncInterval
	if resyncInterval == 0 {
		resyncInterval = defaultResyncInterval
	}

	storeRetryDelay := cfg.StoreRetryDelay
	if storeRetryDelay <= 0 {
		storeRetryDelay = defaultStoreRetryDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		store:           cfg.Store,
		executor:        cfg.Executor,
		owner:           cfg.InstanceID,
		poolSize:        poolSize,
		resyncInterval:  resyncInterval,
		storeRetryDelay: storeRetryDelay,
		metrics:         cfg.Metrics,
		logger:          logger.With("component", "engine"),
		now:             now,
		queue:           newDueQueue(),
		touched:         make(map[domain.JobKey]uint64),
		wake:            make(chan struct{}, 1),
		sem:             semaphore.NewWeighted(int64(poolSize)),
	}
}

// Start запускает цикл движка. Не блокирует.
//
// Очередь должна быть заполнена заранее (Recover или Resync).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel
	e.loopDone = make(chan struct{})

	e.logger.Info("starting trigger engine",
		"pool_size", e.poolSize,
		"resync_interval", e.resyncInterval,
		"queued", e.queue.Len(),
	)

	go e.loop(ctx)
	return nil
}

// Stop останавливает цикл и ждёт завершения выполняющихся публикаций.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancelFunc
	loopDone := e.loopDone
	e.mu.Unlock()

	e.logger.Info("stopping trigger engine...")

	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	}
	e.inflight.Wait()

	e.logger.Info("trigger engine stopped")
}

// Schedule добавляет задание в очередь или переносит его.
// Задания в нецелевых статусах удаляются из очереди.
func (e *Engine) Schedule(job domain.ScheduleJob) {
	if !job.Status.IsClaimable() {
		e.Remove(job.Key)
		return
	}

	e.mu.Lock()
	e.touch(job.Key)
	e.queue.upsert(job.Key, job.NextAttemptAt, nil)
	e.metrics.QueueDepth(e.queue.Len())
	e.mu.Unlock()

	e.signal()
}

// Remove удаляет задание из очереди. Возвращает false, если его там не было.
func (e *Engine) Remove(key domain.JobKey) bool {
	e.mu.Lock()
	e.touch(key)
	removed := e.queue.remove(key)
	e.metrics.QueueDepth(e.queue.Len())
	e.mu.Unlock()

	if removed {
		e.signal()
	}
	return removed
}

// Resync заменяет содержимое очереди заданиями из хранилища.
//
// Записи, ожидающие повтора с прежним захватом (OutcomeDeferred), сохраняются:
// их задания в хранилище RUNNING и в ListPending не попадают.
// Ключи, изменённые через Schedule, Remove или повтор после снятия снимка,
// остаются в очереди в текущем состоянии: снимок для них устарел.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	since := e.gen
	e.resyncs++
	e.mu.Unlock()

	jobs, err := e.store.ListPending(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		e.resyncs--
		if e.resyncs == 0 {
			clear(e.touched)
		}
	}()

	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	changed := func(key domain.JobKey) bool {
		return e.touched[key] > since
	}

	var keep []*entry
	for _, en := range e.queue.items {
		if en.claim != nil || changed(en.key) {
			keep = append(keep, en)
		}
	}

	e.queue.reset()
	for i := range jobs {
		if changed(jobs[i].Key) {
			continue
		}
		e.queue.upsert(jobs[i].Key, jobs[i].NextAttemptAt, nil)
	}
	for _, en := range keep {
		if _, ok := e.queue.byKey[en.key]; !ok {
			e.queue.upsert(en.key, en.due, en.claim)
		}
	}
	n := e.queue.Len()
	e.metrics.QueueDepth(n)

	e.logger.Debug("queue resynced", "pending", len(jobs), "queued", n)
	e.signal()
	return nil
}

// touch отмечает изменение ключа для выполняющихся Resync. Вызывается под e.mu.
func (e *Engine) touch(key domain.JobKey) {
	if e.resyncs == 0 {
		return
	}
	e.gen++
	e.touched[key] = e.gen
}

// Len возвращает количество заданий в очереди.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Contains проверяет, есть ли задание в очереди.
func (e *Engine) Contains(key domain.JobKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.queue.byKey[key]
	return ok
}

// NextDue возвращает ближайший срок в очереди или nil.
func (e *Engine) NextDue() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	head := e.queue.peek()
	if head == nil {
		return nil
	}
	due := head.due
	return &due
}

// signal будит цикл, не блокируясь.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// loop — основной цикл: раздать наступившие задания и уснуть до следующего срока.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	var resync <-chan time.Time
	if e.resyncInterval > 0 {
		ticker := time.NewTicker(e.resyncInterval)
		defer ticker.Stop()
		resync = ticker.C
	}

	for {
		e.dispatchDue(ctx)
		if ctx.Err() != nil {
			return
		}

		timer.Reset(e.untilNext())

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
		case <-resync:
			if err := e.Resync(ctx); err != nil {
				e.logger.Error("periodic resync failed", "error", err)
			}
		}
	}
}

// untilNext возвращает время до ближайшего срока.
func (e *Engine) untilNext() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	head := e.queue.peek()
	if head == nil {
		return idleWait
	}
	return max(head.due.Sub(e.now()), 0)
}

// dispatchDue извлекает наступившие задания и передаёт их пулу.
// Блокируется, если пул занят.
func (e *Engine) dispatchDue(ctx context.Context) {
	e.mu.Lock()
	due := e.queue.popDue(e.now())
	e.metrics.QueueDepth(e.queue.Len())
	e.mu.Unlock()

	// Публикации не прерываются остановкой цикла: у исполнителя свои таймауты.
	execCtx := context.WithoutCancel(ctx)

	for i, en := range due {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			// остановка: нераспределённые задания остаются в хранилище
			e.mu.Lock()
			for _, rest := range due[i:] {
				e.queue.upsert(rest.key, rest.due, rest.claim)
			}
			e.mu.Unlock()
			return
		}

		e.inflight.Add(1)
		go func(en *entry) {
			defer e.inflight.Done()
			defer e.sem.Release(1)
			e.fire(execCtx, en)
		}(en)
	}
}

// fire захватывает задание и, если захват выигран, выполняет его.
func (e *Engine) fire(ctx context.Context, en *entry) {
	logger := e.logger.With("job_key", en.key)
	ctx = telemetry.WithLogger(ctx, logger)
	e.metrics.JobFired()

	claim := domain.NewClaim(e.owner, e.now())
	if en.claim != nil {
		claim = *en.claim
	}

	won, err := e.store.MarkRunning(ctx, en.key, claim)
	if err != nil {
		// захват мог закоммититься: повторяем с тем же токеном
		logger.Error("failed to claim job", "error", err)
		e.metrics.Failed("store_error")
		e.requeue(en.key, e.now().Add(e.storeRetryDelay), &claim)
		return
	}
	if !won {
		logger.Debug("claim lost")
		e.metrics.ClaimLost()
		e.recheck(ctx, en.key)
		return
	}

	job, err := e.store.GetJob(ctx, en.key)
	if err != nil {
		logger.Error("failed to load claimed job", "error", err)
		e.requeue(en.key, e.now().Add(e.storeRetryDelay), &claim)
		return
	}

	out := e.executor.Execute(ctx, job, claim)
	logger.Debug("job executed", "outcome", out.Status.String(), "attempt", job.AttemptCount)

	switch out.Status {
	case OutcomeRetry:
		e.requeue(en.key, out.RetryAt, nil)
	case OutcomeDeferred:
		e.requeue(en.key, out.RetryAt, &claim)
	}
}

// recheck возвращает в очередь задание, захват которого не удался
// только потому, что его срок сдвинулся (устаревшая запись после Resync).
func (e *Engine) recheck(ctx context.Context, key domain.JobKey) {
	job, err := e.store.GetJob(ctx, key)
	if err != nil {
		return
	}
	if job.Status.IsClaimable() && job.NextAttemptAt.After(e.now()) {
		e.requeue(key, job.NextAttemptAt, nil)
	}
}

func (e *Engine) requeue(key domain.JobKey, due time.Time, claim *domain.Claim) {
	e.mu.Lock()
	e.touch(key)
	e.queue.upsert(key, due, claim)
	e.metrics.QueueDepth(e.queue.Len())
	e.mu.Unlock()
	e.signal()
}
