package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Serial/internal/domain"
	"github.com/shaiso/Serial/internal/telemetry"
)

const (
	defaultMisfireGrace  = 5 * time.Minute
	defaultStaleAfter    = 15 * time.Minute
	defaultSweepInterval = time.Minute
)

// RecoveryReport — итог восстановления.
type RecoveryReport struct {
	Loaded       int // нефинальных заданий в хранилище
	OrphansReset int // RUNNING → PENDING
	OrphansKept  int // RUNNING, захваченные недавно (вероятно, живым экземпляром)
	Misfires     int // просрочены больше, чем на MisfireGrace
	Queued       int // заданий в очереди после восстановления
}

// Recovery — менеджер восстановления.
//
// Единственная точка сверки памяти с хранилищем после рестарта:
// сбрасывает зависшие RUNNING задания, отмечает пропущенные срабатывания
// и заполняет очередь движка из хранилища.
type Recovery struct {
	store         JobStore
	engine        *Engine
	owner         string
	grace         time.Duration
	orphan        time.Duration
	stale         time.Duration
	sweepInterval time.Duration
	metrics       *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// RecoveryConfig — конфигурация Recovery.
type RecoveryConfig struct {
	Store  JobStore
	Engine *Engine

	// InstanceID — задания, захваченные этим экземпляром, всегда считаются зависшими.
	InstanceID string

	// MisfireGrace — просрочка, после которой срабатывание считается пропущенным (default: 5m).
	MisfireGrace time.Duration

	// OrphanAfter — RUNNING задание другого экземпляра считается зависшим,
	// если захвачено раньше now-OrphanAfter. 0 — любое RUNNING задание зависшее.
	OrphanAfter time.Duration

	// StaleAfter — RUNNING задание любого экземпляра, захваченное раньше
	// now-StaleAfter, сбрасывается периодической проверкой (default: 15m).
	// Должно превышать время одной публикации.
	StaleAfter time.Duration

	// SweepInterval — период проверки зависших заданий (default: 1m, <0 — выключено).
	SweepInterval time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewRecovery создаёт новый Recovery.
func NewRecovery(cfg RecoveryConfig) *Recovery {
	grace := cfg.MisfireGrace
	if grace <= 0 {
		grace = defaultMisfireGrace
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = defaultSweepInterval
	}

	return &Recovery{
		store:         cfg.Store,
		engine:        cfg.Engine,
		owner:         cfg.InstanceID,
		grace:         grace,
		orphan:        max(cfg.OrphanAfter, 0),
		stale:         stale,
		sweepInterval: sweepInterval,
		metrics:       cfg.Metrics,
		logger:        logger.With("component", "recovery"),
		now:           now,
	}
}

// Recover загружает нефинальные задания и заполняет очередь движка.
//
//  1. RUNNING задания сбрасываются в PENDING со сроком now.
//  2. Задания, просроченные больше чем на MisfireGrace, срабатывают
//     немедленно, а не отбрасываются; каждое учитывается как misfire.
//  3. Очередь движка перечитывается из хранилища.
//
// Ошибка одного задания не прерывает восстановление остальных.
func (r *Recovery) Recover(ctx context.Context) (*RecoveryReport, error) {
	now := r.now().UTC()
	report := &RecoveryReport{}

	jobs, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	report.Loaded = len(jobs)

	staleBefore := now.Add(-r.orphan)

	for i := range jobs {
		job := &jobs[i]
		logger := telemetry.WithJobKey(r.logger, job.Key.String(), job.StoryID, job.EpisodeIndex)

		switch job.Status {
		case domain.JobStatusRunning:
			cutoff := staleBefore
			if job.ClaimedBy == r.owner {
				// наш собственный захват из прошлой жизни процесса
				cutoff = now
			}
			reset, err := r.store.ResetOrphan(ctx, job.Key, now, cutoff)
			if err != nil {
				logger.Error("failed to reset orphaned job", "error", err)
				continue
			}
			if !reset {
				report.OrphansKept++
				logger.Info("running job claimed recently, leaving it to its owner",
					"claimed_by", job.ClaimedBy,
					"started_at", job.StartedAt,
				)
				continue
			}
			report.OrphansReset++
			r.metrics.OrphanReset()
			logger.Warn("orphaned job reset to pending",
				"claimed_by", job.ClaimedBy,
				"attempt", job.AttemptCount,
			)

		default:
			overdue := now.Sub(job.NextAttemptAt)
			if overdue <= r.grace {
				continue
			}
			report.Misfires++
			r.metrics.Misfire()
			logger.Warn("misfired job will fire immediately",
				"next_attempt_at", job.NextAttemptAt,
				"overdue", overdue.Round(time.Second).String(),
			)
		}
	}

	if err := r.engine.Resync(ctx); err != nil {
		return report, fmt.Errorf("populate engine: %w", err)
	}
	report.Queued = r.engine.Len()

	r.logger.Info("recovery completed",
		"loaded", report.Loaded,
		"orphans_reset", report.OrphansReset,
		"orphans_kept", report.OrphansKept,
		"misfires", report.Misfires,
		"queued", report.Queued,
	)
	return report, nil
}

// Sweep сбрасывает в PENDING RUNNING задания, захваченные раньше now-StaleAfter.
//
// Владелец не проверяется: захват, оставленный при старте другому экземпляру,
// сбрасывается здесь, если тот так и не завершил задание. Возвращает
// количество сброшенных заданий; при ненулевом результате очередь
// перечитывается из хранилища.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	now := r.now().UTC()
	staleBefore := now.Add(-r.stale)

	jobs, err := r.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	reset := 0
	for i := range jobs {
		job := &jobs[i]
		if job.Status != domain.JobStatusRunning {
			continue
		}
		if job.StartedAt != nil && job.StartedAt.After(staleBefore) {
			continue
		}

		logger := telemetry.WithJobKey(r.logger, job.Key.String(), job.StoryID, job.EpisodeIndex)
		ok, err := r.store.ResetOrphan(ctx, job.Key, now, staleBefore)
		if err != nil {
			logger.Error("failed to reset stale job", "error", err)
			continue
		}
		if !ok {
			continue
		}
		reset++
		r.metrics.OrphanReset()
		logger.Warn("stale running job reset to pending",
			"claimed_by", job.ClaimedBy,
			"started_at", job.StartedAt,
		)
	}

	if reset > 0 {
		if err := r.engine.Resync(ctx); err != nil {
			return reset, fmt.Errorf("populate engine: %w", err)
		}
	}
	return reset, nil
}

// Run периодически вызывает Sweep. Блокирует до отмены ctx.
func (r *Recovery) Run(ctx context.Context) error {
	if r.sweepInterval < 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("stale job sweep failed", "error", err)
			}
		}
	}
}
