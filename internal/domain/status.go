package domain

// EpisodeStatus — статус эпизода.
//
// Жизненный цикл:
//
//	DRAFT → SCHEDULED → PUBLISHED
//	                  ↘ FAILED
//	SCHEDULED → DRAFT (только через отмену расписания)
type EpisodeStatus string

const (
	// EpisodeStatusDraft — эпизод не запланирован.
	EpisodeStatusDraft EpisodeStatus = "DRAFT"

	// EpisodeStatusScheduled — эпизод ждёт публикации в scheduled_for.
	EpisodeStatusScheduled EpisodeStatus = "SCHEDULED"

	// EpisodeStatusPublished — эпизод опубликован. Переход необратим.
	EpisodeStatusPublished EpisodeStatus = "PUBLISHED"

	// EpisodeStatusFailed — публикация не удалась после всех попыток.
	EpisodeStatusFailed EpisodeStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный.
func (s EpisodeStatus) IsTerminal() bool {
	switch s {
	case EpisodeStatusPublished, EpisodeStatusFailed:
		return true
	default:
		return false
	}
}

// JobStatus — статус задания на публикацию эпизода.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → DONE
//	                  ↘ FAILED_RETRYING → RUNNING → ...
//	                  ↘ FAILED_TERMINAL
type JobStatus string

const (
	// JobStatusPending — задание ждёт своего времени.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusRunning — задание захвачено исполнителем.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusDone — эпизод опубликован.
	JobStatusDone JobStatus = "DONE"

	// JobStatusFailedRetrying — попытка не удалась, следующая в next_attempt_at.
	JobStatusFailedRetrying JobStatus = "FAILED_RETRYING"

	// JobStatusFailedTerminal — попытки исчерпаны, нужно вмешательство оператора.
	JobStatusFailedTerminal JobStatus = "FAILED_TERMINAL"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailedTerminal:
		return true
	default:
		return false
	}
}

// IsClaimable возвращает true, если задание может быть захвачено через MarkRunning.
func (s JobStatus) IsClaimable() bool {
	return s == JobStatusPending || s == JobStatusFailedRetrying
}

// AllJobStatuses — все статусы заданий в порядке жизненного цикла.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusFailedRetrying,
	JobStatusFailedTerminal,
	JobStatusDone,
}
