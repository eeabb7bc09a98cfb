package domain

import "time"

// JobCounts — количество заданий по статусам.
type JobCounts map[JobStatus]int

// Health — сводка состояния планировщика по всем историям.
type Health struct {
	Counts JobCounts `json:"counts"`

	// NextDueAt — ближайший next_attempt_at среди PENDING и FAILED_RETRYING.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// Terminal — задания в FAILED_TERMINAL, ждущие оператора.
	Terminal []JobKey `json:"terminal,omitempty"`
}
