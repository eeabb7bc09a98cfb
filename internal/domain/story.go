package domain

import "time"

// Story — история, эпизоды которой выходят по расписанию.
type Story struct {
	// ID — идентификатор истории, задаётся Story Management API.
	ID string `json:"id"`

	// TotalEpisodes — запланированное количество эпизодов.
	TotalEpisodes int `json:"total_episodes"`

	// IsSerialized — у истории есть расписание выпуска.
	IsSerialized bool `json:"is_serialized"`

	// Policy — частота, дата старта и зона расписания.
	// Заполняется при создании расписания.
	Policy SchedulePolicy `json:"policy"`

	// NextReleaseAt — минимальный scheduled_for среди неопубликованных эпизодов.
	// nil, если публиковать больше нечего.
	NextReleaseAt *time.Time `json:"next_release_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextRelease вычисляет next_release_at по эпизодам истории.
func NextRelease(episodes []Episode) *time.Time {
	var next *time.Time
	for i := range episodes {
		ep := &episodes[i]
		if ep.Status != EpisodeStatusScheduled || ep.ScheduledFor == nil {
			continue
		}
		if next == nil || ep.ScheduledFor.Before(*next) {
			t := *ep.ScheduledFor
			next = &t
		}
	}
	return next
}
