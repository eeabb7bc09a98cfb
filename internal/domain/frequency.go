package domain

import (
	"fmt"
	"strings"
	"time"
)

// Frequency — частота выхода эпизодов.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyCustom Frequency = "custom"
)

// ParseFrequency парсит строку в Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case FrequencyDaily, FrequencyWeekly, FrequencyCustom:
		return f, nil
	default:
		return "", fmt.Errorf("unknown release frequency %q", s)
	}
}

// SchedulePolicy — политика выпуска эпизодов истории.
type SchedulePolicy struct {
	// Frequency — daily, weekly или custom.
	Frequency Frequency `json:"release_frequency"`

	// StartDate — время выхода первого эпизода.
	// Если у времени нет явной зоны, оно трактуется в Timezone.
	StartDate time.Time `json:"start_date"`

	// Timezone — IANA-зона истории, например "Europe/Moscow".
	// По умолчанию: "UTC".
	Timezone string `json:"timezone"`

	// Interval — явный интервал между эпизодами для custom.
	Interval time.Duration `json:"custom_interval,omitempty"`

	// CronExpr — альтернатива Interval для custom: "0 9 * * 1,4".
	CronExpr string `json:"custom_cron,omitempty"`
}

// Location загружает зону политики.
func (p SchedulePolicy) Location() (*time.Location, error) {
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}
