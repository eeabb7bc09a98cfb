package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Serial/internal/domain"
)

// cronParser — парсер cron-выражений для custom-частоты.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ComputeReleaseTime вычисляет момент выхода эпизода index.
//
// Функция чистая: одинаковые аргументы всегда дают одинаковый результат,
// поэтому она используется и при создании расписания, и при проверке
// восстановленных заданий.
//
//   - daily  — start + index календарных дней в зоне истории
//   - weekly — start + index недель в зоне истории
//   - custom — start + index*Interval, либо index-е срабатывание CronExpr
//
// Для daily и weekly сохраняется локальное время на часах, а не смещение UTC:
// эпизод в 09:00 остаётся в 09:00 после перехода на летнее время.
// Результат возвращается в UTC для хранения в БД.
func ComputeReleaseTime(start time.Time, policy domain.SchedulePolicy, index int) (time.Time, error) {
	if index < 0 {
		return time.Time{}, fmt.Errorf("%w: negative episode index %d", ErrInvalidSchedule, index)
	}
	times, err := releaseTimes(start, policy, index+1, index)
	if err != nil {
		return time.Time{}, err
	}
	return times[0], nil
}

// ReleaseTimes вычисляет моменты выхода для n эпизодов подряд.
func ReleaseTimes(start time.Time, policy domain.SchedulePolicy, n int) ([]time.Time, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative episode count %d", ErrInvalidSchedule, n)
	}
	return releaseTimes(start, policy, n, 0)
}

// ValidatePolicy проверяет политику без вычисления времени.
func ValidatePolicy(policy domain.SchedulePolicy) error {
	if _, err := policy.Location(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	switch policy.Frequency {
	case domain.FrequencyDaily, domain.FrequencyWeekly:
		return nil
	case domain.FrequencyCustom:
		if policy.CronExpr != "" {
			if _, err := cronParser.Parse(policy.CronExpr); err != nil {
				return fmt.Errorf("%w: invalid cron expression %q: %v", ErrInvalidSchedule, policy.CronExpr, err)
			}
			return nil
		}
		if policy.Interval <= 0 {
			return fmt.Errorf("%w: custom frequency requires a positive interval or a cron expression", ErrInvalidSchedule)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown release frequency %q", ErrInvalidSchedule, policy.Frequency)
	}
}

// releaseTimes возвращает моменты для индексов [from, n).
func releaseTimes(start time.Time, policy domain.SchedulePolicy, n, from int) ([]time.Time, error) {
	if err := ValidatePolicy(policy); err != nil {
		return nil, err
	}
	loc, _ := policy.Location()
	local := start.In(loc)

	out := make([]time.Time, 0, n-from)

	switch policy.Frequency {
	case domain.FrequencyDaily:
		for i := from; i < n; i++ {
			out = append(out, addDays(local, i))
		}
	case domain.FrequencyWeekly:
		for i := from; i < n; i++ {
			out = append(out, addDays(local, 7*i))
		}
	case domain.FrequencyCustom:
		if policy.CronExpr != "" {
			sched, _ := cronParser.Parse(policy.CronExpr)
			// первое срабатывание не раньше start
			t := sched.Next(local.Add(-time.Nanosecond))
			for i := 0; i < n; i++ {
				if t.IsZero() {
					return nil, fmt.Errorf("%w: cron expression %q has no occurrence for episode %d", ErrInvalidSchedule, policy.CronExpr, i)
				}
				if i >= from {
					out = append(out, t.UTC())
				}
				t = sched.Next(t)
			}
			break
		}
		for i := from; i < n; i++ {
			out = append(out, local.Add(time.Duration(i)*policy.Interval).UTC())
		}
	}

	return out, nil
}

// addDays прибавляет календарные дни с сохранением локального времени.
func addDays(t time.Time, days int) time.Time {
	return time.Date(
		t.Year(), t.Month(), t.Day()+days,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(),
		t.Location(),
	).UTC()
}
