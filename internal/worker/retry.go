package worker

import (
	"fmt"
	"time"
)

// Backoff — стратегия задержки между попытками.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy — политика повторов публикации.
//
// По умолчанию задержка фиксированная: час после каждой неудачи.
type RetryPolicy struct {
	Backoff     Backoff       // fixed | exponential (default: fixed)
	Delay       time.Duration // задержка (или начальная задержка для exponential), default: 1h
	MaxDelay    time.Duration // потолок задержки, default: 24h
	MaxAttempts int           // всего попыток, включая первую, default: 5
}

// DefaultRetryPolicy возвращает политику по умолчанию.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:     BackoffFixed,
		Delay:       time.Hour,
		MaxDelay:    24 * time.Hour,
		MaxAttempts: 5,
	}
}

// ParseBackoff парсит стратегию задержки.
func ParseBackoff(s string) (Backoff, error) {
	switch b := Backoff(s); b {
	case "", BackoffFixed:
		return BackoffFixed, nil
	case BackoffExponential:
		return b, nil
	default:
		return "", fmt.Errorf("unknown retry backoff %q", s)
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Backoff == "" {
		p.Backoff = d.Backoff
	}
	if p.Delay <= 0 {
		p.Delay = d.Delay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = max(d.MaxDelay, p.Delay)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Exhausted возвращает true, если после attempt-й неудачной попытки повторов больше нет.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.withDefaults().MaxAttempts
}

// NextDelay вычисляет задержку после attempt-й неудачной попытки (attempt >= 1).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()

	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		// delay = Delay * 2^(attempt-1)
		delay = p.Delay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > p.MaxDelay {
				delay = p.MaxDelay
				break
			}
		}
	default:
		delay = p.Delay
	}

	return min(delay, p.MaxDelay)
}
