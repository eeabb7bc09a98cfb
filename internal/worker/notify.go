package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/shaiso/Serial/internal/mq"
)

// previewLen — длина превью текста в уведомлении (в рунах).
const previewLen = 200

// Publication — опубликованный эпизод.
type Publication struct {
	StoryID      string
	EpisodeIndex int
	PublishedAt  time.Time
	Content      string
}

// Notifier доставляет уведомление о публикации. Best-effort:
// ошибка логируется и не откатывает публикацию.
type Notifier interface {
	Notify(ctx context.Context, p Publication) error
}

// Alert — окончательная неудача публикации.
type Alert struct {
	JobKey       string
	StoryID      string
	EpisodeIndex int
	Attempts     int
	Err          error
	FailedAt     time.Time
}

// AlertSink сообщает оператору о заданиях в FAILED_TERMINAL.
type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}

// EpisodeEvents — публикатор событий эпизодов (mq.Publisher).
type EpisodeEvents interface {
	PublishEpisodePublished(ctx context.Context, payload mq.EpisodePublishedPayload) error
	PublishEpisodeFailed(ctx context.Context, payload mq.EpisodeFailedPayload) error
}

// MQNotifier отправляет события эпизодов в RabbitMQ.
// Реализует и Notifier, и AlertSink.
type MQNotifier struct {
	events EpisodeEvents
}

// NewMQNotifier создаёт MQNotifier.
func NewMQNotifier(events EpisodeEvents) *MQNotifier {
	return &MQNotifier{events: events}
}

// Notify публикует episode.published.
func (n *MQNotifier) Notify(ctx context.Context, p Publication) error {
	err := n.events.PublishEpisodePublished(ctx, mq.EpisodePublishedPayload{
		StoryID:      p.StoryID,
		EpisodeIndex: p.EpisodeIndex,
		PublishedAt:  p.PublishedAt,
		Preview:      preview(p.Content),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotifyFailed, err)
	}
	return nil
}

// Alert публикует episode.failed.
func (n *MQNotifier) Alert(ctx context.Context, a Alert) error {
	msg := ""
	if a.Err != nil {
		msg = a.Err.Error()
	}
	return n.events.PublishEpisodeFailed(ctx, mq.EpisodeFailedPayload{
		JobKey:       a.JobKey,
		StoryID:      a.StoryID,
		EpisodeIndex: a.EpisodeIndex,
		Attempts:     a.Attempts,
		Error:        msg,
		FailedAt:     a.FailedAt,
	})
}

// LogNotifier пишет уведомления и алерты в лог.
// Используется, когда RabbitMQ не настроен.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// Notify логирует публикацию.
func (n *LogNotifier) Notify(_ context.Context, p Publication) error {
	n.logger.Info("episode published",
		"story_id", p.StoryID,
		"episode_index", p.EpisodeIndex,
		"published_at", p.PublishedAt,
	)
	return nil
}

// Alert логирует окончательную неудачу.
func (n *LogNotifier) Alert(_ context.Context, a Alert) error {
	n.logger.Error("episode publication failed permanently",
		"job_key", a.JobKey,
		"story_id", a.StoryID,
		"episode_index", a.EpisodeIndex,
		"attempts", a.Attempts,
		"error", a.Err,
	)
	return nil
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	r := []rune(s)
	return string(r[:previewLen]) + "…"
}
