package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeEpisodePublished MessageType = "episode.published"
	MessageTypeEpisodeFailed    MessageType = "episode.failed"
	MessageTypeScheduleChanged  MessageType = "schedule.changed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	origin string
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
// origin — идентификатор экземпляра, записывается в каждое сообщение.
func NewPublisher(conn *Connection, origin string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		origin: origin,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Origin — экземпляр планировщика, отправивший сообщение.
	Origin string `json:"origin,omitempty"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// EpisodePublishedPayload — эпизод опубликован.
type EpisodePublishedPayload struct {
	StoryID      string    `json:"story_id"`
	EpisodeIndex int       `json:"episode_index"`
	PublishedAt  time.Time `json:"published_at"`
	Preview      string    `json:"preview,omitempty"`
}

// EpisodeFailedPayload — публикация эпизода не удалась окончательно.
type EpisodeFailedPayload struct {
	JobKey       string    `json:"job_key"`
	StoryID      string    `json:"story_id"`
	EpisodeIndex int       `json:"episode_index"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error"`
	FailedAt     time.Time `json:"failed_at"`
}

// ScheduleChangedPayload — расписание истории изменилось.
type ScheduleChangedPayload struct {
	StoryID string `json:"story_id"`
	Action  string `json:"action"`
}

// ParsePayload приводит payload сообщения, прочитанного как Message, к типу T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, persistent bool) error {
	if msg.Origin == "" {
		msg.Origin = p.origin
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: mode,
				MessageId:    msg.ID,
				AppId:        msg.Origin,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishEpisodePublished публикует событие об опубликованном эпизоде.
// Потребитель: Notification Sink.
func (p *Publisher) PublishEpisodePublished(ctx context.Context, payload EpisodePublishedPayload) error {
	msg := newMessage(MessageTypeEpisodePublished, payload)
	return p.Publish(ctx, ExchangeEpisodes, RoutingKeyPublished, msg, true)
}

// PublishEpisodeFailed публикует событие об окончательной неудаче публикации.
// Потребитель: оператор.
func (p *Publisher) PublishEpisodeFailed(ctx context.Context, payload EpisodeFailedPayload) error {
	msg := newMessage(MessageTypeEpisodeFailed, payload)
	return p.Publish(ctx, ExchangeEpisodes, RoutingKeyFailed, msg, true)
}

// PublishScheduleChanged рассылает изменение расписания всем экземплярам.
func (p *Publisher) PublishScheduleChanged(ctx context.Context, storyID, action string) error {
	msg := newMessage(MessageTypeScheduleChanged, ScheduleChangedPayload{StoryID: storyID, Action: action})
	return p.Publish(ctx, ExchangeSchedules, "", msg, false)
}

func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
