package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// changeBatch — сколько изменений забирается за один вызов обработчика.
const changeBatch = 10

var errDeliveriesClosed = errors.New("deliveries channel closed")

// ChangeHandler получает изменения расписаний от других экземпляров,
// по одному на историю. Пустой срез означает, что изменения могли быть
// потеряны (очередь пересоздана после разрыва) и нужна полная пересинхронизация.
type ChangeHandler func(ctx context.Context, changes []ScheduleChangedPayload) error

// ChangeConsumer читает эксклюзивную очередь изменений экземпляра.
//
// Сообщения, накопившиеся в очереди, обрабатываются пачкой: обработчик
// пересинхронизирует очередь планировщика целиком, поэтому десять изменений
// подряд стоят одной пересинхронизации.
type ChangeConsumer struct {
	conn       *Connection
	instanceID string
	logger     *slog.Logger
	handle     ChangeHandler

	cancel context.CancelFunc
}

// NewChangeConsumer создаёт потребителя очереди изменений экземпляра.
// Собственные сообщения экземпляра пропускаются: он уже обновил свою очередь.
func NewChangeConsumer(conn *Connection, instanceID string, logger *slog.Logger, handle ChangeHandler) *ChangeConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeConsumer{
		conn:       conn,
		instanceID: instanceID,
		logger:     logger.With("queue", string(ChangesQueue(instanceID))),
		handle:     handle,
	}
}

// Start читает изменения до отмены ctx и переподключается при разрывах.
func (c *ChangeConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	gap := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe to schedule changes", "error", err)
			gap = true
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		if gap {
			// очередь auto-delete: всё, что пришло без соединения, потеряно
			c.logger.Info("resubscribed to schedule changes, resyncing")
			if err := c.handle(ctx, nil); err != nil {
				c.logger.Warn("resync after reconnect failed", "error", err)
			}
			gap = false
		} else {
			c.logger.Info("subscribed to schedule changes")
		}

		if err := c.consume(ctx, deliveries); err != nil && ctx.Err() == nil {
			c.logger.Warn("schedule changes interrupted, waiting for reconnect", "error", err)
		}
		gap = true
		if err := c.waitReconnect(ctx); err != nil {
			return err
		}
	}
}

// Stop останавливает потребителя.
func (c *ChangeConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *ChangeConsumer) waitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.ReconnectNotify():
		return nil
	}
}

func (c *ChangeConsumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNotConnected
	}

	if err := ch.Qos(changeBatch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(ChangesQueue(c.instanceID)),
		c.instanceID, // consumer tag
		false,        // auto-ack
		true,         // exclusive
		false,        // no-local
		false,        // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// consume забирает доставки пачками: первая ждётся, остальные берутся
// только уже пришедшие.
func (c *ChangeConsumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		var batch []amqp.Delivery
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			batch = append(batch, d)
		}

		closed := false
	drain:
		for len(batch) < changeBatch {
			select {
			case d, ok := <-deliveries:
				if !ok {
					closed = true
					break drain
				}
				batch = append(batch, d)
			default:
				break drain
			}
		}

		c.process(ctx, batch)
		if closed {
			return errDeliveriesClosed
		}
	}
}

// process вызывает обработчик на пачку и подтверждает её.
// Битые сообщения отклоняются сразу, свои подтверждаются вместе с пачкой.
// При ошибке обработчика пачка возвращается в очередь один раз.
func (c *ChangeConsumer) process(ctx context.Context, batch []amqp.Delivery) {
	settle := make([]amqp.Delivery, 0, len(batch))
	byStory := make(map[string]int)
	var changes []ScheduleChangedPayload

	for _, d := range batch {
		change, origin, err := decodeChange(d.Body)
		if err != nil {
			c.logger.Warn("malformed schedule change", "message_id", d.MessageId, "error", err)
			d.Reject(false)
			continue
		}
		settle = append(settle, d)
		if origin == c.instanceID {
			continue
		}
		// важно только последнее действие по истории
		if i, ok := byStory[change.StoryID]; ok {
			changes[i] = change
			continue
		}
		byStory[change.StoryID] = len(changes)
		changes = append(changes, change)
	}

	if len(changes) > 0 {
		if err := c.handle(ctx, changes); err != nil {
			c.logger.Error("schedule change handler failed", "changes", len(changes), "error", err)
			for _, d := range settle {
				d.Nack(false, !d.Redelivered)
			}
			return
		}
		c.logger.Debug("schedule changes applied", "changes", len(changes), "messages", len(batch))
	}

	for _, d := range settle {
		d.Ack(false)
	}
}

// decodeChange разбирает тело сообщения schedule.changed.
func decodeChange(body []byte) (ScheduleChangedPayload, string, error) {
	var msg struct {
		Type    MessageType     `json:"type"`
		Origin  string          `json:"origin"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return ScheduleChangedPayload{}, "", fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type != MessageTypeScheduleChanged {
		return ScheduleChangedPayload{}, "", fmt.Errorf("unexpected message type %q", msg.Type)
	}

	var change ScheduleChangedPayload
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		return ScheduleChangedPayload{}, "", fmt.Errorf("unmarshal payload: %w", err)
	}
	if change.StoryID == "" {
		return ScheduleChangedPayload{}, "", errors.New("story_id is empty")
	}
	return change, msg.Origin, nil
}
