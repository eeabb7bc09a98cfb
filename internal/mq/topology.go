package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeEpisodes — события публикации эпизодов (для Notification Sink и операторов).
	ExchangeEpisodes Exchange = "serial.episodes"

	// ExchangeSchedules — fanout изменений расписаний между экземплярами планировщика.
	ExchangeSchedules Exchange = "serial.schedules"
)

// Queues — имена очередей.
const (
	QueueEpisodesPublished Queue = "episodes.published"
	QueueEpisodesFailed    Queue = "episodes.failed"

	// queueChangesPrefix — префикс эксклюзивной очереди экземпляра.
	queueChangesPrefix = "schedules.changed."
)

// Routing keys.
const (
	RoutingKeyPublished RoutingKey = "published"
	RoutingKeyFailed    RoutingKey = "failed"
)

// ChangesQueue возвращает имя очереди изменений для экземпляра.
func ChangesQueue(instanceID string) Queue {
	return Queue(queueChangesPrefix + instanceID)
}

// SetupTopology объявляет обменники и очереди.
//
// Очередь изменений экземпляра эксклюзивная и удаляется вместе с соединением,
// поэтому топология повторно объявляется после каждого переподключения.
func SetupTopology(ctx context.Context, conn *Connection, instanceID string) error {
	declare := func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch, instanceID); err != nil {
			return err
		}
		return bindQueues(ch, instanceID)
	}

	if err := conn.WithChannel(ctx, declare); err != nil {
		return err
	}
	conn.OnReconnect(declare)
	return nil
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEpisodes, amqp.ExchangeDirect},
		{ExchangeSchedules, amqp.ExchangeFanout},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel, instanceID string) error {
	queues := []struct {
		name       Queue
		durable    bool
		autoDelete bool
		exclusive  bool
	}{
		// события для внешних потребителей переживают рестарт брокера
		{QueueEpisodesPublished, true, false, false},
		{QueueEpisodesFailed, true, false, false},

		// изменения нужны только живому экземпляру
		{ChangesQueue(instanceID), false, true, true},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			q.durable,      // durable
			q.autoDelete,   // delete when unused
			q.exclusive,    // exclusive
			false,          // no-wait
			nil,            // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel, instanceID string) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueEpisodesPublished, RoutingKeyPublished, ExchangeEpisodes},
		{QueueEpisodesFailed, RoutingKeyFailed, ExchangeEpisodes},
		{ChangesQueue(instanceID), "", ExchangeSchedules},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Serial RabbitMQ Topology:

    serial.episodes (direct)
    ├── episodes.published [routing: published]
    │       Consumer: Notification Sink
    └── episodes.failed [routing: failed]
            Consumer: operators (terminal publication failures)

    serial.schedules (fanout)
    └── schedules.changed.<instance> (exclusive, auto-delete)
            Consumer: scheduler instance, triggers queue resync
  `
}
