// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, хуки топологии)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - changes.go    — подписка экземпляра на изменения расписаний
//     (пачки, пропуск своих сообщений, пересинхронизация после разрыва)
//
// Типы сообщений:
//   - episode.published — эпизод опубликован (Notification Sink)
//   - episode.failed    — публикация не удалась окончательно (оператор)
//   - schedule.changed  — расписание изменилось (другие экземпляры планировщика)
//
// Exchanges:
//   - serial.episodes  — события эпизодов
//   - serial.schedules — fanout изменений расписаний
package mq
