// Package worker публикует эпизоды по захваченным заданиям.
//
// # Обзор
//
// Executor — исполнитель заданий для scheduler.Engine. Движок вызывает
// его только после успешного MarkRunning, передавая токен захвата.
// Executor отвечает за:
//
//   - Получение контента эпизода у ContentProvider
//   - Запись публикации через MarkDone (эпизод + задание + next_release_at)
//   - Уведомление подписчиков через Notifier (best-effort)
//   - Повторы по RetryPolicy и алерт при исчерпании попыток
//
// # Ключевые компоненты
//
// ## Executor
//
//	exec := worker.NewExecutor(worker.ExecutorConfig{
//	    Store:    store,
//	    Content:  worker.NewHTTPContentProvider(cfg.ContentURL, nil),
//	    Notifier: worker.NewMQNotifier(publisher),
//	    Alerts:   worker.NewMQNotifier(publisher),
//	    Policy:   worker.DefaultRetryPolicy(),
//	    Logger:   logger,
//	})
//
// ## ContentProvider
//
// Реализации:
//   - HTTPContentProvider — внешний сервис генерации контента
//   - StaticContentProvider — контент в памяти (тесты, локальный запуск)
//
// ## Notifier и AlertSink
//
// Реализации:
//   - MQNotifier — события episode.published и episode.failed в RabbitMQ
//   - LogNotifier — запись в лог
//
// # Retry
//
// Счётчик попыток увеличивается в MarkRunning, поэтому attempt_count
// захваченного задания — номер текущей попытки. После неудачи:
//   - attempt < MaxAttempts → FAILED_RETRYING, next_attempt_at = now + NextDelay(attempt)
//   - attempt >= MaxAttempts → FAILED_TERMINAL, эпизод FAILED, алерт
//
// Стратегии backoff:
//   - "fixed": delay = Delay (по умолчанию 1h)
//   - "exponential": delay = Delay * 2^(attempt-1), capped at MaxDelay
//
// # Ошибки хранилища
//
// Если MarkDone или MarkFailed вернули ошибку, результат не записан.
// Executor возвращает OutcomeDeferred: движок повторит задание с тем же
// захватом, и повторный MarkRunning/MarkDone будет идемпотентным.
package worker
