// Package scheduler реализует планировщик выпуска эпизодов.
//
// Структура:
//   - frequency.go  — вычисление времени выхода эпизода (daily, weekly, custom)
//   - store.go      — контракт хранилища заданий и историй
//   - queue.go      — очередь заданий по времени срабатывания
//   - engine.go     — движок триггеров: ожидание, пул воркеров, захват заданий
//   - recovery.go   — восстановление очереди после рестарта
//   - controller.go — создание, отмена и просмотр расписаний
//
// Использование:
//
//	engine := scheduler.NewEngine(scheduler.EngineConfig{
//	    Store:      store,
//	    Executor:   executor,
//	    InstanceID: "scheduler-1",
//	    PoolSize:   4,
//	    Logger:     logger,
//	})
//
//	recovery := scheduler.NewRecovery(scheduler.RecoveryConfig{
//	    Store:  store,
//	    Engine: engine,
//	    Logger: logger,
//	})
//	if _, err := recovery.Recover(ctx); err != nil {
//	    return err
//	}
//	engine.Start(ctx)
//	defer engine.Stop()
//
// Однократная публикация:
//
// Движок не полагается на память. Каждое срабатывание сначала вызывает
// Store.MarkRunning — условный UPDATE по статусу. Исполнитель вызывается
// только у победителя, поэтому несколько экземпляров могут работать
// с одним хранилищем одновременно.
package scheduler
