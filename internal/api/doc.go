// Package api содержит HTTP API управления расписаниями историй.
//
// Структура:
//   - handler.go           — Handler с DI (Scheduler, logger)
//   - routes.go            — регистрация маршрутов
//   - middleware.go        — middleware (logging, recovery)
//   - response.go          — унифицированные JSON-ответы и обработка ошибок
//   - dto.go               — Data Transfer Objects (request/response)
//   - story_handler.go     — обработчики для /stories
//   - scheduler_handler.go — обработчики для /scheduler и /jobs
//
// Ошибки планировщика отображаются в HTTP так:
//   - ErrInvalidSchedule → 400, с ErrActiveSchedule → 409
//   - ErrAlreadyExists   → 409
//   - ErrNotFound        → 404
//   - ErrInvalidState    → 422
package api
