// Package telemetry содержит логирование и метрики.
//
// Логирование — log/slog, формат и уровень задаются конфигурацией
// (LOG_FORMAT, LOG_LEVEL). Метрики — Prometheus, отдаются на /metrics.
package telemetry
