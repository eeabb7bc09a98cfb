// Package cli реализует инструмент командной строки Serial.
//
// # Обзор
//
// CLI — клиентская утилита оператора для Serial API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Serial API. Инкапсулирует HTTP-запросы,
// парсинг ответов (DataResponse, ErrorResponse) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	status, err := client.GetSchedule("story-42")
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Notice/Fail) — в stderr.
// Это позволяет использовать pipe: serial health --json | jq .
// Время из API показывается в локальной зоне оператора (--utc — в UTC),
// пустые значения — как "-". Fail возвращает код завершения по коду
// ошибки API: 2 — неверный запрос, 3 — не найдено, 4 — конфликт.
//
// ## Commands
//
//   - story register STORY_ID --episodes N [--frequency ... --start ...]
//   - schedule create|status|cancel STORY_ID
//   - health
//   - job retry STORY_ID:EPISODE_INDEX
//
// Каждая группа создаётся через фабричную функцию (NewScheduleCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
