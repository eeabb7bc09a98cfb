package scheduler

import (
	"errors"

	"github.com/shaiso/Serial/internal/repo"
)

// Ошибки планировщика.
var (
	// ErrInvalidSchedule — некорректный запрос на расписание (дата в прошлом,
	// конфликт с активным расписанием, неизвестная частота). Состояние не меняется.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrActiveSchedule — у истории уже есть активное расписание.
	// Всегда оборачивается вместе с ErrInvalidSchedule.
	ErrActiveSchedule = repo.ErrActiveSchedule

	// ErrNotFound — история, расписание или задание не найдены.
	ErrNotFound = repo.ErrNotFound

	// ErrAlreadyExists — история с таким ID уже зарегистрирована.
	ErrAlreadyExists = repo.ErrAlreadyExists

	// ErrInvalidState — операция невозможна в текущем состоянии задания.
	ErrInvalidState = repo.ErrInvalidState

	// ErrEngineStopped — движок триггеров остановлен.
	ErrEngineStopped = errors.New("trigger engine stopped")
)
