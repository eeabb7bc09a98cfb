package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrActiveSchedule — у истории есть нефинальные задания.
	ErrActiveSchedule = errors.New("story already has an active schedule")

	// ErrTransient — временная ошибка хранилища (сеть, deadlock, serialization failure).
	// Повторяется внутри вызова; наружу выходит только после исчерпания попыток.
	ErrTransient = errors.New("transient store error")
)
