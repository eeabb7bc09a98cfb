package worker

import "errors"

// Ошибки исполнителя публикаций.
var (
	// ErrContentNotReady — контент эпизода ещё не сгенерирован. Повторяемая ошибка.
	ErrContentNotReady = errors.New("episode content not ready")

	// ErrContentFetch — запрос контента завершился ошибкой. Повторяемая ошибка.
	ErrContentFetch = errors.New("content fetch failed")

	// ErrPublicationFailed — попытки публикации исчерпаны. Нужен оператор.
	ErrPublicationFailed = errors.New("publication failed")

	// ErrNotifyFailed — уведомление не доставлено. Публикацию не откатывает.
	ErrNotifyFailed = errors.New("notification failed")
)
