package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок выполнения.
//
// Worker классифицирует ошибку handler'а и выбирает поведение:
//   - TransientError  — повтор по политике (backoff, max_retries)
//   - PermanentError  — немедленный FAILURE, без повторов
//   - TimeLimitExceeded — принудительное завершение slot'а, FAILURE
//
// Ошибки инфраструктуры:
//   - ErrBrokerUnavailable — producer падает быстро, не блокируясь
//   - ErrResultStoreUnavailable — выполнение продолжается, запись
//     повторяется в фоне (состояние в broker'е остаётся авторитетным)

// TransientError — временная ошибка (сеть, таймаут внешнего сервиса).
// Задача будет повторена согласно retry-политике.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient оборачивает ошибку как временную.
func Transient(cause error) error {
	return &TransientError{Cause: cause}
}

// Transientf — вариант Transient с форматированием.
func Transientf(format string, args ...any) error {
	return &TransientError{Cause: fmt.Errorf(format, args...)}
}

// PermanentError — постоянная ошибка (некорректные входные данные,
// дефект handler'а). Повтор бессмыслен: задача сразу уходит в FAILURE.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Cause)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// Permanent оборачивает ошибку как постоянную.
func Permanent(cause error) error {
	return &PermanentError{Cause: cause}
}

// Permanentf — вариант Permanent с форматированием.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Cause: fmt.Errorf(format, args...)}
}

// IsTransient возвращает true, если ошибка помечена как временная.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent возвращает true, если ошибка помечена как постоянная.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Ошибки инфраструктуры и исполнения.
var (
	// ErrTimeLimitExceeded — handler превысил time_limit.
	// Slot принудительно завершается, задача помечается FAILURE без
	// авто-retry: частичные side effects могут быть небезопасны для повтора.
	ErrTimeLimitExceeded = errors.New("task time limit exceeded")

	// ErrBrokerUnavailable — broker недоступен после ограниченного числа
	// попыток переподключения. Producer получает ошибку сразу, вместо
	// бесконечной блокировки.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrResultStoreUnavailable — result store недоступен. Не фатально
	// для worker'а: запись повторяется в фоне.
	ErrResultStoreUnavailable = errors.New("result store unavailable")

	// ErrUnknownTaskType — для типа задачи не зарегистрирован handler.
	ErrUnknownTaskType = errors.New("unknown task type")
)

// ErrorKind — классификация ошибки для внешних потребителей статуса.
type ErrorKind string

const (
	// ErrorKindTransient — временная ошибка, задача в процессе retry.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindPermanent — постоянная ошибка.
	ErrorKindPermanent ErrorKind = "permanent"

	// ErrorKindTimeout — превышен time_limit.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindExhausted — исчерпаны все retry.
	ErrorKindExhausted ErrorKind = "retry_exhausted"
)

// ErrorPayload — типизированное описание ошибки для статус-запросов.
//
// Возвращается вместо "сырого" текста, чтобы polling-клиенты могли
// отличить retryable от терминального исхода.
type ErrorPayload struct {
	// Kind — классификация ошибки.
	Kind ErrorKind `json:"kind"`

	// Message — текст последней ошибки.
	Message string `json:"message"`

	// Attempt — номер попытки, на которой произошла ошибка.
	Attempt int `json:"attempt"`
}

// ClassifyError строит ErrorPayload по ошибке выполнения.
func ClassifyError(err error, attempt int) *ErrorPayload {
	payload := &ErrorPayload{
		Message: err.Error(),
		Attempt: attempt,
	}

	switch {
	case errors.Is(err, ErrTimeLimitExceeded):
		payload.Kind = ErrorKindTimeout
	case IsPermanent(err):
		payload.Kind = ErrorKindPermanent
	case IsTransient(err):
		payload.Kind = ErrorKindTransient
	default:
		// Неклассифицированная ошибка трактуется как временная:
		// консервативный выбор в пользу retry.
		payload.Kind = ErrorKindTransient
	}

	return payload
}
