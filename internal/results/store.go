package results

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
)

// Ошибки Result Store.
var (
	// ErrNotFound — статус задачи не найден (не создан или истёк TTL).
	ErrNotFound = errors.New("task status not found")

	// ErrIllegalTransition — запись нарушает граф состояний.
	// Отклоняется и логируется вызывающей стороной как data-integrity
	// warning; для worker'а не фатальна.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrWaitTimeout — WaitFor не дождался терминального состояния.
	ErrWaitTimeout = errors.New("wait for task result timed out")
)

// Progress — прогресс выполнения, публикуемый handler'ом через report().
type Progress struct {
	// Current — выполнено единиц работы.
	Current int `json:"current"`

	// Total — всего единиц работы.
	Total int `json:"total"`

	// Meta — произвольные данные handler'а.
	Meta map[string]any `json:"meta,omitempty"`
}

// Status — текущее состояние задачи для внешних потребителей.
type Status struct {
	// TaskID — идентификатор задачи.
	TaskID uuid.UUID `json:"task_id"`

	// State — состояние (PENDING/STARTED/RETRY/SUCCESS/FAILURE).
	State domain.TaskState `json:"state"`

	// Result — результат при SUCCESS.
	Result map[string]any `json:"result,omitempty"`

	// Error — типизированная ошибка при FAILURE/RETRY.
	Error *domain.ErrorPayload `json:"error,omitempty"`

	// Progress — прогресс выполнения (не затрагивает State).
	Progress *Progress `json:"progress,omitempty"`

	// Attempt — номер последней попытки.
	Attempt int `json:"attempt"`

	// UpdatedAt — время последней записи.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal возвращает true, если задача завершена.
func (s *Status) IsTerminal() bool {
	return s.State.IsTerminal()
}

// Write — одна запись состояния.
type Write struct {
	// State — новое состояние.
	State domain.TaskState

	// Result — результат (только для SUCCESS).
	Result map[string]any

	// Error — ошибка (для FAILURE и RETRY).
	Error *domain.ErrorPayload

	// Attempt — номер попытки.
	Attempt int
}

// Store — хранилище состояний и результатов задач.
//
// Записи идемпотентны по task ID; переходы валидируются по графу
// состояний domain.ValidTransition. Терминальные записи истекают
// по настраиваемому TTL.
type Store interface {
	// SetState записывает переход состояния.
	// Возвращает ErrIllegalTransition для недопустимого ребра.
	SetState(ctx context.Context, taskID uuid.UUID, w Write) error

	// SetProgress обновляет прогресс, не меняя состояние.
	SetProgress(ctx context.Context, taskID uuid.UUID, p Progress) error

	// Get возвращает текущий статус задачи.
	Get(ctx context.Context, taskID uuid.UUID) (*Status, error)

	// WaitFor блокируется до терминального состояния задачи или таймаута.
	WaitFor(ctx context.Context, taskID uuid.UUID, timeout time.Duration) (*Status, error)
}
