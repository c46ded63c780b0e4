package domain

import (
	"time"

	"github.com/google/uuid"
)

// Priority — приоритет задачи внутри очереди.
//
// Четыре фиксированных уровня. Внутри одной очереди worker всегда
// забирает задачу с наибольшим приоритетом; при равенстве — FIFO
// по порядку постановки.
type Priority int

const (
	// PriorityCritical — критические задачи (обходят всё остальное).
	PriorityCritical Priority = 10

	// PriorityHigh — высокий приоритет.
	PriorityHigh Priority = 5

	// PriorityNormal — приоритет по умолчанию.
	PriorityNormal Priority = 3

	// PriorityLow — фоновые задачи.
	PriorityLow Priority = 1
)

// Priorities — все уровни в порядке убывания.
// Используется broker'ом для обхода bucket'ов.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Valid возвращает true, если значение — один из четырёх уровней.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// DefaultQueue — имя очереди по умолчанию.
const DefaultQueue = "default"

// TaskRequest — единица работы, поставленная в очередь.
//
// TaskRequest создаётся Producer'ом (API, Scheduler, Workflow Composer),
// мутируется только Worker Pool Manager'ом (состояние, счётчик попыток)
// и уничтожается TTL-экспирацией после достижения терминального состояния.
//
// Вся структура сериализуема в JSON: запросы переживают рестарты
// процессов и передаются через AMQP.
type TaskRequest struct {
	// ID — уникальный идентификатор задачи.
	ID uuid.UUID `json:"id"`

	// Type — имя типа задачи. Разрешается в handler через Task Registry.
	Type string `json:"type"`

	// Args — аргументы для handler'а.
	Args map[string]any `json:"args,omitempty"`

	// Queue — имя очереди. Пустое значение означает DefaultQueue.
	Queue string `json:"queue,omitempty"`

	// Priority — приоритет внутри очереди.
	Priority Priority `json:"priority"`

	// MaxRetries — максимальное количество повторов после первой попытки.
	// 0 означает "использовать политику из Registry".
	MaxRetries int `json:"max_retries,omitempty"`

	// BackoffBase — базовая задержка перед повтором.
	// 0 означает "использовать политику из Registry".
	BackoffBase time.Duration `json:"backoff_base,omitempty"`

	// Attempt — номер текущей попытки (0 для первой).
	// Увеличивается при каждом re-enqueue после RETRY.
	Attempt int `json:"attempt"`

	// ETA — время, раньше которого задача не должна быть выдана worker'у.
	// Используется для отложенных задач и retry с backoff.
	ETA *time.Time `json:"eta,omitempty"`

	// IdempotencyKey — ключ идемпотентности. Producer может использовать
	// его, чтобы не создать дубликат (например, Scheduler: "{entry}_{unix}").
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// EnqueuedAt — время постановки в очередь.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Workflow — дескриптор участия задачи в workflow (chain/chord).
	// Nil для одиночных задач.
	Workflow *WorkflowMeta `json:"workflow,omitempty"`
}

// NewTaskRequest создаёт TaskRequest с заполненными значениями по умолчанию.
func NewTaskRequest(taskType string, args map[string]any) *TaskRequest {
	return &TaskRequest{
		ID:         uuid.New(),
		Type:       taskType,
		Args:       args,
		Queue:      DefaultQueue,
		Priority:   PriorityNormal,
		EnqueuedAt: time.Now(),
	}
}

// QueueName возвращает имя очереди с учётом значения по умолчанию.
func (t *TaskRequest) QueueName() string {
	if t.Queue == "" {
		return DefaultQueue
	}
	return t.Queue
}

// Ready возвращает true, если задача готова к выдаче (ETA наступило).
func (t *TaskRequest) Ready(now time.Time) bool {
	return t.ETA == nil || !t.ETA.After(now)
}

// WithETA возвращает копию запроса с установленным ETA.
// Используется при re-enqueue с backoff: тело задачи не меняется.
func (t *TaskRequest) WithETA(eta time.Time) *TaskRequest {
	cp := *t
	cp.ETA = &eta
	return &cp
}
