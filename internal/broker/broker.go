package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
)

// Ошибки broker'а.
var (
	// ErrQueueFull — очередь достигла настроенной ёмкости.
	// Producer обязан применить собственный backpressure, вместо того
	// чтобы broker рос в памяти без ограничений.
	ErrQueueFull = errors.New("queue capacity exceeded")

	// ErrClosed — broker закрыт.
	ErrClosed = errors.New("broker closed")

	// ErrInvalidPriority — приоритет вне четырёх уровней.
	ErrInvalidPriority = errors.New("invalid priority")
)

// Broker — хранилище ожидающих задач, секционированное по имени очереди
// и уровню приоритета.
//
// Инварианты:
//   - приоритет фиксирует позицию задачи в ready-множестве своей очереди;
//   - broker никогда молча не теряет поставленную задачу;
//   - Dequeue выбирает задачу с наибольшим приоритетом среди готовых,
//     при равенстве — FIFO внутри (queue, priority).
type Broker interface {
	// Enqueue ставит задачу в очередь.
	// Возвращает ErrQueueFull при переполнении очереди.
	Enqueue(ctx context.Context, task *domain.TaskRequest) error

	// Dequeue забирает готовую задачу с наибольшим приоритетом из
	// перечисленных очередей. Блокируется до timeout, если готовых
	// задач нет (без busy polling). Возвращает (nil, nil) по таймауту.
	//
	// Забранная задача остаётся claimed до Ack или Requeue: падение
	// процесса до подтверждения возвращает её в очередь (redelivery,
	// at-least-once).
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*domain.TaskRequest, error)

	// Ack подтверждает обработку забранной задачи после терминального
	// завершения. Неподтверждённая задача переживает падение процесса.
	Ack(ctx context.Context, task *domain.TaskRequest) error

	// Cancel удаляет PENDING-задачу из ready-множества.
	// No-op (false), если задача уже забрана worker'ом: отмена
	// advisory, а не preemptive.
	Cancel(ctx context.Context, taskID uuid.UUID) (bool, error)

	// Requeue возвращает задачу в очередь (redelivery после падения
	// worker'а или retry с backoff). Не ограничен ёмкостью: redelivery
	// не имеет права потерять задачу.
	Requeue(ctx context.Context, task *domain.TaskRequest) error

	// DeadLetter перемещает задачу в архив мёртвых задач.
	DeadLetter(ctx context.Context, task *domain.TaskRequest, reason string) error

	// Depth возвращает количество ожидающих задач в очереди
	// (включая отложенные по ETA).
	Depth(queue string) int
}

// DeadLetterEntry — запись в архиве мёртвых задач.
type DeadLetterEntry struct {
	// Task — задача, исчерпавшая retry или упавшая permanent-ошибкой.
	Task *domain.TaskRequest `json:"task"`

	// Reason — текст последней ошибки.
	Reason string `json:"reason"`

	// ArchivedAt — время архивации.
	ArchivedAt time.Time `json:"archived_at"`
}
