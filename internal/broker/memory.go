package broker

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
)

// Значения по умолчанию.
const (
	defaultCapacity      = 10000
	defaultDeadLetterCap = 1000
)

// Memory — in-memory реализация Broker.
//
// Каждая очередь держит четыре FIFO-bucket'а (по одному на уровень
// приоритета) плюс min-heap отложенных по ETA задач. Монотонный
// sequence-номер даёт строгий FIFO внутри (queue, priority).
//
// Memory конструируется явно и не является синглтоном: несколько
// независимых пулов могут сосуществовать в одном процессе.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    uint64

	// notify закрывается при каждом Enqueue/Requeue и пересоздаётся.
	// Блокирующиеся Dequeue ждут на текущем канале — broadcast без
	// busy polling.
	notify chan struct{}

	capacity      int
	deadLetters   []DeadLetterEntry
	deadLetterCap int

	closed bool
	logger *slog.Logger
}

// MemoryConfig — конфигурация in-memory broker'а.
type MemoryConfig struct {
	// Capacity — максимальный backlog одной очереди (default: 10000).
	// Отрицательное значение — без ограничения.
	Capacity int

	// DeadLetterCap — размер архива мёртвых задач (default: 1000).
	DeadLetterCap int

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// memQueue — состояние одной очереди.
type memQueue struct {
	// buckets — FIFO по уровням приоритета.
	buckets map[domain.Priority][]*queuedTask

	// delayed — min-heap задач с ненаступившим ETA.
	delayed delayedHeap

	// pending — индекс PENDING-задач для Cancel (ID → отменена).
	pending map[uuid.UUID]bool

	size int
}

// queuedTask — задача с sequence-номером для FIFO tie-break.
type queuedTask struct {
	task *domain.TaskRequest
	seq  uint64
}

// NewMemory создаёт in-memory broker.
func NewMemory(cfg MemoryConfig) *Memory {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = defaultCapacity
	}

	dlqCap := cfg.DeadLetterCap
	if dlqCap <= 0 {
		dlqCap = defaultDeadLetterCap
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Memory{
		queues:        make(map[string]*memQueue),
		notify:        make(chan struct{}),
		capacity:      capacity,
		deadLetterCap: dlqCap,
		logger:        logger,
	}
}

// Enqueue ставит задачу в очередь.
func (m *Memory) Enqueue(ctx context.Context, task *domain.TaskRequest) error {
	if !task.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, task.Priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	q := m.queue(task.QueueName())
	if m.capacity > 0 && q.size >= m.capacity {
		return fmt.Errorf("%w: queue %q backlog %d", ErrQueueFull, task.QueueName(), q.size)
	}

	m.push(q, task)
	m.wakeLocked()
	return nil
}

// Requeue возвращает задачу в очередь, минуя ограничение ёмкости.
func (m *Memory) Requeue(ctx context.Context, task *domain.TaskRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.push(m.queue(task.QueueName()), task)
	m.wakeLocked()
	return nil
}

// push добавляет задачу в bucket или delayed-heap. Вызывается под mu.
func (m *Memory) push(q *memQueue, task *domain.TaskRequest) {
	m.seq++
	qt := &queuedTask{task: task, seq: m.seq}

	if task.Ready(time.Now()) {
		q.buckets[task.Priority] = append(q.buckets[task.Priority], qt)
	} else {
		heap.Push(&q.delayed, qt)
	}

	q.pending[task.ID] = false
	q.size++
}

// Dequeue забирает готовую задачу с наибольшим приоритетом.
func (m *Memory) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*domain.TaskRequest, error) {
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		m.releaseDueLocked(queues, now)

		if task := m.popLocked(queues); task != nil {
			m.mu.Unlock()
			return task, nil
		}

		// Готовых задач нет: ждём enqueue, ближайшее ETA или таймаут.
		wait := deadline.Sub(now)
		if wait <= 0 {
			m.mu.Unlock()
			return nil, nil
		}
		if next, ok := m.nextETALocked(queues); ok {
			if d := next.Sub(now); d < wait {
				wait = d
			}
		}
		notify := m.notify
		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack подтверждает обработку забранной задачи.
//
// In-memory broker живёт в том же процессе, что и worker: падение
// процесса теряет и очередь, и claim, так что отдельного unacked-учёта
// нет — no-op. Durable-семантику подтверждений несёт mq.Broker.
func (m *Memory) Ack(ctx context.Context, task *domain.TaskRequest) error {
	return nil
}

// popLocked выбирает задачу: обход уровней приоритета сверху вниз,
// внутри уровня — наименьший sequence-номер среди перечисленных очередей
// (строгий FIFO внутри tier'а). Вызывается под mu.
func (m *Memory) popLocked(queues []string) *domain.TaskRequest {
	for _, prio := range domain.Priorities {
		var (
			best      *queuedTask
			bestQueue *memQueue
		)

		for _, name := range queues {
			q, ok := m.queues[name]
			if !ok {
				continue
			}
			bucket := q.buckets[prio]
			if len(bucket) == 0 {
				continue
			}
			head := bucket[0]
			if best == nil || head.seq < best.seq {
				best = head
				bestQueue = q
			}
		}

		if best == nil {
			continue
		}

		bucket := bestQueue.buckets[best.task.Priority]
		bestQueue.buckets[best.task.Priority] = bucket[1:]

		cancelled := bestQueue.pending[best.task.ID]
		delete(bestQueue.pending, best.task.ID)

		if cancelled {
			// Отменённая задача не выдаётся (size уже уменьшен в Cancel) —
			// пробуем следующую.
			return m.popLocked(queues)
		}

		bestQueue.size--
		return best.task
	}

	return nil
}

// releaseDueLocked перемещает задачи с наступившим ETA из delayed-heap
// в ready-bucket'ы. Вызывается под mu.
func (m *Memory) releaseDueLocked(queues []string, now time.Time) {
	for _, name := range queues {
		q, ok := m.queues[name]
		if !ok {
			continue
		}
		for q.delayed.Len() > 0 && q.delayed[0].task.Ready(now) {
			qt := heap.Pop(&q.delayed).(*queuedTask)
			q.buckets[qt.task.Priority] = append(q.buckets[qt.task.Priority], qt)
		}
	}
}

// nextETALocked возвращает ближайшее ETA среди отложенных задач.
func (m *Memory) nextETALocked(queues []string) (time.Time, bool) {
	var next time.Time
	found := false

	for _, name := range queues {
		q, ok := m.queues[name]
		if !ok || q.delayed.Len() == 0 {
			continue
		}
		eta := *q.delayed[0].task.ETA
		if !found || eta.Before(next) {
			next = eta
			found = true
		}
	}

	return next, found
}

// Cancel помечает PENDING-задачу отменённой.
//
// Физическое удаление из bucket'а откладывается до Dequeue (tombstone):
// линейный поиск в bucket'ах не нужен. Для уже забранной задачи — no-op.
func (m *Memory) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range m.queues {
		if cancelled, ok := q.pending[taskID]; ok {
			if cancelled {
				return false, nil
			}
			q.pending[taskID] = true
			q.size--
			m.logger.Debug("task cancelled", "task_id", taskID)
			return true, nil
		}
	}

	return false, nil
}

// DeadLetter архивирует задачу, исчерпавшую retry.
func (m *Memory) DeadLetter(ctx context.Context, task *domain.TaskRequest, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deadLetters = append(m.deadLetters, DeadLetterEntry{
		Task:       task,
		Reason:     reason,
		ArchivedAt: time.Now(),
	})
	if len(m.deadLetters) > m.deadLetterCap {
		m.deadLetters = m.deadLetters[len(m.deadLetters)-m.deadLetterCap:]
	}

	m.logger.Warn("task dead-lettered",
		"task_id", task.ID,
		"type", task.Type,
		"queue", task.QueueName(),
		"attempt", task.Attempt,
		"reason", reason,
	)
	return nil
}

// DeadLetters возвращает копию архива мёртвых задач.
func (m *Memory) DeadLetters() []DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeadLetterEntry, len(m.deadLetters))
	copy(out, m.deadLetters)
	return out
}

// Depth возвращает количество ожидающих задач в очереди.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		return 0
	}
	return q.size
}

// Queues возвращает имена известных очередей.
func (m *Memory) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Close закрывает broker. Блокирующиеся Dequeue возвращают ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.wakeLocked()
}

// queue возвращает (создавая при необходимости) состояние очереди.
// Вызывается под mu.
func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			buckets: make(map[domain.Priority][]*queuedTask, len(domain.Priorities)),
			pending: make(map[uuid.UUID]bool),
		}
		m.queues[name] = q
	}
	return q
}

// wakeLocked будит все блокирующиеся Dequeue. Вызывается под mu.
func (m *Memory) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// delayedHeap — min-heap задач по ETA.
type delayedHeap []*queuedTask

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].task.ETA.Before(*h[j].task.ETA)
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) {
	*h = append(*h, x.(*queuedTask))
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	qt := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qt
}
