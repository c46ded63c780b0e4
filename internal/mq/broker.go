package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
)

// Значения по умолчанию.
const (
	defaultPollInterval = 100 * time.Millisecond
	tombstoneTTL        = time.Hour
)

// Broker — RabbitMQ-реализация broker.Broker для multi-process
// развёртываний.
//
// Отображение семантики на AMQP:
//   - приоритет: x-max-priority очереди + Publishing.Priority
//   - ёмкость: x-max-length + x-overflow=reject-publish, nack публикации
//     транслируется в ErrQueueFull (publisher confirms)
//   - ETA: wait-очередь с per-message TTL и dead-letter назад
//     в ready-очередь
//   - cancel: advisory tombstone в памяти процесса — AMQP не умеет
//     удалять конкретное сообщение; отменённая задача отбрасывается
//     при выдаче
//   - at-least-once: выдача остаётся unacked до Ack после терминального
//     завершения (или до Requeue); падение процесса возвращает
//     prefetched и in-flight задачи в очередь redelivery'ом сервера
type Broker struct {
	conn     *Connection
	logger   *slog.Logger
	capacity int
	poll     time.Duration

	// declared — очереди, для которых топология уже объявлена.
	declared   map[string]bool
	declaredMu sync.Mutex

	// unacked — claimed, но не подтверждённые выдачи
	// (ID задачи → канал и delivery tag).
	unacked   map[uuid.UUID]pendingDelivery
	unackedMu sync.Mutex

	// cancelled — tombstone'ы отменённых задач (ID → время отмены).
	cancelled   map[uuid.UUID]time.Time
	cancelledMu sync.Mutex

	closed   bool
	closedMu sync.RWMutex
}

// BrokerConfig — конфигурация AMQP broker'а.
type BrokerConfig struct {
	// Connection — установленное соединение.
	Connection *Connection

	// Capacity — максимальный backlog одной очереди (default: 10000).
	// Отрицательное значение — без ограничения.
	Capacity int

	// PollInterval — период опроса при пустых очередях (default: 100ms).
	PollInterval time.Duration

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// Проверка реализации интерфейса.
var _ broker.Broker = (*Broker)(nil)

// NewBroker создаёт AMQP broker и объявляет базовую топологию.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = 10000
	}
	if capacity < 0 {
		capacity = 0
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		conn:      cfg.Connection,
		logger:    logger,
		capacity:  capacity,
		poll:      poll,
		declared:  make(map[string]bool),
		unacked:   make(map[uuid.UUID]pendingDelivery),
		cancelled: make(map[uuid.UUID]time.Time),
	}

	if err := SetupTopology(b.conn); err != nil {
		return nil, fmt.Errorf("setup topology: %w", err)
	}

	return b, nil
}

// Enqueue ставит задачу в очередь.
func (b *Broker) Enqueue(ctx context.Context, task *domain.TaskRequest) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("%w: %d", broker.ErrInvalidPriority, task.Priority)
	}

	return b.publish(ctx, task, true)
}

// Requeue возвращает задачу в очередь (redelivery или retry с backoff).
//
// Nack из-за переполнения повторяется с паузой: redelivery не имеет
// права потерять задачу из-за ёмкости. Если задача была claimed этим
// процессом, исходная выдача подтверждается только после успешного
// republish — падение между publish и ack даёт дубликат, не потерю.
func (b *Broker) Requeue(ctx context.Context, task *domain.TaskRequest) error {
	if b.isClosed() {
		return broker.ErrClosed
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = b.publish(ctx, task, false); err == nil {
			b.ackClaim(task)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.poll):
		}
	}
	return fmt.Errorf("requeue task %s: %w", task.ID, err)
}

// publish сериализует задачу и публикует её в ready- или wait-очередь.
func (b *Broker) publish(ctx context.Context, task *domain.TaskRequest, bounded bool) error {
	queue := task.QueueName()
	if err := b.ensureQueue(queue); err != nil {
		return err
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	routingKey := queue
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.ID.String(),
		Priority:     amqpPriority(task.Priority),
		Timestamp:    time.Now(),
		Body:         body,
	}

	// Отложенная задача едет через wait-очередь: per-message TTL
	// возвращает её в ready-очередь в момент ETA.
	if delay := time.Until(taskETA(task)); delay > 0 {
		routingKey = WaitRoutingKey(queue)
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	return b.conn.WithChannel(func(ch *amqp.Channel) error {
		conf, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			TasksExchange,
			routingKey,
			true,  // mandatory
			false, // immediate
			pub,
		)
		if err != nil {
			return fmt.Errorf("%w: publish: %v", domain.ErrBrokerUnavailable, err)
		}

		acked, err := conf.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			if bounded {
				return broker.ErrQueueFull
			}
			return fmt.Errorf("publish nacked for task %s", task.ID)
		}

		b.logger.Debug("task published",
			"task_id", task.ID,
			"queue", queue,
			"routing_key", routingKey,
			"priority", task.Priority,
		)
		return nil
	})
}

// Dequeue забирает готовую задачу из перечисленных очередей.
//
// Очереди опрашиваются по кругу с паузой poll; приоритет внутри очереди
// обеспечивает x-max-priority на стороне RabbitMQ. Возвращает (nil, nil)
// по таймауту.
func (b *Broker) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*domain.TaskRequest, error) {
	deadline := time.Now().Add(timeout)

	for {
		if b.isClosed() {
			return nil, broker.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, queue := range queues {
			task, err := b.getOne(queue)
			if err != nil {
				return nil, err
			}
			if task != nil {
				return task, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(b.poll, remaining)):
		}
	}
}

// getOne пытается забрать одну задачу из очереди.
//
// Выдача НЕ подтверждается при claim'е: delivery tag запоминается и
// подтверждается позже, через Ack или Requeue. Пока подтверждения нет,
// сообщение остаётся unacked на сервере и переживает падение процесса.
// Отменённые и некорректные сообщения подтверждаются и отбрасываются
// сразу — им redelivery не нужен.
func (b *Broker) getOne(queue string) (*domain.TaskRequest, error) {
	if err := b.ensureQueue(queue); err != nil {
		return nil, err
	}

	var task *domain.TaskRequest
	err := b.conn.WithChannel(func(ch *amqp.Channel) error {
		for {
			msg, ok, err := ch.Get(QueueName(queue), false)
			if err != nil {
				return fmt.Errorf("%w: get: %v", domain.ErrBrokerUnavailable, err)
			}
			if !ok {
				return nil
			}

			var t domain.TaskRequest
			if err := json.Unmarshal(msg.Body, &t); err != nil {
				b.logger.Error("malformed task message, dropping",
					"queue", queue,
					"message_id", msg.MessageId,
					"error", err,
				)
				msg.Ack(false)
				continue
			}

			if b.isCancelled(t.ID) {
				b.logger.Info("dropping cancelled task", "task_id", t.ID, "queue", queue)
				msg.Ack(false)
				continue
			}

			b.trackDelivery(t.ID, ch, msg.DeliveryTag)
			task = &t
			return nil
		}
	})
	return task, err
}

// pendingDelivery — claimed, но не подтверждённая AMQP-выдача.
type pendingDelivery struct {
	ch  *amqp.Channel
	tag uint64
}

// trackDelivery запоминает неподтверждённую выдачу задачи.
// Повторный claim того же ID (redelivery) замещает запись: прежний
// tag останется unacked и вернётся в очередь при закрытии канала.
func (b *Broker) trackDelivery(taskID uuid.UUID, ch *amqp.Channel, tag uint64) {
	b.unackedMu.Lock()
	defer b.unackedMu.Unlock()
	b.unacked[taskID] = pendingDelivery{ch: ch, tag: tag}
}

// popDelivery изымает неподтверждённую выдачу задачи.
func (b *Broker) popDelivery(taskID uuid.UUID) (pendingDelivery, bool) {
	b.unackedMu.Lock()
	defer b.unackedMu.Unlock()

	d, ok := b.unacked[taskID]
	if ok {
		delete(b.unacked, taskID)
	}
	return d, ok
}

// Ack подтверждает обработку забранной задачи.
//
// Вызывается после терминального завершения: до этого момента сообщение
// остаётся unacked, и падение worker'а (включая kill -9) возвращает
// prefetched и in-flight задачи в очередь. Отказ подтверждения не
// фатален — сервер передоставит сообщение (at-least-once).
func (b *Broker) Ack(ctx context.Context, task *domain.TaskRequest) error {
	d, ok := b.popDelivery(task.ID)
	if !ok {
		return nil
	}
	if err := d.ch.Ack(d.tag, false); err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

// ackClaim подтверждает исходную выдачу после republish: новая копия
// уже durable, двойная доставка старой не нужна. Отказ не фатален —
// redelivery даст дубликат, который worker обработает повторно.
func (b *Broker) ackClaim(task *domain.TaskRequest) {
	d, ok := b.popDelivery(task.ID)
	if !ok {
		return
	}
	if err := d.ch.Ack(d.tag, false); err != nil {
		b.logger.Warn("failed to ack claim after republish, duplicate delivery possible",
			"task_id", task.ID,
			"error", err,
		)
	}
}

// Cancel помечает PENDING-задачу отменённой.
//
// AMQP не позволяет удалить конкретное сообщение, поэтому отмена —
// tombstone в памяти процесса: задача отбрасывается при выдаче.
// Отмена advisory: уже забранная задача завершится.
func (b *Broker) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	if b.isClosed() {
		return false, broker.ErrClosed
	}

	b.cancelledMu.Lock()
	defer b.cancelledMu.Unlock()

	now := time.Now()
	b.cancelled[taskID] = now

	// Протухшие tombstone'ы вычищаются попутно
	for id, at := range b.cancelled {
		if now.Sub(at) > tombstoneTTL {
			delete(b.cancelled, id)
		}
	}

	return true, nil
}

// isCancelled возвращает true для отменённой задачи.
func (b *Broker) isCancelled(taskID uuid.UUID) bool {
	b.cancelledMu.Lock()
	defer b.cancelledMu.Unlock()

	_, ok := b.cancelled[taskID]
	return ok
}

// DeadLetter перемещает задачу в архив мёртвых задач.
func (b *Broker) DeadLetter(ctx context.Context, task *domain.TaskRequest, reason string) error {
	if b.isClosed() {
		return broker.ErrClosed
	}

	entry := broker.DeadLetterEntry{
		Task:       task,
		Reason:     reason,
		ArchivedAt: time.Now(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", task.ID, err)
	}

	return b.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			TasksExchange,
			DeadLetterRoutingKey,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    task.ID.String(),
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("%w: publish dead letter: %v", domain.ErrBrokerUnavailable, err)
		}
		return nil
	})
}

// Depth возвращает количество ожидающих задач в очереди,
// включая отложенные по ETA (wait-очередь).
func (b *Broker) Depth(queue string) int {
	if err := b.ensureQueue(queue); err != nil {
		return 0
	}

	var depth int
	b.conn.WithChannel(func(ch *amqp.Channel) error {
		if q, err := ch.QueueDeclarePassive(QueueName(queue), true, false, false, false, nil); err == nil {
			depth += q.Messages
		}
		if q, err := ch.QueueDeclarePassive(WaitQueueName(queue), true, false, false, false, nil); err == nil {
			depth += q.Messages
		}
		return nil
	})
	return depth
}

// Close закрывает broker вместе с соединением.
func (b *Broker) Close() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	b.closedMu.Unlock()

	return b.conn.Close()
}

func (b *Broker) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

// ensureQueue лениво объявляет топологию логической очереди.
func (b *Broker) ensureQueue(queue string) error {
	b.declaredMu.Lock()
	defer b.declaredMu.Unlock()

	if b.declared[queue] {
		return nil
	}

	err := b.conn.WithChannel(func(ch *amqp.Channel) error {
		return declareTaskQueue(ch, queue, b.capacity)
	})
	if err != nil {
		return err
	}

	b.declared[queue] = true
	return nil
}

// taskETA возвращает ETA задачи или нулевое время.
func taskETA(task *domain.TaskRequest) time.Time {
	if task.ETA == nil {
		return time.Time{}
	}
	return *task.ETA
}
