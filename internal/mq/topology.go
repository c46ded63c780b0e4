package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/konveyer/internal/domain"
)

// Топология konveyer в RabbitMQ.
//
// Один direct exchange, очередь на каждое логическое имя очереди задач,
// wait-очередь для отложенных задач (per-message TTL + dead-letter назад
// в ready-очередь) и общий dead-letter архив:
//
//	konveyer.tasks (direct)
//	├── konveyer.tasks.<queue>       [routing: <queue>]        ready-задачи
//	│       x-max-priority=10, x-max-length=<capacity>,
//	│       x-overflow=reject-publish
//	├── konveyer.tasks.<queue>.wait  [routing: <queue>.wait]   ETA-задачи
//	│       x-dead-letter-exchange=konveyer.tasks,
//	│       x-dead-letter-routing-key=<queue>
//	└── konveyer.tasks.dead          [routing: dead]           архив
const (
	// TasksExchange — единственный exchange задач.
	TasksExchange = "konveyer.tasks"

	// DeadLetterQueue — очередь архива мёртвых задач.
	DeadLetterQueue = "konveyer.tasks.dead"

	// DeadLetterRoutingKey — ключ маршрутизации архива.
	DeadLetterRoutingKey = "dead"

	// maxPriority — диапазон AMQP-приоритетов очереди. Уровни задач
	// (1/3/5/10) отображаются в него напрямую.
	maxPriority = 10
)

// QueueName возвращает имя AMQP-очереди для логической очереди задач.
func QueueName(queue string) string {
	return fmt.Sprintf("%s.%s", TasksExchange, queue)
}

// WaitQueueName возвращает имя wait-очереди для отложенных задач.
func WaitQueueName(queue string) string {
	return QueueName(queue) + ".wait"
}

// WaitRoutingKey возвращает ключ маршрутизации wait-очереди.
func WaitRoutingKey(queue string) string {
	return queue + ".wait"
}

// SetupTopology объявляет exchange и dead-letter архив.
// Очереди задач объявляются лениво при первом обращении.
func SetupTopology(conn *Connection) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		if err := declareExchange(ch); err != nil {
			return err
		}
		return declareDeadLetterQueue(ch)
	})
}

// declareExchange объявляет exchange задач.
func declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		TasksExchange, // name
		"direct",      // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", TasksExchange, err)
	}
	return nil
}

// declareDeadLetterQueue объявляет архив мёртвых задач.
func declareDeadLetterQueue(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		DeadLetterQueue, // name
		true,            // durable
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}

	err = ch.QueueBind(DeadLetterQueue, DeadLetterRoutingKey, TasksExchange, false, nil)
	if err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}
	return nil
}

// declareTaskQueue объявляет ready- и wait-очереди для логической очереди.
//
// Ready-очередь ограничена ёмкостью с x-overflow=reject-publish:
// переполнение превращается в nack публикации, который broker
// транслирует в ErrQueueFull. Wait-очередь возвращает сообщения
// в ready-очередь по истечении per-message TTL.
func declareTaskQueue(ch *amqp.Channel, queue string, capacity int) error {
	readyArgs := amqp.Table{
		"x-max-priority": int32(maxPriority),
	}
	if capacity > 0 {
		readyArgs["x-max-length"] = int32(capacity)
		readyArgs["x-overflow"] = "reject-publish"
	}

	name := QueueName(queue)
	if _, err := ch.QueueDeclare(name, true, false, false, false, readyArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, queue, TasksExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}

	waitArgs := amqp.Table{
		"x-dead-letter-exchange":    TasksExchange,
		"x-dead-letter-routing-key": queue,
	}

	waitName := WaitQueueName(queue)
	if _, err := ch.QueueDeclare(waitName, true, false, false, false, waitArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", waitName, err)
	}
	if err := ch.QueueBind(waitName, WaitRoutingKey(queue), TasksExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", waitName, err)
	}

	return nil
}

// amqpPriority отображает уровень приоритета задачи в AMQP-приоритет.
func amqpPriority(p domain.Priority) uint8 {
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return uint8(p)
}
