// Package broker реализует хранилище ожидающих задач.
//
// Broker секционирует задачи по имени очереди и уровню приоритета.
// Dequeue выдаёт задачу с наибольшим приоритетом среди готовых;
// внутри (queue, priority) — строгий FIFO.
//
// Реализации:
//   - Memory (memory.go) — in-memory broker для одного процесса и тестов
//   - mq.Broker — durable реализация поверх RabbitMQ (пакет internal/mq)
//
// Ёмкость очереди ограничена: Enqueue возвращает ErrQueueFull при
// переполнении, заставляя producer применять собственный backpressure.
package broker
