// Package mq реализует broker.Broker поверх RabbitMQ.
//
// Структура:
//   - connection.go — соединение с автоматическим reconnect
//   - topology.go   — exchange, очереди задач, wait-очереди, архив
//   - broker.go     — реализация интерфейса broker.Broker
//
// Семантика очередей задач отображается на примитивы AMQP:
// x-max-priority для приоритетов, x-max-length + reject-publish для
// ёмкости, wait-очередь с per-message TTL для ETA. Отмена — advisory
// tombstone: AMQP не умеет удалять конкретное сообщение из очереди.
package mq
