package repo

import (
	"context"
	"time"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
)

// ArchivingBroker — декоратор broker'а, дублирующий dead-letter записи
// в персистентный архив.
//
// Архив в broker'е (кольцевой буфер или AMQP-очередь) остаётся
// авторитетным для redelivery; Postgres-копия служит для инспекции
// и переживает рестарты. Ошибка вставки не блокирует dead-letter
// поток: задача в любом случае уходит в архив broker'а.
type ArchivingBroker struct {
	broker.Broker
	dead *DeadLetterRepo
}

// NewArchivingBroker оборачивает broker персистентным архивом.
func NewArchivingBroker(b broker.Broker, dead *DeadLetterRepo) *ArchivingBroker {
	return &ArchivingBroker{Broker: b, dead: dead}
}

// DeadLetter архивирует задачу в БД и передаёт дальше broker'у.
func (a *ArchivingBroker) DeadLetter(ctx context.Context, task *domain.TaskRequest, reason string) error {
	entry := broker.DeadLetterEntry{
		Task:       task,
		Reason:     reason,
		ArchivedAt: time.Now(),
	}
	// Best effort: при недоступной БД broker-архив остаётся авторитетным
	_ = a.dead.Insert(ctx, entry)

	return a.Broker.DeadLetter(ctx, task, reason)
}
