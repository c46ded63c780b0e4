package api

import (
	"log/slog"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/pool"
	"github.com/shaiso/konveyer/internal/results"
	"github.com/shaiso/konveyer/internal/scheduler"
)

// Handler — главный обработчик API с зависимостями.
//
// Pool и Scheduler опциональны: API-узел может работать без
// локального пула (задачи исполняют отдельные worker-процессы)
// и без scheduler'а.
type Handler struct {
	broker    broker.Broker
	store     results.Store
	pool      *pool.Manager
	scheduler *scheduler.Scheduler
	queues    []string
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Broker    broker.Broker
	Store     results.Store
	Pool      *pool.Manager
	Scheduler *scheduler.Scheduler

	// Queues — очереди, видимые через GET /queues.
	// По умолчанию — очереди пула либо DefaultQueue.
	Queues []string

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queues := cfg.Queues
	if len(queues) == 0 {
		if cfg.Pool != nil {
			queues = cfg.Pool.Queues()
		} else {
			queues = []string{domain.DefaultQueue}
		}
	}

	return &Handler{
		broker:    cfg.Broker,
		store:     cfg.Store,
		pool:      cfg.Pool,
		scheduler: cfg.Scheduler,
		queues:    queues,
		logger:    logger,
	}
}
