// Konveyer Worker — исполняет задачи из очередей.
//
// Worker:
//   - Забирает задачи из broker'а (приоритеты, ETA)
//   - Выполняет их slot'ами пула с retry, time limit и recycle
//   - Двигает workflow: продолжения chain, счётчики chord
//   - Пишет состояния и результаты в Result Store
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/mq"
	"github.com/shaiso/konveyer/internal/pool"
	"github.com/shaiso/konveyer/internal/registry"
	"github.com/shaiso/konveyer/internal/repo"
	"github.com/shaiso/konveyer/internal/results"
	"github.com/shaiso/konveyer/internal/tasks"
	"github.com/shaiso/konveyer/internal/telemetry"
	"github.com/shaiso/konveyer/internal/workflow"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting konveyer-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Broker: RabbitMQ либо in-memory fallback
	taskBroker, closeBroker := newBroker(logger)
	defer closeBroker()

	// Postgres (опционально): персистентный dead-letter архив и
	// chord-счётчики для multi-process развёртываний
	var counters workflow.CounterStore = workflow.NewMemoryCounters()
	if os.Getenv("DB_URL") != "" {
		db, err := repo.NewPool(ctx)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := repo.Migrate(ctx, db); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("database connected")

		taskBroker = repo.NewArchivingBroker(taskBroker, repo.NewDeadLetterRepo(db))
		counters = repo.NewChordRepo(db)
	}

	// Result store
	store := results.NewMemory(results.MemoryConfig{Logger: logger})
	defer store.Close()

	// Реестр типов задач
	reg := registry.New()
	tasks.RegisterBuiltins(reg)

	// Workflow coordinator: продолжения chain и chord-счётчики
	coordinator := workflow.NewCoordinator(workflow.CoordinatorConfig{
		Broker:   taskBroker,
		Results:  store,
		Counters: counters,
		Logger:   logger,
	})

	// Пул
	queues := []string{"default"}
	if v := os.Getenv("WORKER_QUEUES"); v != "" {
		queues = strings.Split(v, ",")
	}
	concurrency := 0
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		concurrency, _ = strconv.Atoi(v)
	}
	maxTasksPerChild := 0
	if v := os.Getenv("WORKER_MAX_TASKS_PER_CHILD"); v != "" {
		maxTasksPerChild, _ = strconv.Atoi(v)
	}

	manager := pool.New(pool.Config{
		Broker:           taskBroker,
		Registry:         reg,
		Results:          store,
		Hooks:            coordinator,
		Queues:           queues,
		Concurrency:      concurrency,
		MaxTasksPerChild: maxTasksPerChild,
		Logger:           logger,
	})

	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start pool", "error", err)
		os.Exit(1)
	}
	logger.Info("pool started", "queues", queues, "slots", manager.SlotCount())

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем пул: in-flight задачи получают grace period
	manager.Stop()
	logger.Info("konveyer-worker stopped")
}

// newBroker подключается к RabbitMQ; при недоступности или BROKER=memory
// возвращает in-memory broker (только для single-process запуска).
func newBroker(logger *slog.Logger) (broker.Broker, func()) {
	if os.Getenv("BROKER") == "memory" {
		logger.Info("using in-memory broker")
		return broker.NewMemory(broker.MemoryConfig{}), func() {}
	}

	conn, err := mq.NewConnection(mq.ConnectionConfig{URL: os.Getenv("RABBITMQ_URL")})
	if err != nil {
		logger.Warn("RabbitMQ not available, falling back to in-memory broker", "error", err)
		return broker.NewMemory(broker.MemoryConfig{}), func() {}
	}

	b, err := mq.NewBroker(mq.BrokerConfig{Connection: conn})
	if err != nil {
		logger.Warn("failed to setup AMQP topology, falling back to in-memory broker", "error", err)
		conn.Close()
		return broker.NewMemory(broker.MemoryConfig{}), func() {}
	}

	logger.Info("RabbitMQ connected")
	return b, func() { b.Close() }
}
