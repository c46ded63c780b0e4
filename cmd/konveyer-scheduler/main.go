// Konveyer Scheduler — материализует задачи по расписанию.
//
// Scheduler:
//   - Держит записи расписания (cron-выражения и интервалы)
//   - Каждый тик ставит созревшие задачи в broker как обычный producer
//   - Защищается от дубликатов ключом "{entry}_{fireUnix}"
//
// Записи загружаются из JSON-файла (SCHEDULES_FILE).
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/mq"
	"github.com/shaiso/konveyer/internal/results"
	"github.com/shaiso/konveyer/internal/scheduler"
	"github.com/shaiso/konveyer/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting konveyer-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Broker: RabbitMQ либо in-memory fallback
	taskBroker, closeBroker := newBroker(logger)
	defer closeBroker()

	// Result store: scheduler регистрирует PENDING для материализованных задач
	store := results.NewMemory(results.MemoryConfig{Logger: logger})
	defer store.Close()

	sched := scheduler.New(scheduler.Config{
		Broker:  taskBroker,
		Results: store,
		Logger:  logger,
	})

	// Записи расписания из файла
	if path := os.Getenv("SCHEDULES_FILE"); path != "" {
		if err := loadEntries(sched, path); err != nil {
			logger.Error("failed to load schedules", "file", path, "error", err)
			os.Exit(1)
		}
		logger.Info("schedules loaded", "file", path, "entries", len(sched.Entries()))
	}

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("SCHEDULER_PORT"); v != "" {
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

	sched.Stop()
	logger.Info("konveyer-scheduler stopped")
}

// loadEntries читает записи расписания из JSON-файла.
func loadEntries(sched *scheduler.Scheduler, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var entries []scheduler.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	for _, e := range entries {
		if err := sched.Add(e); err != nil {
			return err
		}
	}
	return nil
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
