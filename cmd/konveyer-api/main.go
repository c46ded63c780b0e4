// Konveyer API — HTTP поверхность для постановки задач,
// статусов, отмены, инспекции очередей и управления пулом.
//
// В режиме EMBEDDED_WORKER=1 процесс дополнительно поднимает
// worker pool и scheduler: single-binary запуск для разработки,
// в котором pool-control endpoints управляют локальным пулом.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/konveyer/internal/api"
	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/mq"
	"github.com/shaiso/konveyer/internal/pool"
	"github.com/shaiso/konveyer/internal/registry"
	"github.com/shaiso/konveyer/internal/results"
	"github.com/shaiso/konveyer/internal/scheduler"
	"github.com/shaiso/konveyer/internal/tasks"
	"github.com/shaiso/konveyer/internal/telemetry"
	"github.com/shaiso/konveyer/internal/workflow"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "konveyer_api_http_requests_total",
		Help: "Total HTTP requests handled by konveyer-api",
	})
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting konveyer-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Broker: RabbitMQ либо in-memory fallback
	taskBroker, closeBroker := newBroker(logger)
	defer closeBroker()

	// Result store
	store := results.NewMemory(results.MemoryConfig{Logger: logger})
	defer store.Close()

	// Scheduler живёт в API процессе: записи управляются через /schedules
	sched := scheduler.New(scheduler.Config{
		Broker:  taskBroker,
		Results: store,
		Logger:  logger,
	})
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	// Встроенный worker pool (single-binary режим)
	var manager *pool.Manager
	if os.Getenv("EMBEDDED_WORKER") == "1" {
		reg := registry.New()
		tasks.RegisterBuiltins(reg)

		coordinator := workflow.NewCoordinator(workflow.CoordinatorConfig{
			Broker:   taskBroker,
			Results:  store,
			Counters: workflow.NewMemoryCounters(),
			Logger:   logger,
		})

		queues := []string{"default"}
		if v := os.Getenv("WORKER_QUEUES"); v != "" {
			queues = strings.Split(v, ",")
		}

		manager = pool.New(pool.Config{
			Broker:   taskBroker,
			Registry: reg,
			Results:  store,
			Hooks:    coordinator,
			Queues:   queues,
			Logger:   logger,
		})
		if err := manager.Start(ctx); err != nil {
			logger.Error("failed to start embedded pool", "error", err)
			os.Exit(1)
		}
		defer manager.Stop()
		logger.Info("embedded pool started", "queues", queues, "slots", manager.SlotCount())
	}

	// API handler
	handler := api.NewHandler(api.Config{
		Broker:    taskBroker,
		Store:     store,
		Pool:      manager,
		Scheduler: sched,
		Logger:    logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
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
