package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики системы. Экспортируются через /metrics (promhttp)
// в каждом процессе.
var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "konveyer_tasks_total",
		Help: "Tasks finished, by type and terminal state",
	}, []string{"type", "state"})

	taskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "konveyer_task_retries_total",
		Help: "Task retry attempts scheduled, by type",
	}, []string{"type"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "konveyer_task_duration_seconds",
		Help:    "Handler execution duration, by type",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"type"})

	deadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "konveyer_dead_letters_total",
		Help: "Tasks moved to the dead-letter archive, by type",
	}, []string{"type"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "konveyer_queue_depth",
		Help: "Pending tasks per queue (including ETA-delayed)",
	}, []string{"queue"})

	poolSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "konveyer_pool_slots",
		Help: "Execution slots per pool",
	}, []string{"pool"})

	slotRecyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "konveyer_slot_recycles_total",
		Help: "Slot recycles after max_tasks_per_child executions, by pool",
	}, []string{"pool"})
)

// ObserveTask фиксирует завершение задачи.
func ObserveTask(taskType, state string, duration time.Duration) {
	tasksTotal.WithLabelValues(taskType, state).Inc()
	taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// ObserveRetry фиксирует запланированный retry.
func ObserveRetry(taskType string) {
	taskRetriesTotal.WithLabelValues(taskType).Inc()
}

// ObserveDeadLetter фиксирует уход задачи в dead-letter.
func ObserveDeadLetter(taskType string) {
	deadLettersTotal.WithLabelValues(taskType).Inc()
}

// SetQueueDepth обновляет глубину очереди.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetPoolSlots обновляет количество slot'ов пула.
func SetPoolSlots(pool string, slots int) {
	poolSlots.WithLabelValues(pool).Set(float64(slots))
}

// ObserveSlotRecycle фиксирует recycle slot'а.
func ObserveSlotRecycle(pool string) {
	slotRecyclesTotal.WithLabelValues(pool).Inc()
}
