package pool

import (
	"context"
	"time"

	"github.com/shaiso/konveyer/internal/telemetry"
)

// Значения autoscaler'а по умолчанию.
const (
	defaultAutoscaleInterval     = 5 * time.Second
	defaultAutoscaleDepthPerSlot = 10
)

// AutoscaleConfig — границы авто-масштабирования пула.
//
// Autoscaler раз в Interval сравнивает глубину очередей с количеством
// slot'ов: устойчиво высокая глубина на slot добавляет slot'ы (до Max),
// низкая — убирает (до Min). Пул не сжимается, пока сглаженная
// латентность задач растёт: глубина может быть низкой именно потому,
// что задачи стали медленнее.
type AutoscaleConfig struct {
	// Min — нижняя граница slot'ов (default: 1).
	Min int

	// Max — верхняя граница slot'ов (default: Concurrency).
	Max int

	// DepthPerSlot — целевая глубина очереди на slot (default: 10).
	DepthPerSlot int

	// Interval — период оценки (default: 5s).
	Interval time.Duration
}

func (c *AutoscaleConfig) withDefaults(concurrency int) AutoscaleConfig {
	cfg := *c
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max <= 0 {
		cfg.Max = concurrency
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.DepthPerSlot <= 0 {
		cfg.DepthPerSlot = defaultAutoscaleDepthPerSlot
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultAutoscaleInterval
	}
	return cfg
}

// autoscaleLoop — цикл авто-масштабирования.
func (m *Manager) autoscaleLoop(ctx context.Context) {
	cfg := m.autoscale.withDefaults(m.concurrency)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var prevLatency time.Duration

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		depth := 0
		for _, q := range m.queues {
			d := m.broker.Depth(q)
			telemetry.SetQueueDepth(q, d)
			depth += d
		}

		slots := m.SlotCount()
		if slots == 0 {
			continue
		}

		latency := m.Latency()
		perSlot := depth / slots

		switch {
		case perSlot > cfg.DepthPerSlot && slots < cfg.Max:
			m.addSlot()
			m.logger.Info("autoscale up",
				"depth", depth,
				"slots", slots+1,
				"depth_per_slot", perSlot,
			)

		case perSlot < cfg.DepthPerSlot/2 && slots > cfg.Min && latency <= prevLatency:
			m.removeSlot()
			m.logger.Info("autoscale down",
				"depth", depth,
				"slots", slots-1,
				"depth_per_slot", perSlot,
			)
		}

		prevLatency = latency
	}
}
