package tasks

import (
	"context"
	"time"

	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/registry"
)

// Sleep — задача задержки.
//
// Аргументы:
//
//	{
//	    "duration_sec": 10,    // задержка в секундах
//	    // или
//	    "duration_ms": 5000    // задержка в миллисекундах
//	}
//
// Спит кусками по секунде, сообщая прогресс и реагируя на
// soft time limit и отмену контекста.
type Sleep struct{}

// NewSleep создаёт handler задержки.
func NewSleep() *Sleep {
	return &Sleep{}
}

// Execute выполняет задержку.
func (s *Sleep) Execute(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
	duration, err := s.parseDuration(inv.Args)
	if err != nil {
		return nil, err
	}

	total := int(duration / time.Second)
	if total < 1 {
		total = 1
	}

	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	elapsed := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-inv.SoftTimeout:
			// Мягкий лимит: завершаемся досрочно с фактической длительностью
			return map[string]any{
				"duration_ms": time.Since(start).Milliseconds(),
				"interrupted": true,
			}, nil
		case <-ticker.C:
			elapsed++
			inv.Progress(elapsed, total, nil)
		case <-deadline.C:
			return map[string]any{
				"duration_ms": duration.Milliseconds(),
			}, nil
		}
	}
}

func (s *Sleep) parseDuration(args map[string]any) (time.Duration, error) {
	if sec := ArgInt(args, "duration_sec"); sec > 0 {
		return time.Duration(sec) * time.Second, nil
	}
	if ms := ArgInt(args, "duration_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, domain.Permanentf("sleep: duration_sec or duration_ms required")
}
