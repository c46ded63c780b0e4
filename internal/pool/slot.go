package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/registry"
	"github.com/shaiso/konveyer/internal/results"
	"github.com/shaiso/konveyer/internal/telemetry"
)

// slotState — один конкурентный slot выполнения.
//
// Scratch живёт не дольше одного поколения: recycle после
// max_tasks_per_child выполнений пересоздаёт его, предотвращая
// накопление утечек state'а в долгоживущих handler'ах.
type slotState struct {
	id int

	mu            sync.Mutex
	generation    int
	executed      int
	totalExecuted int
	current       *uuid.UUID
	heartbeat     time.Time
	scratch       map[string]any

	// quit сигнализирует slot'у завершиться после текущей задачи
	// (scale down).
	quit chan struct{}
}

func newSlotState(id int) *slotState {
	return &slotState{
		id:        id,
		scratch:   make(map[string]any),
		heartbeat: time.Now(),
		quit:      make(chan struct{}),
	}
}

// recycle начинает новое поколение со свежим execution context.
func (s *slotState) recycle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.executed = 0
	s.scratch = make(map[string]any)
}

func (s *slotState) beginTask(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = &id
	s.heartbeat = time.Now()
}

func (s *slotState) endTask() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	s.executed++
	s.totalExecuted++
	s.heartbeat = time.Now()
}

func (s *slotState) info() SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SlotInfo{
		ID:            s.id,
		Generation:    s.generation,
		Executed:      s.executed,
		TotalExecuted: s.totalExecuted,
		Heartbeat:     s.heartbeat,
	}
	if s.current != nil {
		id := *s.current
		info.CurrentTask = &id
	}
	return info
}

// superviseSlot — supervisor цикла slot'а: перезапускает его после
// recycle и после принудительного завершения по time_limit.
func (m *Manager) superviseSlot(s *slotState) {
	logger := telemetry.WithSlot(m.logger, m.name, s.id)

	for {
		restart := m.slotLoop(s, logger)
		if !restart {
			return
		}

		s.recycle()
		telemetry.ObserveSlotRecycle(m.name)
		logger.Info("slot recycled", "generation", s.generation)
	}
}

// slotLoop выполняет задачи до recycle, scale-down сигнала или
// закрытия prefetch-канала. Возвращает true, если slot должен быть
// перезапущен со свежим execution context.
func (m *Manager) slotLoop(s *slotState, logger *slog.Logger) bool {
	for {
		select {
		case <-s.quit:
			return false
		case task, ok := <-m.prefetch:
			if !ok {
				return false
			}
			if m.IsStopping() {
				// Остановка: prefetched задачи возвращаются в очередь,
				// новые выполнения не начинаются.
				m.requeueUnstarted(task)
				continue
			}

			s.beginTask(task.ID)
			recycleNow := m.execute(s, task)
			s.endTask()

			if recycleNow {
				return true
			}
			if m.maxTasksPerChild > 0 {
				s.mu.Lock()
				reached := s.executed >= m.maxTasksPerChild
				s.mu.Unlock()
				if reached {
					return true
				}
			}
		}
	}
}

// execResult — исход вызова handler'а.
type execResult struct {
	result map[string]any
	err    error
}

// execute — wrapper одного выполнения: rate limit, запись STARTED,
// вызов handler'а с лимитами времени, классификация исхода.
//
// Возвращает true, если slot должен быть немедленно recycled
// (принудительное завершение по time_limit оставляет goroutine
// handler'а брошенной — свежий execution context обязателен).
func (m *Manager) execute(s *slotState, task *domain.TaskRequest) bool {
	ctx := context.Background()
	logger := telemetry.WithTaskID(telemetry.WithSlot(m.logger, m.name, s.id), task.ID.String())

	reg, err := m.registry.Get(task.Type)
	if err != nil {
		// Незарегистрированный тип — постоянная ошибка: retry не поможет.
		logger.Error("unknown task type", "type", task.Type)
		m.failTask(ctx, logger, task, domain.ClassifyError(domain.Permanent(err), task.Attempt), 0)
		return false
	}

	policy, _ := m.registry.EffectivePolicy(task)

	if limiter := reg.Limiter(); limiter != nil {
		limCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-m.force:
				cancel()
			case <-limCtx.Done():
			}
		}()
		err := limiter.Acquire(limCtx)
		cancel()
		if err != nil {
			// Остановка во время ожидания токена — задача не начата.
			m.requeueUnstarted(task)
			return false
		}
	}

	m.writeState(logger, task.ID, results.Write{State: domain.StateStarted, Attempt: task.Attempt})
	logger.Info("task started", "type", task.Type, "attempt", task.Attempt)

	handlerCtx, cancel := context.WithTimeout(ctx, policy.TimeLimit)
	defer cancel()

	var softCh chan struct{}
	if policy.SoftTimeLimit > 0 && policy.SoftTimeLimit < policy.TimeLimit {
		softCh = make(chan struct{})
		softTimer := time.AfterFunc(policy.SoftTimeLimit, func() {
			logger.Warn("soft time limit reached", "soft_limit", policy.SoftTimeLimit)
			close(softCh)
		})
		defer softTimer.Stop()
	}

	inv := &registry.Invocation{
		Task:        task,
		Args:        task.Args,
		Attempt:     task.Attempt,
		Scratch:     s.scratch,
		SoftTimeout: softCh,
		Report: func(current, total int, meta map[string]any) {
			m.results.SetProgress(ctx, task.ID, results.Progress{Current: current, Total: total, Meta: meta})
		},
	}

	start := time.Now()
	done := make(chan execResult, 1)
	go func() {
		res, err := reg.Handler.Execute(handlerCtx, inv)
		done <- execResult{result: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && handlerCtx.Err() != nil && errors.Is(r.err, context.DeadlineExceeded) {
			// Кооперативный handler вернул ошибку дедлайна сам —
			// классифицируется как time_limit, а не transient.
			r.err = domain.ErrTimeLimitExceeded
		}
		m.finishTask(ctx, logger, task, policy, r, time.Since(start))
		return false

	case <-handlerCtx.Done():
		// time_limit: goroutine handler'а бросается, slot recycled —
		// частично выполненный контекст не переиспользуется.
		dur := time.Since(start)
		logger.Error("task exceeded time limit", "type", task.Type, "limit", policy.TimeLimit)
		payload := domain.ClassifyError(domain.ErrTimeLimitExceeded, task.Attempt)
		m.failTask(ctx, logger, task, payload, dur)
		return true

	case <-m.force:
		// Grace period истёк: выполнение прерывается, задача
		// возвращается в очередь для redelivery (at-least-once).
		cancel()
		logger.Warn("force-terminating in-flight task", "type", task.Type)
		m.requeueInFlight(logger, task)
		return false
	}
}

// finishTask классифицирует исход завершившегося handler'а.
func (m *Manager) finishTask(ctx context.Context, logger *slog.Logger, task *domain.TaskRequest, policy registry.Policy, r execResult, dur time.Duration) {
	m.observeLatency(dur)

	if r.err == nil {
		m.writeState(logger, task.ID, results.Write{
			State:   domain.StateSuccess,
			Result:  r.result,
			Attempt: task.Attempt,
		})
		telemetry.ObserveTask(task.Type, string(domain.StateSuccess), dur)
		logger.Info("task succeeded", "type", task.Type, "duration", dur)

		if m.hooks != nil {
			m.hooks.TaskFinished(ctx, task, domain.StateSuccess, r.result, nil)
		}
		m.ackTask(logger, task)
		return
	}

	payload := domain.ClassifyError(r.err, task.Attempt)

	switch {
	case payload.Kind == domain.ErrorKindPermanent:
		logger.Error("task failed permanently", "type", task.Type, "error", r.err)
		m.failTask(ctx, logger, task, payload, dur)

	case payload.Kind == domain.ErrorKindTimeout:
		// time_limit не ретраится автоматически: частичные side effects
		// могут быть небезопасны для повтора.
		logger.Error("task exceeded time limit", "type", task.Type, "error", r.err)
		m.failTask(ctx, logger, task, payload, dur)

	case task.Attempt < policy.MaxRetries:
		m.retryTask(ctx, logger, task, policy, payload)

	default:
		payload.Kind = domain.ErrorKindExhausted
		logger.Error("task exhausted retries",
			"type", task.Type,
			"attempts", task.Attempt+1,
			"error", r.err,
		)
		m.failTask(ctx, logger, task, payload, dur)
	}
}

// retryTask планирует повтор: RETRY → PENDING в store, re-enqueue
// с ETA = now + backoff(attempt) и инкрементом счётчика попыток.
func (m *Manager) retryTask(ctx context.Context, logger *slog.Logger, task *domain.TaskRequest, policy registry.Policy, payload *domain.ErrorPayload) {
	delay := registry.Backoff(policy, task.Attempt)

	m.writeState(logger, task.ID, results.Write{
		State:   domain.StateRetry,
		Error:   payload,
		Attempt: task.Attempt,
	})
	m.writeState(logger, task.ID, results.Write{
		State:   domain.StatePending,
		Attempt: task.Attempt,
	})

	next := task.WithETA(time.Now().Add(delay))
	next.Attempt = task.Attempt + 1

	if err := m.broker.Requeue(ctx, next); err != nil {
		// Requeue обходит ёмкость, так что это отказ broker'а целиком.
		// Задача не теряется молча: фиксируем в dead-letter архиве.
		logger.Error("failed to requeue for retry", "error", err)
		m.failTask(ctx, logger, task, payload, 0)
		return
	}

	telemetry.ObserveRetry(task.Type)
	logger.Warn("task scheduled for retry",
		"type", task.Type,
		"attempt", next.Attempt,
		"delay", delay,
		"error", payload.Message,
	)
}

// failTask — терминальный FAILURE: запись состояния, dead-letter архив,
// workflow-уведомление.
func (m *Manager) failTask(ctx context.Context, logger *slog.Logger, task *domain.TaskRequest, payload *domain.ErrorPayload, dur time.Duration) {
	m.writeState(logger, task.ID, results.Write{
		State:   domain.StateFailure,
		Error:   payload,
		Attempt: task.Attempt,
	})

	if err := m.broker.DeadLetter(ctx, task, payload.Message); err != nil {
		logger.Error("failed to archive dead letter", "error", err)
	}

	telemetry.ObserveTask(task.Type, string(domain.StateFailure), dur)
	telemetry.ObserveDeadLetter(task.Type)

	if m.hooks != nil {
		m.hooks.TaskFinished(ctx, task, domain.StateFailure, nil, payload)
	}
	m.ackTask(logger, task)
}

// ackTask подтверждает забранную задачу после терминального завершения.
//
// До подтверждения broker хранит выдачу unacked: падение процесса
// возвращает prefetched и in-flight задачи в очередь. Retry и requeue
// подтверждают claim внутри broker.Requeue после republish.
func (m *Manager) ackTask(logger *slog.Logger, task *domain.TaskRequest) {
	ackCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.broker.Ack(ackCtx, task); err != nil {
		logger.Warn("failed to ack task, redelivery possible", "error", err)
	}
}

// requeueInFlight возвращает принудительно завершённую задачу в очередь:
// RETRY → PENDING без инкремента попытки (redelivery — не retry).
func (m *Manager) requeueInFlight(logger *slog.Logger, task *domain.TaskRequest) {
	payload := &domain.ErrorPayload{
		Kind:    domain.ErrorKindTransient,
		Message: "worker shutdown, task requeued",
		Attempt: task.Attempt,
	}

	m.writeState(logger, task.ID, results.Write{State: domain.StateRetry, Error: payload, Attempt: task.Attempt})
	m.writeState(logger, task.ID, results.Write{State: domain.StatePending, Attempt: task.Attempt})

	rqCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.broker.Requeue(rqCtx, task); err != nil {
		logger.Error("failed to requeue in-flight task", "task_id", task.ID, "error", err)
	}
}

// writeState записывает переход состояния, логируя отказы.
//
// Недоступность store не фатальна (выполнение продолжается, decorator
// Retrying повторяет запись в фоне); недопустимый переход — это
// data-integrity предупреждение, не ошибка worker'а.
func (m *Manager) writeState(logger *slog.Logger, taskID uuid.UUID, w results.Write) {
	err := m.results.SetState(context.Background(), taskID, w)
	if err == nil {
		return
	}
	if errors.Is(err, results.ErrIllegalTransition) {
		logger.Warn("state write rejected", "state", w.State, "error", err)
		return
	}
	logger.Warn("state write failed", "state", w.State, "error", err)
}
