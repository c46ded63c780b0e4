package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/results"
)

// Coordinator продвигает workflow на терминальных завершениях задач.
//
// Реализует pool.Hooks: исполняющий slot вызывает TaskFinished прямо
// после терминальной записи — продолжения цепочек и callback'и
// chord'ов ставятся без внешнего poller'а.
type Coordinator struct {
	broker   broker.Broker
	results  results.Store
	counters CounterStore
	logger   *slog.Logger
}

// CoordinatorConfig — зависимости Coordinator'а.
type CoordinatorConfig struct {
	// Broker — очередь задач.
	Broker broker.Broker

	// Results — хранилище состояний.
	Results results.Store

	// Counters — трекер chord-счётчиков.
	Counters CounterStore

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// NewCoordinator создаёт Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		broker:   cfg.Broker,
		results:  cfg.Results,
		counters: cfg.Counters,
		logger:   logger,
	}
}

// TaskFinished обрабатывает терминальное завершение задачи.
func (c *Coordinator) TaskFinished(ctx context.Context, task *domain.TaskRequest, state domain.TaskState, result map[string]any, errPayload *domain.ErrorPayload) {
	meta := task.Workflow
	if meta == nil {
		return
	}

	if meta.Continuation != nil {
		if state == domain.StateSuccess {
			c.enqueueContinuation(ctx, task, meta.Continuation, result)
		} else {
			// Провал звена обрывает цепочку: продолжение не ставится.
			c.logger.Warn("chain aborted by failed link",
				"task_id", task.ID,
				"continuation", meta.Continuation.ID,
			)
		}
	}

	if meta.InChord() {
		c.memberFinished(ctx, task, state, result, errPayload)
	}
}

// enqueueContinuation ставит следующее звено цепочки, подставив результат
// предшественника в args["input"].
func (c *Coordinator) enqueueContinuation(ctx context.Context, prev, next *domain.TaskRequest, result map[string]any) {
	if next.Args == nil {
		next.Args = make(map[string]any)
	}
	next.Args["input"] = result
	next.EnqueuedAt = time.Now()

	if err := c.results.SetState(ctx, next.ID, results.Write{State: domain.StatePending}); err != nil {
		c.logger.Warn("failed to register continuation status", "task_id", next.ID, "error", err)
	}

	// Requeue, а не Enqueue: внутренняя постановка не ограничена
	// ёмкостью — отказ разорвал бы цепочку.
	if err := c.broker.Requeue(ctx, next); err != nil {
		c.logger.Error("failed to enqueue continuation",
			"task_id", next.ID,
			"after", prev.ID,
			"error", err,
		)
		return
	}

	c.logger.Debug("continuation enqueued", "task_id", next.ID, "after", prev.ID)
}

// memberFinished уменьшает счётчик chord'а и, при нуле, ставит callback.
func (c *Coordinator) memberFinished(ctx context.Context, task *domain.TaskRequest, state domain.TaskState, result map[string]any, errPayload *domain.ErrorPayload) {
	meta := task.Workflow

	res := domain.MemberResult{
		TaskID: task.ID,
		Index:  meta.GroupIndex,
		State:  state,
		Result: result,
		Error:  errPayload,
	}

	remaining, aborted, err := c.counters.AddResult(ctx, meta.ChordID, res)
	if err != nil {
		if errors.Is(err, ErrChordAborted) {
			// Позднее завершение после FailFast-прерывания.
			c.logger.Debug("chord already aborted", "chord_id", meta.ChordID, "task_id", task.ID)
			return
		}
		c.logger.Error("failed to record chord member result",
			"chord_id", meta.ChordID,
			"task_id", task.ID,
			"error", err,
		)
		return
	}

	// Прерывание зафиксировано атомарно с декрементом: callback
	// не ставится, даже если этот провал досчитал счётчик до нуля.
	if aborted {
		c.logger.Warn("chord aborted by failed member",
			"chord_id", meta.ChordID,
			"task_id", task.ID,
		)
		return
	}

	if remaining > 0 {
		return
	}

	// Этот вызов наблюдал ноль — он единственный ставит callback.
	c.fireCallback(ctx, meta.ChordID)
}

// fireCallback изымает сработавший chord и ставит callback с упорядоченным
// списком итогов участников в args["results"].
func (c *Coordinator) fireCallback(ctx context.Context, chordID uuid.UUID) {
	ch, err := c.counters.Take(ctx, chordID)
	if err != nil {
		// Take уже выполнен другим вызовом — callback поставлен.
		c.logger.Debug("chord already taken", "chord_id", chordID)
		return
	}

	cb := ch.Callback
	if cb.Args == nil {
		cb.Args = make(map[string]any)
	}
	cb.Args["results"] = ch.Results
	cb.EnqueuedAt = time.Now()

	if err := c.results.SetState(ctx, cb.ID, results.Write{State: domain.StatePending}); err != nil {
		c.logger.Warn("failed to register callback status", "task_id", cb.ID, "error", err)
	}

	if err := c.broker.Requeue(ctx, cb); err != nil {
		c.logger.Error("failed to enqueue chord callback",
			"chord_id", ch.ID,
			"task_id", cb.ID,
			"error", err,
		)
		return
	}

	c.logger.Info("chord callback enqueued",
		"chord_id", ch.ID,
		"task_id", cb.ID,
		"members", ch.Size,
	)
}
