package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/results"
)

// Ошибки композиции.
var (
	// ErrEmptyWorkflow — композиция без задач.
	ErrEmptyWorkflow = errors.New("workflow has no tasks")

	// ErrMemberFailed — участник группы провалился (AbortOnFirstFailure).
	ErrMemberFailed = errors.New("group member failed")
)

// Composer строит и ставит композиции задач: chain, group, chord.
//
// Композиции описываются сериализуемыми дескрипторами (WorkflowMeta),
// а не замыканиями: дескриптор персистится вместе с задачей и
// воспроизводится любым worker-процессом после рестарта.
type Composer struct {
	broker   broker.Broker
	results  results.Store
	counters CounterStore
	logger   *slog.Logger
}

// ComposerConfig — зависимости Composer'а.
type ComposerConfig struct {
	// Broker — очередь задач.
	Broker broker.Broker

	// Results — хранилище состояний.
	Results results.Store

	// Counters — трекер chord-счётчиков.
	Counters CounterStore

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// NewComposer создаёт Composer.
func NewComposer(cfg ComposerConfig) *Composer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		broker:   cfg.Broker,
		results:  cfg.Results,
		counters: cfg.Counters,
		logger:   logger,
	}
}

// ChainHandle — поставленная цепочка.
type ChainHandle struct {
	// Head — первая задача (уже в очереди).
	Head *domain.TaskRequest

	// TailID — последняя задача: её результат — результат цепочки.
	TailID uuid.UUID

	store results.Store
}

// Wait блокируется до терминального состояния последнего звена.
func (h *ChainHandle) Wait(ctx context.Context, timeout time.Duration) (*results.Status, error) {
	return h.store.WaitFor(ctx, h.TailID, timeout)
}

// Chain связывает задачи в цепочку и ставит первую.
//
// Дескрипторы продолжения связываются с хвоста к голове: каждое звено
// несёт следующее целиком. При SUCCESS звена исполняющий slot ставит
// продолжение, подставив результат предшественника в args["input"] —
// внешний poller не нужен. Провал звена обрывает цепочку: оставшиеся
// звенья не выполняются.
func (c *Composer) Chain(ctx context.Context, tasks ...*domain.TaskRequest) (*ChainHandle, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyWorkflow
	}

	for i := len(tasks) - 2; i >= 0; i-- {
		if tasks[i].Workflow == nil {
			tasks[i].Workflow = &domain.WorkflowMeta{}
		}
		tasks[i].Workflow.Continuation = tasks[i+1]
	}

	head := tasks[0]
	if err := c.submit(ctx, head); err != nil {
		return nil, err
	}

	c.logger.Info("chain submitted",
		"head", head.ID,
		"tail", tasks[len(tasks)-1].ID,
		"links", len(tasks),
	)

	return &ChainHandle{
		Head:   head,
		TailID: tasks[len(tasks)-1].ID,
		store:  c.results,
	}, nil
}

// WaitPolicy — политика ожидания группы.
type WaitPolicy int

const (
	// CollectAll — дождаться всех участников, собрать успехи и провалы.
	CollectAll WaitPolicy = iota

	// AbortOnFirstFailure — вернуть ошибку при первом провале участника.
	AbortOnFirstFailure
)

// GroupHandle — поставленная группа.
type GroupHandle struct {
	// ID — идентификатор группы.
	ID uuid.UUID

	// Tasks — участники в порядке постановки.
	Tasks []*domain.TaskRequest

	store results.Store
}

// Wait блокируется до терминального состояния участников.
//
// Результаты возвращаются в порядке постановки независимо от порядка
// завершения. При CollectAll провал участника попадает в список как
// ошибка; при AbortOnFirstFailure возвращается первая же ошибка.
// Ранний возврат отменяет оставшихся waiter'ов: горутины не висят
// до истечения полного timeout.
func (h *GroupHandle) Wait(ctx context.Context, timeout time.Duration, policy WaitPolicy) ([]domain.MemberResult, error) {
	type outcome struct {
		idx    int
		status *results.Status
		err    error
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan outcome, len(h.Tasks))
	for i, task := range h.Tasks {
		go func(idx int, id uuid.UUID) {
			st, err := h.store.WaitFor(waitCtx, id, timeout)
			ch <- outcome{idx: idx, status: st, err: err}
		}(i, task.ID)
	}

	members := make([]domain.MemberResult, len(h.Tasks))
	for range h.Tasks {
		o := <-ch
		if o.err != nil {
			return nil, o.err
		}

		members[o.idx] = domain.MemberResult{
			TaskID: h.Tasks[o.idx].ID,
			Index:  o.idx,
			State:  o.status.State,
			Result: o.status.Result,
			Error:  o.status.Error,
		}

		if policy == AbortOnFirstFailure && o.status.State == domain.StateFailure {
			msg := "unknown error"
			if o.status.Error != nil {
				msg = o.status.Error.Message
			}
			return nil, fmt.Errorf("%w: member %d: %s", ErrMemberFailed, o.idx, msg)
		}
	}
	return members, nil
}

// Group ставит задачи параллельно под общим GroupID.
func (c *Composer) Group(ctx context.Context, tasks ...*domain.TaskRequest) (*GroupHandle, error) {
	if len(tasks) == 0 {
		return nil, ErrEmptyWorkflow
	}

	groupID := uuid.New()
	c.stampGroup(groupID, tasks)

	for _, task := range tasks {
		if err := c.submit(ctx, task); err != nil {
			return nil, fmt.Errorf("submit group member %s: %w", task.ID, err)
		}
	}

	c.logger.Info("group submitted", "group_id", groupID, "members", len(tasks))

	return &GroupHandle{ID: groupID, Tasks: tasks, store: c.results}, nil
}

// ChordConfig — описание chord'а.
type ChordConfig struct {
	// Members — параллельные участники.
	Members []*domain.TaskRequest

	// Callback — задача, выполняемая после завершения всех участников.
	// Получает упорядоченный список итогов в args["results"].
	Callback *domain.TaskRequest

	// FailFast — прервать chord при первом провале участника:
	// callback не выполняется, chord помечается прерванным.
	// По умолчанию провалы участников попадают в список итогов
	// и не блокируют callback.
	FailFast bool
}

// ChordHandle — поставленный chord.
type ChordHandle struct {
	// ID — идентификатор chord'а.
	ID uuid.UUID

	// CallbackID — задача-callback: её результат — результат chord'а.
	CallbackID uuid.UUID

	store results.Store
}

// Wait блокируется до терминального состояния callback'а.
// Для FailFast-chord'а, прерванного провалом участника, callback
// никогда не ставится — Wait завершится таймаутом.
func (h *ChordHandle) Wait(ctx context.Context, timeout time.Duration) (*results.Status, error) {
	return h.store.WaitFor(ctx, h.CallbackID, timeout)
}

// Chord регистрирует атомарный счётчик и ставит участников.
//
// Каждое терминальное завершение участника уменьшает счётчик ровно
// на единицу; вызов, наблюдающий ноль, ставит callback ровно один раз —
// независимо от количества worker-процессов и порядка завершения.
func (c *Composer) Chord(ctx context.Context, cfg ChordConfig) (*ChordHandle, error) {
	if len(cfg.Members) == 0 || cfg.Callback == nil {
		return nil, ErrEmptyWorkflow
	}

	chordID := uuid.New()
	c.stampGroup(chordID, cfg.Members)
	for _, m := range cfg.Members {
		m.Workflow.ChordID = chordID
	}

	err := c.counters.Create(ctx, &Chord{
		ID:       chordID,
		Callback: cfg.Callback,
		Size:     len(cfg.Members),
		FailFast: cfg.FailFast,
	})
	if err != nil {
		return nil, fmt.Errorf("register chord: %w", err)
	}

	for _, m := range cfg.Members {
		if err := c.submit(ctx, m); err != nil {
			return nil, fmt.Errorf("submit chord member %s: %w", m.ID, err)
		}
	}

	c.logger.Info("chord submitted",
		"chord_id", chordID,
		"members", len(cfg.Members),
		"fail_fast", cfg.FailFast,
	)

	return &ChordHandle{ID: chordID, CallbackID: cfg.Callback.ID, store: c.results}, nil
}

// stampGroup проставляет участникам общий GroupID и позиции.
func (c *Composer) stampGroup(groupID uuid.UUID, tasks []*domain.TaskRequest) {
	for i, task := range tasks {
		if task.Workflow == nil {
			task.Workflow = &domain.WorkflowMeta{}
		}
		task.Workflow.GroupID = groupID
		task.Workflow.GroupIndex = i
		task.Workflow.GroupSize = len(tasks)
	}
}

// submit регистрирует PENDING-статус и ставит задачу в очередь.
func (c *Composer) submit(ctx context.Context, task *domain.TaskRequest) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	if err := c.results.SetState(ctx, task.ID, results.Write{State: domain.StatePending}); err != nil {
		c.logger.Warn("failed to register pending status", "task_id", task.ID, "error", err)
	}
	return c.broker.Enqueue(ctx, task)
}
