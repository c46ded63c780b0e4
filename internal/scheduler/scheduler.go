package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/results"
)

// ErrEntryExists — запись с таким именем уже зарегистрирована.
var ErrEntryExists = errors.New("schedule entry already exists")

// ErrEntryNotFound — запись не найдена.
var ErrEntryNotFound = errors.New("schedule entry not found")

// Entry — одна запись расписания: шаблон задачи плюс правило времени
// (cron-выражение или фиксированный интервал).
type Entry struct {
	// Name — уникальное имя записи.
	Name string `json:"name"`

	// Type — тип материализуемой задачи.
	Type string `json:"type"`

	// Args — аргументы задачи.
	Args map[string]any `json:"args,omitempty"`

	// Queue — очередь (default: DefaultQueue).
	Queue string `json:"queue,omitempty"`

	// Priority — приоритет (default: Normal).
	Priority domain.Priority `json:"priority,omitempty"`

	// CronExpr — cron-выражение (минутная гранулярность).
	CronExpr string `json:"cron_expr,omitempty"`

	// Interval — фиксированный интервал (альтернатива CronExpr).
	Interval time.Duration `json:"interval,omitempty"`

	// Timezone — timezone для cron-вычислений (default: UTC).
	Timezone string `json:"timezone,omitempty"`

	// Enabled — запись активна.
	Enabled bool `json:"enabled"`

	// NextDueAt — следующее время срабатывания.
	NextDueAt time.Time `json:"next_due_at"`

	// LastTaskID — последняя материализованная задача.
	LastTaskID uuid.UUID `json:"last_task_id,omitempty"`

	// lastFiredKey — idempotency key последнего срабатывания:
	// повторный тик на том же времени не создаёт дубликат.
	lastFiredKey string
}

// IsCron возвращает true, если запись задана cron-выражением.
func (e *Entry) IsCron() bool { return e.CronExpr != "" }

// IsInterval возвращает true, если запись задана интервалом.
func (e *Entry) IsInterval() bool { return e.Interval > 0 }

// Scheduler материализует TaskRequest'ы по расписанию.
//
// Для broker'а это обычный producer: никаких особых путей постановки.
// Идемпотентность на уровне записи — ключ "{entry}_{fireUnix}" —
// защищает от дубликатов при повторном тике на одном времени.
type Scheduler struct {
	broker  broker.Broker
	results results.Store
	logger  *slog.Logger

	entries map[string]*Entry
	mu      sync.Mutex

	// Lifecycle
	interval   time.Duration
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.Mutex
}

// Config — конфигурация Scheduler.
type Config struct {
	// Broker — очередь задач.
	Broker broker.Broker

	// Results — хранилище состояний (PENDING-регистрация).
	Results results.Store

	// TickInterval — период тика (default: 1s).
	TickInterval time.Duration

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		broker:   cfg.Broker,
		results:  cfg.Results,
		logger:   logger,
		entries:  make(map[string]*Entry),
		interval: interval,
	}
}

// Add регистрирует запись расписания и вычисляет первое срабатывание.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" || e.Type == "" {
		return fmt.Errorf("schedule entry requires name and type")
	}
	if e.IsCron() {
		if err := ValidateCronExpr(e.CronExpr); err != nil {
			return err
		}
	} else if !e.IsInterval() {
		return fmt.Errorf("schedule entry %q has neither cron_expr nor interval", e.Name)
	}
	if e.Queue == "" {
		e.Queue = domain.DefaultQueue
	}
	if e.Priority == 0 {
		e.Priority = domain.PriorityNormal
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("schedule entry %q: %w", e.Name, broker.ErrInvalidPriority)
	}

	if e.NextDueAt.IsZero() {
		next, err := CalculateNextDue(&e, time.Now())
		if err != nil {
			return err
		}
		e.NextDueAt = next
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.Name]; ok {
		return fmt.Errorf("%w: %s", ErrEntryExists, e.Name)
	}
	s.entries[e.Name] = &e

	s.logger.Info("schedule entry added",
		"entry", e.Name,
		"type", e.Type,
		"next_due_at", e.NextDueAt,
	)
	return nil
}

// Remove удаляет запись расписания.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	delete(s.entries, name)
	return nil
}

// Entries возвращает снимок записей, упорядоченный по имени.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start запускает цикл тиков.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	s.logger.Info("starting scheduler", "tick_interval", s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Tick(ctx, time.Now()); err != nil {
					s.logger.Error("scheduler tick failed", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop останавливает цикл тиков.
func (s *Scheduler) Stop() {
	s.stoppedMu.Lock()
	if s.stopped {
		s.stoppedMu.Unlock()
		return
	}
	s.stopped = true
	s.stoppedMu.Unlock()

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.wg.Wait()

	s.logger.Info("scheduler stopped")
}

// Tick выполняет один тик: материализует задачи для due-записей.
//
// Ошибка одной записи не блокирует обработку остальных.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due := s.dueEntries(now)
	if len(due) == 0 {
		return nil
	}

	s.logger.Debug("found due entries", "count", len(due))

	var fired int
	for _, e := range due {
		created, err := s.fireEntry(ctx, e, now)
		if err != nil {
			s.logger.Error("failed to fire schedule entry",
				"entry", e.Name,
				"error", err,
			)
			continue
		}
		if created {
			fired++
		}
	}

	s.logger.Info("scheduler tick completed", "due", len(due), "fired", fired)
	return nil
}

// dueEntries возвращает активные записи с наступившим NextDueAt.
func (s *Scheduler) dueEntries(now time.Time) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Entry
	for _, e := range s.entries {
		if e.Enabled && !e.NextDueAt.After(now) {
			due = append(due, e)
		}
	}
	return due
}

// fireEntry материализует одну задачу для записи и сдвигает NextDueAt.
// Возвращает true, если задача была поставлена (не была дубликатом).
func (s *Scheduler) fireEntry(ctx context.Context, e *Entry, now time.Time) (bool, error) {
	// Idempotency key: одна запись + одно время срабатывания = одна задача
	key := fmt.Sprintf("%s_%d", e.Name, e.NextDueAt.Unix())

	s.mu.Lock()
	duplicate := e.lastFiredKey == key
	s.mu.Unlock()

	created := false
	if duplicate {
		s.logger.Debug("entry already fired for this time (idempotency)",
			"entry", e.Name,
			"idempotency_key", key,
		)
	} else {
		task := domain.NewTaskRequest(e.Type, e.Args)
		task.Queue = e.Queue
		task.Priority = e.Priority
		task.IdempotencyKey = key

		if err := s.results.SetState(ctx, task.ID, results.Write{State: domain.StatePending}); err != nil {
			s.logger.Warn("failed to register pending status", "task_id", task.ID, "error", err)
		}

		if err := s.broker.Enqueue(ctx, task); err != nil {
			// NextDueAt не сдвигается: следующий тик попробует снова
			return false, fmt.Errorf("enqueue scheduled task: %w", err)
		}

		s.mu.Lock()
		e.lastFiredKey = key
		e.LastTaskID = task.ID
		s.mu.Unlock()

		s.logger.Info("scheduled task enqueued",
			"entry", e.Name,
			"task_id", task.ID,
			"queue", e.Queue,
			"idempotency_key", key,
		)
		created = true
	}

	next, err := CalculateNextDue(e, now)
	if err != nil {
		// Запись некорректна: отключаем, чтобы не зациклиться на ошибке
		s.mu.Lock()
		e.Enabled = false
		s.mu.Unlock()
		s.logger.Error("failed to calculate next due, disabling entry",
			"entry", e.Name,
			"error", err,
		)
		return created, nil
	}

	s.mu.Lock()
	e.NextDueAt = next
	s.mu.Unlock()

	return created, nil
}
