package results

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
)

// Значения по умолчанию.
const (
	defaultTTL             = time.Hour
	defaultJanitorInterval = time.Minute
)

// Memory — in-memory реализация Store с TTL-экспирацией.
type Memory struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	ttl             time.Duration
	janitorInterval time.Duration
	logger          *slog.Logger

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// entry — запись хранилища с waiter'ами.
type entry struct {
	status Status

	// expiresAt — момент экспирации (только для терминальных записей).
	expiresAt time.Time

	// done закрывается при достижении терминального состояния.
	done chan struct{}
}

// MemoryConfig — конфигурация in-memory store.
type MemoryConfig struct {
	// TTL — время жизни терминальных записей (default: 1h).
	TTL time.Duration

	// JanitorInterval — интервал очистки истёкших записей (default: 1m).
	JanitorInterval time.Duration

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// NewMemory создаёт in-memory store и запускает janitor-горутину.
func NewMemory(cfg MemoryConfig) *Memory {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Memory{
		entries:         make(map[uuid.UUID]*entry),
		ttl:             ttl,
		janitorInterval: interval,
		logger:          logger,
		stopJanitor:     make(chan struct{}),
	}

	go s.janitor()
	return s
}

// Close останавливает janitor.
func (s *Memory) Close() {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
}

// SetState записывает переход состояния.
func (s *Memory) SetState(ctx context.Context, taskID uuid.UUID, w Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		e = &entry{
			status: Status{TaskID: taskID, State: domain.StatePending},
			done:   make(chan struct{}),
		}
		s.entries[taskID] = e
	}

	from := e.status.State
	if !domain.ValidTransition(from, w.State) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, from, w.State, taskID)
	}

	// Идемпотентность: повторная запись того же терминального состояния
	// не меняет результат и не закрывает done повторно.
	if from == w.State && from.IsTerminal() {
		return nil
	}

	e.status.State = w.State
	e.status.Attempt = w.Attempt
	e.status.UpdatedAt = time.Now()
	if w.Result != nil {
		e.status.Result = w.Result
	}
	if w.Error != nil {
		e.status.Error = w.Error
	}

	if w.State.IsTerminal() {
		e.expiresAt = time.Now().Add(s.ttl)
		close(e.done)
	}

	return nil
}

// SetProgress обновляет прогресс, не затрагивая терминальное состояние.
func (s *Memory) SetProgress(ctx context.Context, taskID uuid.UUID, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if e.status.State.IsTerminal() {
		// Поздний report() от handler'а после завершения — игнорируем.
		return nil
	}

	e.status.Progress = &p
	e.status.UpdatedAt = time.Now()
	return nil
}

// Get возвращает копию статуса задачи.
func (s *Memory) Get(ctx context.Context, taskID uuid.UUID) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	st := e.status
	return &st, nil
}

// WaitFor блокируется до терминального состояния или таймаута.
func (s *Memory) WaitFor(ctx context.Context, taskID uuid.UUID, timeout time.Duration) (*Status, error) {
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		e, ok := s.entries[taskID]
		if ok && e.status.State.IsTerminal() {
			st := e.status
			s.mu.Unlock()
			return &st, nil
		}

		var done chan struct{}
		if ok {
			done = e.done
		}
		s.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, taskID)
		}

		timer := time.NewTimer(wait)
		if done != nil {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-done:
				timer.Stop()
			case <-timer.C:
				return nil, fmt.Errorf("%w: %s", ErrWaitTimeout, taskID)
			}
			continue
		}

		// Запись ещё не создана — короткий re-check вместо подписки.
		recheck := 10 * time.Millisecond
		if recheck > wait {
			recheck = wait
		}
		poll := time.NewTimer(recheck)
		select {
		case <-ctx.Done():
			timer.Stop()
			poll.Stop()
			return nil, ctx.Err()
		case <-poll.C:
			timer.Stop()
		}
	}
}

// janitor периодически удаляет истёкшие терминальные записи.
func (s *Memory) janitor() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopJanitor:
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

// expire удаляет записи с истёкшим TTL.
func (s *Memory) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for id, e := range s.entries {
		if e.status.State.IsTerminal() && now.After(e.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("expired task results", "count", removed)
	}
}

// Len возвращает количество записей (для тестов и метрик).
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
