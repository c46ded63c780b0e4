package results

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// retrying-значения по умолчанию.
const (
	defaultRetryInterval = time.Second
	defaultRetryAttempts = 10
)

// Retrying — декоратор Store для недоступного хранилища.
//
// Семантика ResultStoreUnavailable: выполнение задач продолжается,
// неудавшаяся запись повторяется в фоне — состояние задачи в broker'е
// остаётся авторитетным. Ошибки перехода (ErrIllegalTransition)
// не повторяются: это не проблема доступности.
type Retrying struct {
	inner  Store
	logger *slog.Logger

	interval time.Duration
	attempts int

	wg sync.WaitGroup
}

// RetryingConfig — конфигурация декоратора.
type RetryingConfig struct {
	// Interval — пауза между фоновыми повторами (default: 1s).
	Interval time.Duration

	// Attempts — максимум фоновых повторов (default: 10).
	Attempts int

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// NewRetrying оборачивает store фоновым повтором записей.
func NewRetrying(inner Store, cfg RetryingConfig) *Retrying {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Retrying{
		inner:    inner,
		logger:   logger,
		interval: interval,
		attempts: attempts,
	}
}

// SetState пишет состояние; при сбое хранилища запись уходит в фон.
func (r *Retrying) SetState(ctx context.Context, taskID uuid.UUID, w Write) error {
	err := r.inner.SetState(ctx, taskID, w)
	if err == nil || isIntegrityError(err) {
		return err
	}

	r.logger.Warn("result store write failed, retrying in background",
		"task_id", taskID,
		"state", w.State,
		"error", err,
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.retry(taskID, w)
	}()

	return nil
}

// retry повторяет запись с фиксированным интервалом.
func (r *Retrying) retry(taskID uuid.UUID, w Write) {
	for attempt := 0; attempt < r.attempts; attempt++ {
		time.Sleep(r.interval)

		ctx, cancel := context.WithTimeout(context.Background(), r.interval)
		err := r.inner.SetState(ctx, taskID, w)
		cancel()

		if err == nil || isIntegrityError(err) {
			return
		}
	}

	r.logger.Error("result store write abandoned after background retries",
		"task_id", taskID,
		"state", w.State,
		"attempts", r.attempts,
	)
}

// SetProgress не повторяется: прогресс эфемерен, следующий report()
// перезапишет его.
func (r *Retrying) SetProgress(ctx context.Context, taskID uuid.UUID, p Progress) error {
	return r.inner.SetProgress(ctx, taskID, p)
}

// Get делегирует внутреннему store.
func (r *Retrying) Get(ctx context.Context, taskID uuid.UUID) (*Status, error) {
	return r.inner.Get(ctx, taskID)
}

// WaitFor делегирует внутреннему store.
func (r *Retrying) WaitFor(ctx context.Context, taskID uuid.UUID, timeout time.Duration) (*Status, error) {
	return r.inner.WaitFor(ctx, taskID, timeout)
}

// Flush дожидается завершения фоновых повторов (для тестов и shutdown).
func (r *Retrying) Flush() {
	r.wg.Wait()
}

// isIntegrityError отличает ошибку целостности от недоступности.
func isIntegrityError(err error) bool {
	return errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrNotFound)
}
