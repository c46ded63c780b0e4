package results

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
)

func TestMemory_StateLifecycle(t *testing.T) {
	s := NewMemory(MemoryConfig{})
	defer s.Close()
	ctx := context.Background()
	id := uuid.New()

	if err := s.SetState(ctx, id, Write{State: domain.StateStarted}); err != nil {
		t.Fatalf("pending -> started: %v", err)
	}
	if err := s.SetState(ctx, id, Write{State: domain.StateSuccess, Result: map[string]any{"value": 42}}); err != nil {
		t.Fatalf("started -> success: %v", err)
	}

	st, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateSuccess {
		t.Errorf("expected SUCCESS, got %s", st.State)
	}
	if st.Result["value"] != 42 {
		t.Errorf("expected result value 42, got %v", st.Result["value"])
	}
}

func TestMemory_IllegalTransitionRejected(t *testing.T) {
	s := NewMemory(MemoryConfig{})
	defer s.Close()
	ctx := context.Background()
	id := uuid.New()

	s.SetState(ctx, id, Write{State: domain.StateStarted})
	s.SetState(ctx, id, Write{State: domain.StateSuccess})

	// SUCCESS -> FAILURE — недопустимое ребро
	err := s.SetState(ctx, id, Write{State: domain.StateFailure})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	// Состояние не изменилось
	st, _ := s.Get(ctx, id)
	if st.State != domain.StateSuccess {
		t.Errorf("illegal write must not alter state, got %s", st.State)
	}
}

func TestMemory_IdempotentTerminalWrite(t *testing.T) {
	s := NewMemory(MemoryConfig{})
	defer s.Close()
	ctx := context.Background()
	id := uuid.New()

	s.SetState(ctx, id, Write{State: domain.StateStarted})
	if err := s.SetState(ctx, id, Write{State: domain.StateSuccess, Result: map[string]any{"v": 1}}); err != nil {
		t.Fatal(err)
	}
	// Повторная запись того же состояния (redelivery) не должна падать
	if err := s.SetState(ctx, id, Write{State: domain.StateSuccess, Result: map[string]any{"v": 2}}); err != nil {
		t.Fatalf("idempotent terminal write should succeed: %v", err)
	}

	st, _ := s.Get(ctx, id)
	if st.Result["v"] != 1 {
		t.Errorf("first terminal write wins, got %v", st.Result["v"])
	}
}

func TestMemory_RetryCycle(t *testing.T) {
	s := NewMemory(MemoryConfig{})
	defer s.Close()
	ctx := context.Background()
	id := uuid.New()

	// PENDING -> STARTED -> RETRY -> PENDING -> STARTED -> SUCCESS
	steps := []domain.TaskState{
		domain.StateStarted,
		domain.StateRetry,
		domain.StatePending,
		domain.StateStarted,
		domain.StateSuccess,
	}
	for i, state := range steps {
		if err := s.SetState(ctx, id, Write{State: state, Attempt: i}); err != nil {
			t.Fatalf("step %d (%s): %v", i, state, err)
		}
	}
}

func TestMemory_Progress(t *testing.T) {
	s := NewMemory(MemoryConfig{})
	defer s.Close()
	ctx := context.Background()
	id := uuid.New()

	s.SetState(ctx, id, Write{State: domain.StateStarted})
	if err := s.SetProgress(ctx, id, Progress{Current: 3, Total: 10}); err != nil {
		t.Fatal(err)
	}

	st, _ := s.Get(ctx, id)
	if st.Progress == nil || st.Progress.Current != 3 || st.Progress.Total != 10 {
		t.Errorf("expected progress 3/10, got %+v", st.Progress)
	}
	if st.State != domain.StateStarted {
		t.Error("progress must not alter state")
	}

	// Поздний report() после терминального состояния игнорируется
	s.SetState(ctx, id, Write{State: domain.StateSuccess})
	if err := s.SetProgress(ctx, id, Progress{Current: 10, Total: 10}); err != nil {
		t.Fatalf("late progress should be ignored, not fail: %v", err)
	}
}

func TestMemory_WaitFor(t *testing.T) {
	s := NewMemory(MemoryConfig{})
	defer s.Close()
	ctx := context.Background()
	id := uuid.New()

	s.SetState(ctx, id, Write{State: domain.StateStarted})

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.SetState(ctx, id, Write{State: domain.StateSuccess, Result: map[string]any{"ok": true}})
	}()

	st, err := s.WaitFor(ctx, id, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateSuccess {
		t.Errorf("expected SUCCESS, got %s", st.State)
	}
}

func TestMemory_WaitForTimeout(t *testing.T) {
	s := NewMemory(MemoryConfig{})
	defer s.Close()
	ctx := context.Background()
	id := uuid.New()

	s.SetState(ctx, id, Write{State: domain.StateStarted})

	_, err := s.WaitFor(ctx, id, 30*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	s := NewMemory(MemoryConfig{TTL: 10 * time.Millisecond, JanitorInterval: 5 * time.Millisecond})
	defer s.Close()
	ctx := context.Background()
	id := uuid.New()

	s.SetState(ctx, id, Write{State: domain.StateStarted})
	s.SetState(ctx, id, Write{State: domain.StateSuccess})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("terminal entry was not expired by janitor")
}

// flakyStore падает первые failures записей, потом делегирует Memory.
type flakyStore struct {
	*Memory
	failures int32
}

func (f *flakyStore) SetState(ctx context.Context, taskID uuid.UUID, w Write) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("store connection refused")
	}
	return f.Memory.SetState(ctx, taskID, w)
}

func TestRetrying_BackgroundRetry(t *testing.T) {
	inner := &flakyStore{Memory: NewMemory(MemoryConfig{}), failures: 2}
	defer inner.Memory.Close()

	r := NewRetrying(inner, RetryingConfig{Interval: 5 * time.Millisecond})
	ctx := context.Background()
	id := uuid.New()

	// Запись падает, но вызов не возвращает ошибку — выполнение продолжается
	if err := r.SetState(ctx, id, Write{State: domain.StateStarted}); err != nil {
		t.Fatalf("unavailable store must not fail the caller: %v", err)
	}

	r.Flush()

	st, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("background retry should have landed the write: %v", err)
	}
	if st.State != domain.StateStarted {
		t.Errorf("expected STARTED, got %s", st.State)
	}
}

func TestRetrying_IntegrityErrorNotRetried(t *testing.T) {
	inner := NewMemory(MemoryConfig{})
	defer inner.Close()
	r := NewRetrying(inner, RetryingConfig{})
	ctx := context.Background()
	id := uuid.New()

	inner.SetState(ctx, id, Write{State: domain.StateStarted})
	inner.SetState(ctx, id, Write{State: domain.StateSuccess})

	// Недопустимый переход возвращается сразу, без фонового повтора
	err := r.SetState(ctx, id, Write{State: domain.StateFailure})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}
