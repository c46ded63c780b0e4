package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/konveyer/internal/domain"
)

func newTask(taskType, queue string, prio domain.Priority) *domain.TaskRequest {
	task := domain.NewTaskRequest(taskType, nil)
	task.Queue = queue
	task.Priority = prio
	return task
}

func TestMemory_PriorityOrder(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	low := newTask("a", "q1", domain.PriorityLow)
	high := newTask("b", "q1", domain.PriorityHigh)
	critical := newTask("c", "q1", domain.PriorityCritical)
	normal := newTask("d", "q1", domain.PriorityNormal)

	for _, task := range []*domain.TaskRequest{low, high, critical, normal} {
		if err := b.Enqueue(ctx, task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// При готовых P1 > P2 idle worker всегда получает P1 первым
	want := []string{"c", "b", "d", "a"}
	for i, expected := range want {
		task, err := b.Dequeue(ctx, []string{"q1"}, time.Second)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if task == nil {
			t.Fatalf("dequeue %d: expected task, got nil", i)
		}
		if task.Type != expected {
			t.Errorf("dequeue %d: expected %s, got %s", i, expected, task.Type)
		}
	}
}

func TestMemory_FIFOWithinSamePriority(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		if err := b.Enqueue(ctx, newTask(name, "q1", domain.PriorityNormal)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for _, expected := range []string{"first", "second", "third"} {
		task, _ := b.Dequeue(ctx, []string{"q1"}, time.Second)
		if task == nil || task.Type != expected {
			t.Fatalf("expected %s, got %v", expected, task)
		}
	}
}

func TestMemory_DequeueAcrossQueues(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	// Низкий приоритет в q1 поставлен раньше, но высокий в q2 выигрывает
	if err := b.Enqueue(ctx, newTask("low", "q1", domain.PriorityLow)); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, newTask("high", "q2", domain.PriorityHigh)); err != nil {
		t.Fatal(err)
	}

	task, _ := b.Dequeue(ctx, []string{"q1", "q2"}, time.Second)
	if task == nil || task.Type != "high" {
		t.Fatalf("expected high-priority task from q2, got %v", task)
	}
}

func TestMemory_DequeueTimeout(t *testing.T) {
	b := NewMemory(MemoryConfig{})

	start := time.Now()
	task, err := b.Dequeue(context.Background(), []string{"empty"}, 50*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil on timeout, got %v", task)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("dequeue should block up to timeout, returned after %v", elapsed)
	}
}

func TestMemory_DequeueWakesOnEnqueue(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	done := make(chan *domain.TaskRequest, 1)
	go func() {
		task, _ := b.Dequeue(ctx, []string{"q1"}, 5*time.Second)
		done <- task
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Enqueue(ctx, newTask("wake", "q1", domain.PriorityNormal)); err != nil {
		t.Fatal(err)
	}

	select {
	case task := <-done:
		if task == nil || task.Type != "wake" {
			t.Fatalf("expected wake task, got %v", task)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up after enqueue")
	}
}

func TestMemory_CapacityBound(t *testing.T) {
	b := NewMemory(MemoryConfig{Capacity: 2})
	ctx := context.Background()

	if err := b.Enqueue(ctx, newTask("a", "q1", domain.PriorityNormal)); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, newTask("b", "q1", domain.PriorityNormal)); err != nil {
		t.Fatal(err)
	}

	err := b.Enqueue(ctx, newTask("c", "q1", domain.PriorityNormal))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// Requeue не ограничен ёмкостью: redelivery не теряет задачи
	if err := b.Requeue(ctx, newTask("redelivered", "q1", domain.PriorityNormal)); err != nil {
		t.Fatalf("requeue should bypass capacity: %v", err)
	}
}

func TestMemory_CancelPending(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	task := newTask("victim", "q1", domain.PriorityNormal)
	if err := b.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}

	ok, err := b.Cancel(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed, got ok=%v err=%v", ok, err)
	}

	// Отменённая задача никогда не выдаётся
	got, _ := b.Dequeue(ctx, []string{"q1"}, 30*time.Millisecond)
	if got != nil {
		t.Fatalf("cancelled task should never be dequeued, got %v", got)
	}

	if b.Depth("q1") != 0 {
		t.Errorf("expected depth 0 after cancel, got %d", b.Depth("q1"))
	}
}

func TestMemory_CancelClaimedIsNoop(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	task := newTask("claimed", "q1", domain.PriorityNormal)
	if err := b.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, _ := b.Dequeue(ctx, []string{"q1"}, time.Second)
	if got == nil {
		t.Fatal("expected task")
	}

	ok, err := b.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("cancel of a claimed task must be a no-op")
	}
}

func TestMemory_ETAHoldback(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	task := newTask("delayed", "q1", domain.PriorityCritical)
	eta := time.Now().Add(60 * time.Millisecond)
	task.ETA = &eta
	if err := b.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}

	// До наступления ETA задача невидима
	got, _ := b.Dequeue(ctx, []string{"q1"}, 10*time.Millisecond)
	if got != nil {
		t.Fatalf("task should be held back until ETA, got %v", got)
	}

	// После ETA выдаётся (ожидание внутри Dequeue, без busy polling)
	got, err := b.Dequeue(ctx, []string{"q1"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Type != "delayed" {
		t.Fatalf("expected delayed task after ETA, got %v", got)
	}
}

func TestMemory_DeadLetterArchive(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	task := newTask("doomed", "q1", domain.PriorityNormal)
	if err := b.DeadLetter(ctx, task, "retry exhausted: connection refused"); err != nil {
		t.Fatal(err)
	}

	entries := b.DeadLetters()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Task.ID != task.ID {
		t.Error("dead letter should reference the archived task")
	}
	if entries[0].Reason == "" {
		t.Error("dead letter should carry the last error")
	}
}

func TestMemory_DequeueContextCancel(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(ctx, []string{"q1"}, 10*time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after context cancel")
	}
}

func TestMemory_Depth(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Enqueue(ctx, newTask("x", "q1", domain.PriorityNormal)); err != nil {
			t.Fatal(err)
		}
	}

	if b.Depth("q1") != 3 {
		t.Errorf("expected depth 3, got %d", b.Depth("q1"))
	}

	b.Dequeue(ctx, []string{"q1"}, time.Second)
	if b.Depth("q1") != 2 {
		t.Errorf("expected depth 2 after dequeue, got %d", b.Depth("q1"))
	}
}
