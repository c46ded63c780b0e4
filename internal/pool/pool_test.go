package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/registry"
	"github.com/shaiso/konveyer/internal/results"
)

// testEnv — broker, registry и store для теста пула.
type testEnv struct {
	broker  *broker.Memory
	reg     *registry.Registry
	results *results.Memory
}

func newTestEnv() *testEnv {
	return &testEnv{
		broker:  broker.NewMemory(broker.MemoryConfig{}),
		reg:     registry.New(),
		results: results.NewMemory(results.MemoryConfig{}),
	}
}

func (e *testEnv) close() {
	e.broker.Close()
	e.results.Close()
}

func (e *testEnv) newManager(cfg Config) *Manager {
	cfg.Broker = e.broker
	cfg.Registry = e.reg
	cfg.Results = e.results
	if cfg.DequeueTimeout == 0 {
		cfg.DequeueTimeout = 20 * time.Millisecond
	}
	return New(cfg)
}

func TestManager_ExecutesTask(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	env.reg.RegisterFunc("echo", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{"echo": inv.Args["msg"]}, nil
	}, registry.Policy{})

	task := domain.NewTaskRequest("echo", map[string]any{"msg": "hello"})
	if err := env.broker.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}

	m := env.newManager(Config{Concurrency: 1})
	m.Start(ctx)
	defer m.Stop()

	st, err := env.results.WaitFor(ctx, task.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateSuccess {
		t.Fatalf("expected SUCCESS, got %s (%+v)", st.State, st.Error)
	}
	if st.Result["echo"] != "hello" {
		t.Errorf("expected echoed args, got %v", st.Result)
	}
}

func TestManager_RetryUntilExhausted(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	var attempts int32
	env.reg.RegisterFunc("flaky", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, domain.Transientf("connection refused")
	}, registry.Policy{MaxRetries: 3, BackoffBase: time.Millisecond})

	task := domain.NewTaskRequest("flaky", nil)
	env.broker.Enqueue(ctx, task)

	m := env.newManager(Config{Concurrency: 1})
	m.Start(ctx)
	defer m.Stop()

	st, err := env.results.WaitFor(ctx, task.ID, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	// max_retries=3 означает ровно 4 попытки: первая + три повтора
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Errorf("expected exactly 4 attempts, got %d", got)
	}
	if st.State != domain.StateFailure {
		t.Fatalf("expected FAILURE, got %s", st.State)
	}
	if st.Error == nil || st.Error.Kind != domain.ErrorKindExhausted {
		t.Errorf("expected retry_exhausted error, got %+v", st.Error)
	}

	// Задача попала в dead-letter архив
	if len(env.broker.DeadLetters()) != 1 {
		t.Errorf("expected 1 dead letter, got %d", len(env.broker.DeadLetters()))
	}
}

func TestManager_PermanentFailureSkipsRetry(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	var attempts int32
	env.reg.RegisterFunc("broken", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, domain.Permanentf("malformed input")
	}, registry.Policy{MaxRetries: 3, BackoffBase: time.Millisecond})

	task := domain.NewTaskRequest("broken", nil)
	env.broker.Enqueue(ctx, task)

	m := env.newManager(Config{Concurrency: 1})
	m.Start(ctx)
	defer m.Stop()

	st, err := env.results.WaitFor(ctx, task.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateFailure {
		t.Fatalf("expected FAILURE, got %s", st.State)
	}
	if st.Error == nil || st.Error.Kind != domain.ErrorKindPermanent {
		t.Errorf("expected permanent error, got %+v", st.Error)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("permanent failure must not be retried, got %d attempts", got)
	}
}

func TestManager_UnknownTypeFails(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	task := domain.NewTaskRequest("no-such-type", nil)
	env.broker.Enqueue(ctx, task)

	m := env.newManager(Config{Concurrency: 1})
	m.Start(ctx)
	defer m.Stop()

	st, err := env.results.WaitFor(ctx, task.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateFailure {
		t.Fatalf("expected FAILURE, got %s", st.State)
	}
	if st.Error == nil || st.Error.Kind != domain.ErrorKindPermanent {
		t.Errorf("unknown type is a permanent error, got %+v", st.Error)
	}
}

func TestManager_PriorityOrder(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	env.reg.RegisterFunc("record", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		mu.Lock()
		order = append(order, inv.Args["name"].(string))
		mu.Unlock()
		return nil, nil
	}, registry.Policy{})

	// Постановка до старта пула: low раньше critical
	low := domain.NewTaskRequest("record", map[string]any{"name": "low"})
	low.Priority = domain.PriorityLow
	critical := domain.NewTaskRequest("record", map[string]any{"name": "critical"})
	critical.Priority = domain.PriorityCritical
	env.broker.Enqueue(ctx, low)
	env.broker.Enqueue(ctx, critical)

	m := env.newManager(Config{Concurrency: 1})
	m.Start(ctx)
	defer m.Stop()

	for _, task := range []*domain.TaskRequest{low, critical} {
		if _, err := env.results.WaitFor(ctx, task.ID, 2*time.Second); err != nil {
			t.Fatal(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "critical" || order[1] != "low" {
		t.Errorf("expected critical before low, got %v", order)
	}
}

func TestManager_SlotRecycleResetsScratch(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	var mu sync.Mutex
	var observed []int
	env.reg.RegisterFunc("counter", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		n, _ := inv.Scratch["n"].(int)
		mu.Lock()
		observed = append(observed, n)
		mu.Unlock()
		inv.Scratch["n"] = n + 1
		return nil, nil
	}, registry.Policy{})

	tasks := make([]*domain.TaskRequest, 4)
	for i := range tasks {
		tasks[i] = domain.NewTaskRequest("counter", nil)
		env.broker.Enqueue(ctx, tasks[i])
	}

	m := env.newManager(Config{Concurrency: 1, MaxTasksPerChild: 2})
	m.Start(ctx)
	defer m.Stop()

	for _, task := range tasks {
		if _, err := env.results.WaitFor(ctx, task.ID, 2*time.Second); err != nil {
			t.Fatal(err)
		}
	}

	// Recycle после каждых двух задач: scratch пересоздаётся
	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 1, 0, 1}
	for i, v := range want {
		if observed[i] != v {
			t.Fatalf("expected scratch sequence %v, got %v", want, observed)
		}
	}
}

func TestManager_TimeLimitForcesFailure(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	// Handler игнорирует контекст — именно такой случай требует
	// принудительного завершения и recycle slot'а.
	env.reg.RegisterFunc("slow", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	}, registry.Policy{TimeLimit: 30 * time.Millisecond})

	task := domain.NewTaskRequest("slow", nil)
	env.broker.Enqueue(ctx, task)

	m := env.newManager(Config{Concurrency: 1})
	m.Start(ctx)
	defer m.Stop()

	st, err := env.results.WaitFor(ctx, task.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateFailure {
		t.Fatalf("expected FAILURE, got %s", st.State)
	}
	if st.Error == nil || st.Error.Kind != domain.ErrorKindTimeout {
		t.Errorf("expected timeout error, got %+v", st.Error)
	}
}

func TestManager_SoftTimeLimitWarnsHandler(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	var warned atomic.Bool
	env.reg.RegisterFunc("cooperative", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		select {
		case <-inv.SoftTimeout:
			warned.Store(true)
			return map[string]any{"aborted": true}, nil
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}, registry.Policy{SoftTimeLimit: 20 * time.Millisecond, TimeLimit: 2 * time.Second})

	task := domain.NewTaskRequest("cooperative", nil)
	env.broker.Enqueue(ctx, task)

	m := env.newManager(Config{Concurrency: 1})
	m.Start(ctx)
	defer m.Stop()

	st, err := env.results.WaitFor(ctx, task.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateSuccess {
		t.Fatalf("handler that honors soft limit should succeed, got %s", st.State)
	}
	if !warned.Load() {
		t.Error("handler did not receive soft timeout signal")
	}
}

func TestManager_GracefulShutdownRequeuesInFlight(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	started := make(chan struct{})
	env.reg.RegisterFunc("stuck", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, registry.Policy{})

	task := domain.NewTaskRequest("stuck", nil)
	env.broker.Enqueue(ctx, task)

	m := env.newManager(Config{Concurrency: 1, ShutdownGrace: 30 * time.Millisecond})
	m.Start(ctx)

	<-started
	m.Stop()

	// Принудительно завершённая задача возвращена в очередь, не потеряна
	if depth := env.broker.Depth(domain.DefaultQueue); depth != 1 {
		t.Errorf("expected in-flight task back in queue, depth=%d", depth)
	}

	st, err := env.results.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StatePending {
		t.Errorf("expected PENDING after requeue, got %s", st.State)
	}
	if st.Attempt != 0 {
		t.Errorf("redelivery must not consume a retry attempt, got attempt %d", st.Attempt)
	}
}

func TestManager_ScaleChangesSlotCount(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	m := env.newManager(Config{Concurrency: 2})
	m.Start(ctx)
	defer m.Stop()

	if got := m.SlotCount(); got != 2 {
		t.Fatalf("expected 2 slots, got %d", got)
	}

	m.Scale(4)
	deadline := time.Now().Add(time.Second)
	for m.SlotCount() != 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.SlotCount(); got != 4 {
		t.Errorf("expected 4 slots after scale up, got %d", got)
	}

	m.Scale(1)
	deadline = time.Now().Add(time.Second)
	for m.SlotCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.SlotCount(); got != 1 {
		t.Errorf("expected 1 slot after scale down, got %d", got)
	}
}

// recordingHooks собирает терминальные уведомления.
type recordingHooks struct {
	mu     sync.Mutex
	states []domain.TaskState
}

func (h *recordingHooks) TaskFinished(ctx context.Context, task *domain.TaskRequest, state domain.TaskState, result map[string]any, errPayload *domain.ErrorPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
}

func TestManager_HooksReceiveTerminalStates(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	env.reg.RegisterFunc("ok", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, nil
	}, registry.Policy{})
	env.reg.RegisterFunc("bad", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, domain.Permanentf("no")
	}, registry.Policy{})

	hooks := &recordingHooks{}

	okTask := domain.NewTaskRequest("ok", nil)
	badTask := domain.NewTaskRequest("bad", nil)
	env.broker.Enqueue(ctx, okTask)
	env.broker.Enqueue(ctx, badTask)

	m := env.newManager(Config{Concurrency: 1, Hooks: hooks})
	m.Start(ctx)
	defer m.Stop()

	for _, task := range []*domain.TaskRequest{okTask, badTask} {
		if _, err := env.results.WaitFor(ctx, task.ID, 2*time.Second); err != nil {
			t.Fatal(err)
		}
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.states) != 2 {
		t.Fatalf("expected 2 hook calls, got %d", len(hooks.states))
	}
}

// ackRecordingBroker считает подтверждения поверх in-memory broker'а.
type ackRecordingBroker struct {
	*broker.Memory
	mu   sync.Mutex
	acks map[uuid.UUID]int
}

func newAckRecordingBroker(m *broker.Memory) *ackRecordingBroker {
	return &ackRecordingBroker{Memory: m, acks: make(map[uuid.UUID]int)}
}

func (b *ackRecordingBroker) Ack(ctx context.Context, task *domain.TaskRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[task.ID]++
	return b.Memory.Ack(ctx, task)
}

func (b *ackRecordingBroker) ackCount(id uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[id]
}

func TestManager_AcksTaskOnTerminalState(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	acking := newAckRecordingBroker(env.broker)

	env.reg.RegisterFunc("ok", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, nil
	}, registry.Policy{})
	env.reg.RegisterFunc("bad", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, domain.Permanentf("no")
	}, registry.Policy{})

	okTask := domain.NewTaskRequest("ok", nil)
	badTask := domain.NewTaskRequest("bad", nil)
	acking.Enqueue(ctx, okTask)
	acking.Enqueue(ctx, badTask)

	m := New(Config{
		Broker:         acking,
		Registry:       env.reg,
		Results:        env.results,
		Concurrency:    1,
		DequeueTimeout: 20 * time.Millisecond,
	})
	m.Start(ctx)
	defer m.Stop()

	for _, task := range []*domain.TaskRequest{okTask, badTask} {
		if _, err := env.results.WaitFor(ctx, task.ID, 2*time.Second); err != nil {
			t.Fatal(err)
		}
	}

	// Ack следует за терминальной записью — дожидаемся его
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if acking.ackCount(okTask.ID) == 1 && acking.ackCount(badTask.ID) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := acking.ackCount(okTask.ID); got != 1 {
		t.Errorf("succeeded task must be acked exactly once, got %d", got)
	}
	if got := acking.ackCount(badTask.ID); got != 1 {
		t.Errorf("permanently failed task must be acked exactly once, got %d", got)
	}
}

func TestManager_NoAckForUnstartedOrInFlight(t *testing.T) {
	env := newTestEnv()
	defer env.close()
	ctx := context.Background()

	acking := newAckRecordingBroker(env.broker)

	started := make(chan struct{})
	env.reg.RegisterFunc("stuck", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, registry.Policy{})

	// Первая задача занимает единственный slot, вторая остаётся
	// в prefetch-буфере и не начинается
	inFlight := domain.NewTaskRequest("stuck", nil)
	buffered := domain.NewTaskRequest("stuck", nil)
	acking.Enqueue(ctx, inFlight)
	acking.Enqueue(ctx, buffered)

	m := New(Config{
		Broker:             acking,
		Registry:           env.reg,
		Results:            env.results,
		Concurrency:        1,
		PrefetchMultiplier: 1,
		DequeueTimeout:     20 * time.Millisecond,
		ShutdownGrace:      30 * time.Millisecond,
	})
	m.Start(ctx)

	<-started
	m.Stop()

	// Обе задачи вернулись в очередь без подтверждений: незапущенная
	// и принудительно завершённая переживают остановку
	if depth := acking.Depth(domain.DefaultQueue); depth != 2 {
		t.Errorf("expected both tasks back in queue, depth=%d", depth)
	}
	if got := acking.ackCount(inFlight.ID); got != 0 {
		t.Errorf("in-flight task must not be acked, got %d acks", got)
	}
	if got := acking.ackCount(buffered.ID); got != 0 {
		t.Errorf("prefetched-but-unstarted task must not be acked, got %d acks", got)
	}
}
