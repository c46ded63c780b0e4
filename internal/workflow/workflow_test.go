package workflow_test

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/pool"
	"github.com/shaiso/konveyer/internal/registry"
	"github.com/shaiso/konveyer/internal/results"
	"github.com/shaiso/konveyer/internal/workflow"
)

// testEnv — полный стек: broker, registry, store, coordinator, pool.
type testEnv struct {
	broker   *broker.Memory
	reg      *registry.Registry
	results  *results.Memory
	counters *workflow.MemoryCounters
	composer *workflow.Composer
	manager  *pool.Manager
}

func newTestEnv(t *testing.T, concurrency int) *testEnv {
	t.Helper()

	env := &testEnv{
		broker:   broker.NewMemory(broker.MemoryConfig{}),
		reg:      registry.New(),
		results:  results.NewMemory(results.MemoryConfig{}),
		counters: workflow.NewMemoryCounters(),
	}

	env.composer = workflow.NewComposer(workflow.ComposerConfig{
		Broker:   env.broker,
		Results:  env.results,
		Counters: env.counters,
	})

	coordinator := workflow.NewCoordinator(workflow.CoordinatorConfig{
		Broker:   env.broker,
		Results:  env.results,
		Counters: env.counters,
	})

	env.manager = pool.New(pool.Config{
		Broker:         env.broker,
		Registry:       env.reg,
		Results:        env.results,
		Hooks:          coordinator,
		Concurrency:    concurrency,
		DequeueTimeout: 20 * time.Millisecond,
	})
	env.manager.Start(context.Background())

	t.Cleanup(func() {
		env.manager.Stop()
		env.broker.Close()
		env.results.Close()
	})
	return env
}

// num приводит JSON-число к int (после сериализации числа — float64).
func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// inputValue достаёт args["input"]["value"] предшественника.
func inputValue(args map[string]any) int {
	input, _ := args["input"].(map[string]any)
	return num(input["value"])
}

func TestChain_PassesResultDownstream(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	env.reg.RegisterFunc("seed", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{"value": num(inv.Args["value"])}, nil
	}, registry.Policy{})
	env.reg.RegisterFunc("double", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{"value": inputValue(inv.Args) * 2}, nil
	}, registry.Policy{})
	env.reg.RegisterFunc("inc", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{"value": inputValue(inv.Args) + 1}, nil
	}, registry.Policy{})

	handle, err := env.composer.Chain(ctx,
		domain.NewTaskRequest("seed", map[string]any{"value": 5}),
		domain.NewTaskRequest("double", nil),
		domain.NewTaskRequest("inc", nil),
	)
	if err != nil {
		t.Fatal(err)
	}

	st, err := handle.Wait(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateSuccess {
		t.Fatalf("expected SUCCESS, got %s (%+v)", st.State, st.Error)
	}
	// 5 → double → 10 → inc → 11
	if got := num(st.Result["value"]); got != 11 {
		t.Errorf("expected chain result 11, got %d", got)
	}
}

func TestChain_FailedLinkAbortsChain(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	var tailRan atomic.Bool
	env.reg.RegisterFunc("boom", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, domain.Permanentf("bad link")
	}, registry.Policy{})
	env.reg.RegisterFunc("tail", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		tailRan.Store(true)
		return nil, nil
	}, registry.Policy{})

	head := domain.NewTaskRequest("boom", nil)
	tail := domain.NewTaskRequest("tail", nil)
	if _, err := env.composer.Chain(ctx, head, tail); err != nil {
		t.Fatal(err)
	}

	// Голова провалилась терминально
	st, err := env.results.WaitFor(ctx, head.ID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateFailure {
		t.Fatalf("expected FAILURE, got %s", st.State)
	}

	// Продолжение не выполняется
	time.Sleep(100 * time.Millisecond)
	if tailRan.Load() {
		t.Error("continuation must not run after failed link")
	}
}

func TestGroup_ResultsInSubmissionOrder(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	env.reg.RegisterFunc("sum", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		// Случайная задержка перемешивает порядок завершения
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		return map[string]any{"sum": num(inv.Args["a"]) + num(inv.Args["b"])}, nil
	}, registry.Policy{})

	handle, err := env.composer.Group(ctx,
		domain.NewTaskRequest("sum", map[string]any{"a": 1, "b": 2}),
		domain.NewTaskRequest("sum", map[string]any{"a": 3, "b": 4}),
	)
	if err != nil {
		t.Fatal(err)
	}

	members, err := handle.Wait(ctx, 5*time.Second, workflow.CollectAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 results, got %d", len(members))
	}
	// Порядок постановки, не порядок завершения
	if got := num(members[0].Result["sum"]); got != 3 {
		t.Errorf("expected first member sum 3, got %d", got)
	}
	if got := num(members[1].Result["sum"]); got != 7 {
		t.Errorf("expected second member sum 7, got %d", got)
	}
}

func TestGroup_AbortOnFirstFailure(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	env.reg.RegisterFunc("ok", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, nil
	}, registry.Policy{})
	env.reg.RegisterFunc("fail", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, domain.Permanentf("member down")
	}, registry.Policy{})

	handle, err := env.composer.Group(ctx,
		domain.NewTaskRequest("ok", nil),
		domain.NewTaskRequest("fail", nil),
	)
	if err != nil {
		t.Fatal(err)
	}

	_, err = handle.Wait(ctx, 5*time.Second, workflow.AbortOnFirstFailure)
	if !errors.Is(err, workflow.ErrMemberFailed) {
		t.Fatalf("expected ErrMemberFailed, got %v", err)
	}
}

// countingStore считает активные WaitFor поверх обычного store.
type countingStore struct {
	results.Store
	active atomic.Int32
}

func (c *countingStore) WaitFor(ctx context.Context, taskID uuid.UUID, timeout time.Duration) (*results.Status, error) {
	c.active.Add(1)
	defer c.active.Add(-1)
	return c.Store.WaitFor(ctx, taskID, timeout)
}

func TestGroup_EarlyReturnReleasesWaiters(t *testing.T) {
	ctx := context.Background()

	b := broker.NewMemory(broker.MemoryConfig{})
	mem := results.NewMemory(results.MemoryConfig{})
	t.Cleanup(func() {
		b.Close()
		mem.Close()
	})

	store := &countingStore{Store: mem}
	composer := workflow.NewComposer(workflow.ComposerConfig{
		Broker:  b,
		Results: store,
	})

	handle, err := composer.Group(ctx,
		domain.NewTaskRequest("fail", nil),
		domain.NewTaskRequest("never", nil),
	)
	if err != nil {
		t.Fatal(err)
	}

	// Первый участник проваливается, второй не завершается вовсе
	failed := handle.Tasks[0].ID
	mem.SetState(ctx, failed, results.Write{State: domain.StateStarted})
	mem.SetState(ctx, failed, results.Write{
		State: domain.StateFailure,
		Error: &domain.ErrorPayload{Kind: domain.ErrorKindPermanent, Message: "member down"},
	})

	_, err = handle.Wait(ctx, 5*time.Second, workflow.AbortOnFirstFailure)
	if !errors.Is(err, workflow.ErrMemberFailed) {
		t.Fatalf("expected ErrMemberFailed, got %v", err)
	}

	// Waiter незавершённого участника отменён ранним возвратом,
	// а не висит до истечения полного timeout'а
	deadline := time.Now().Add(time.Second)
	for store.active.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := store.active.Load(); n != 0 {
		t.Fatalf("%d WaitFor goroutines still running after early return", n)
	}
}

func TestChord_FiresExactlyOnce(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	const members = 50

	env.reg.RegisterFunc("member", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		// Случайный порядок завершения
		time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
		return map[string]any{"i": inv.Args["i"]}, nil
	}, registry.Policy{})

	var callbackRuns int32
	var gotResults atomic.Value
	env.reg.RegisterFunc("callback", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		atomic.AddInt32(&callbackRuns, 1)
		gotResults.Store(inv.Args["results"])
		return map[string]any{"done": true}, nil
	}, registry.Policy{})

	tasks := make([]*domain.TaskRequest, members)
	for i := range tasks {
		tasks[i] = domain.NewTaskRequest("member", map[string]any{"i": i})
	}

	handle, err := env.composer.Chord(ctx, workflow.ChordConfig{
		Members:  tasks,
		Callback: domain.NewTaskRequest("callback", nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := handle.Wait(ctx, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateSuccess {
		t.Fatalf("expected callback SUCCESS, got %s", st.State)
	}

	if runs := atomic.LoadInt32(&callbackRuns); runs != 1 {
		t.Fatalf("callback must fire exactly once, fired %d times", runs)
	}

	collected, ok := gotResults.Load().([]domain.MemberResult)
	if !ok {
		t.Fatalf("callback received unexpected results type %T", gotResults.Load())
	}
	if len(collected) != members {
		t.Fatalf("expected %d member results, got %d", members, len(collected))
	}
	// Порядок постановки независимо от порядка завершения
	for i, res := range collected {
		if res.Index != i {
			t.Fatalf("result %d out of order: index %d", i, res.Index)
		}
		if res.State != domain.StateSuccess {
			t.Errorf("member %d: expected SUCCESS, got %s", i, res.State)
		}
	}
}

func TestChord_FailureCountsTowardCounter(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	env.reg.RegisterFunc("ok", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}, registry.Policy{})
	env.reg.RegisterFunc("fail", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, domain.Permanentf("member down")
	}, registry.Policy{})

	var gotResults atomic.Value
	env.reg.RegisterFunc("callback", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		gotResults.Store(inv.Args["results"])
		return nil, nil
	}, registry.Policy{})

	handle, err := env.composer.Chord(ctx, workflow.ChordConfig{
		Members: []*domain.TaskRequest{
			domain.NewTaskRequest("ok", nil),
			domain.NewTaskRequest("fail", nil),
		},
		Callback: domain.NewTaskRequest("callback", nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Провал участника по умолчанию не блокирует callback
	st, err := handle.Wait(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateSuccess {
		t.Fatalf("expected callback SUCCESS, got %s", st.State)
	}

	collected := gotResults.Load().([]domain.MemberResult)
	if collected[0].State != domain.StateSuccess {
		t.Errorf("member 0: expected SUCCESS, got %s", collected[0].State)
	}
	if collected[1].State != domain.StateFailure || collected[1].Error == nil {
		t.Errorf("member 1: expected FAILURE with error payload, got %+v", collected[1])
	}
}

func TestChord_FailFastAbortsCallback(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	env.reg.RegisterFunc("ok", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, nil
	}, registry.Policy{})
	env.reg.RegisterFunc("fail", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return nil, domain.Permanentf("member down")
	}, registry.Policy{})

	var callbackRuns int32
	env.reg.RegisterFunc("callback", func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		atomic.AddInt32(&callbackRuns, 1)
		return nil, nil
	}, registry.Policy{})

	handle, err := env.composer.Chord(ctx, workflow.ChordConfig{
		Members: []*domain.TaskRequest{
			domain.NewTaskRequest("ok", nil),
			domain.NewTaskRequest("fail", nil),
		},
		Callback: domain.NewTaskRequest("callback", nil),
		FailFast: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Все участники завершились, chord прерван
	deadline := time.Now().Add(2 * time.Second)
	for !env.counters.Aborted(handle.ID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !env.counters.Aborted(handle.ID) {
		t.Fatal("chord was not marked aborted")
	}

	time.Sleep(100 * time.Millisecond)
	if runs := atomic.LoadInt32(&callbackRuns); runs != 0 {
		t.Errorf("callback must not fire for aborted chord, fired %d times", runs)
	}
}

func TestChord_FailFastAbortAtomicWithDecrement(t *testing.T) {
	ctx := context.Background()
	counters := workflow.NewMemoryCounters()

	chordID := uuid.New()
	err := counters.Create(ctx, &workflow.Chord{
		ID:       chordID,
		Callback: domain.NewTaskRequest("callback", nil),
		Size:     2,
		FailFast: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Провал участника прерывает chord в том же вызове, что и декремент
	_, aborted, err := counters.AddResult(ctx, chordID, domain.MemberResult{
		Index: 1,
		State: domain.StateFailure,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !aborted {
		t.Fatal("failed member must abort the chord within its own AddResult")
	}

	// Конкурирующий успех, досчитавший счётчик до нуля, видит
	// прерывание — окна «remaining == 0, но ещё не прерван» нет
	_, _, err = counters.AddResult(ctx, chordID, domain.MemberResult{
		Index: 0,
		State: domain.StateSuccess,
	})
	if !errors.Is(err, workflow.ErrChordAborted) {
		t.Fatalf("expected ErrChordAborted, got %v", err)
	}

	// Прерванный chord не изымается — callback поставить нечем
	if _, err := counters.Take(ctx, chordID); !errors.Is(err, workflow.ErrChordNotFound) {
		t.Fatalf("aborted chord must not be takeable, got %v", err)
	}
}

func TestChord_FailFastFailureRacingLastSuccess(t *testing.T) {
	ctx := context.Background()

	b := broker.NewMemory(broker.MemoryConfig{})
	store := results.NewMemory(results.MemoryConfig{})
	counters := workflow.NewMemoryCounters()
	t.Cleanup(func() {
		b.Close()
		store.Close()
	})

	coordinator := workflow.NewCoordinator(workflow.CoordinatorConfig{
		Broker:   b,
		Results:  store,
		Counters: counters,
	})

	callback := domain.NewTaskRequest("callback", nil)
	chordID := uuid.New()
	err := counters.Create(ctx, &workflow.Chord{
		ID:       chordID,
		Callback: callback,
		Size:     2,
		FailFast: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	okTask := domain.NewTaskRequest("ok", nil)
	okTask.Workflow = &domain.WorkflowMeta{ChordID: chordID, GroupIndex: 0, GroupSize: 2}
	failTask := domain.NewTaskRequest("fail", nil)
	failTask.Workflow = &domain.WorkflowMeta{ChordID: chordID, GroupIndex: 1, GroupSize: 2}

	// Провал приходит первым; успех следом досчитывает счётчик до нуля
	coordinator.TaskFinished(ctx, failTask, domain.StateFailure, nil, &domain.ErrorPayload{
		Kind:    domain.ErrorKindPermanent,
		Message: "member down",
	})
	coordinator.TaskFinished(ctx, okTask, domain.StateSuccess, map[string]any{"ok": true}, nil)

	if !counters.Aborted(chordID) {
		t.Fatal("chord must be aborted by the failed member")
	}
	if depth := b.Depth(domain.DefaultQueue); depth != 0 {
		t.Fatalf("callback must not be enqueued for aborted chord, queue depth %d", depth)
	}
	if _, err := store.Get(ctx, callback.ID); !errors.Is(err, results.ErrNotFound) {
		t.Fatalf("callback status must not be registered, got %v", err)
	}
}
