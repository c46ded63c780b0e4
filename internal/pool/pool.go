package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/broker"
	"github.com/shaiso/konveyer/internal/domain"
	"github.com/shaiso/konveyer/internal/registry"
	"github.com/shaiso/konveyer/internal/results"
	"github.com/shaiso/konveyer/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency        = 4
	defaultPrefetchMultiplier = 2
	defaultDequeueTimeout     = time.Second
	defaultShutdownGrace      = 5 * time.Second
)

// Hooks — уведомления о терминальном завершении задачи.
//
// Реализуется Workflow Composer'ом: постановка continuation цепочки
// и декремент счётчика chord'а. Вызывается исполняющим slot'ом —
// внешний poller не нужен.
type Hooks interface {
	TaskFinished(ctx context.Context, task *domain.TaskRequest, state domain.TaskState, result map[string]any, errPayload *domain.ErrorPayload)
}

// Manager — менеджер пула выполнения.
//
// Владеет N конкурентными slot'ами процесса:
//   - Prefetch до prefetch_multiplier × concurrency готовых задач
//     (амортизация round-trip'ов к broker'у)
//   - max_tasks_per_child: recycle slot'а со свежим execution context
//   - Graceful shutdown: grace period для in-flight, затем
//     принудительное завершение с requeue (at-least-once)
//   - Опциональный autoscaling по глубине очереди и латентности
type Manager struct {
	name     string
	broker   broker.Broker
	registry *registry.Registry
	results  results.Store
	hooks    Hooks

	queues             []string
	concurrency        int
	prefetchMultiplier int
	maxTasksPerChild   int
	dequeueTimeout     time.Duration
	shutdownGrace      time.Duration
	autoscale          *AutoscaleConfig

	// prefetch — буфер забранных, но не начатых задач.
	// Закрывается dispatcher'ом при остановке.
	prefetch chan *domain.TaskRequest

	// slots — активные slot'ы (id → состояние).
	slots      map[int]*slotState
	nextSlotID int
	slotsMu    sync.Mutex

	// force закрывается по истечении grace period: in-flight задачи
	// принудительно завершаются и возвращаются в очередь.
	force chan struct{}

	// latencyEWMA — сглаженная длительность задач (для autoscaler'а).
	latencyEWMA time.Duration
	latencyMu   sync.Mutex

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopping   bool
	stoppingMu sync.RWMutex
}

// Config — конфигурация Manager.
type Config struct {
	// Name — имя пула (default: "default"). Несколько пулов с разными
	// очередями в одном процессе разводят приоритетные полосы.
	Name string

	// Broker — источник задач.
	Broker broker.Broker

	// Registry — реестр handler'ов.
	Registry *registry.Registry

	// Results — хранилище состояний.
	Results results.Store

	// Hooks — workflow-уведомления (опционально).
	Hooks Hooks

	// Queues — очереди, привязанные к пулу (default: {"default"}).
	Queues []string

	// Concurrency — количество slot'ов (default: 4).
	Concurrency int

	// PrefetchMultiplier — множитель prefetch-буфера (default: 2).
	PrefetchMultiplier int

	// MaxTasksPerChild — лимит задач на slot до recycle
	// (default: 0 — без recycle).
	MaxTasksPerChild int

	// DequeueTimeout — idle-wait таймаут одного Dequeue (default: 1s).
	DequeueTimeout time.Duration

	// ShutdownGrace — grace period при остановке (default: 5s).
	ShutdownGrace time.Duration

	// Autoscale — границы авто-масштабирования (опционально).
	Autoscale *AutoscaleConfig

	// Logger — логгер (default: slog.Default()).
	Logger *slog.Logger
}

// New создаёт Manager.
func New(cfg Config) *Manager {
	name := cfg.Name
	if name == "" {
		name = "default"
	}

	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{domain.DefaultQueue}
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	prefetchMult := cfg.PrefetchMultiplier
	if prefetchMult <= 0 {
		prefetchMult = defaultPrefetchMultiplier
	}

	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = defaultDequeueTimeout
	}

	shutdownGrace := cfg.ShutdownGrace
	if shutdownGrace <= 0 {
		shutdownGrace = defaultShutdownGrace
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		name:               name,
		broker:             cfg.Broker,
		registry:           cfg.Registry,
		results:            cfg.Results,
		hooks:              cfg.Hooks,
		queues:             queues,
		concurrency:        concurrency,
		prefetchMultiplier: prefetchMult,
		maxTasksPerChild:   cfg.MaxTasksPerChild,
		dequeueTimeout:     dequeueTimeout,
		shutdownGrace:      shutdownGrace,
		autoscale:          cfg.Autoscale,
		prefetch:           make(chan *domain.TaskRequest, prefetchMult*concurrency),
		slots:              make(map[int]*slotState),
		force:              make(chan struct{}),
		logger:             logger.With("pool", name),
	}
}

// Start запускает пул: dispatcher, slot'ы и autoscaler.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel

	m.logger.Info("starting worker pool",
		"queues", m.queues,
		"concurrency", m.concurrency,
		"prefetch", m.prefetchMultiplier*m.concurrency,
		"max_tasks_per_child", m.maxTasksPerChild,
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatch(ctx)
	}()

	for i := 0; i < m.concurrency; i++ {
		m.addSlot()
	}

	if m.autoscale != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.autoscaleLoop(ctx)
		}()
	}

	m.logger.Info("worker pool started")
	return nil
}

// Stop останавливает пул.
//
// Последовательность:
//  1. Новые dequeue прекращаются; prefetched-но-не-начатые задачи
//     возвращаются в очередь.
//  2. In-flight задачи получают grace period на завершение.
//  3. По истечении grace всё ещё выполняющиеся задачи принудительно
//     завершаются и возвращаются в очередь — ни одна задача не теряется.
func (m *Manager) Stop() {
	m.stoppingMu.Lock()
	if m.stopping {
		m.stoppingMu.Unlock()
		return
	}
	m.stopping = true
	m.stoppingMu.Unlock()

	m.logger.Info("stopping worker pool...", "grace", m.shutdownGrace)

	if m.cancelFunc != nil {
		m.cancelFunc()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.shutdownGrace):
		m.logger.Warn("grace period expired, force-terminating in-flight tasks")
		close(m.force)
		<-done
	}

	m.logger.Info("worker pool stopped")
}

// IsStopping возвращает true после начала остановки.
func (m *Manager) IsStopping() bool {
	m.stoppingMu.RLock()
	defer m.stoppingMu.RUnlock()
	return m.stopping
}

// dispatch — цикл prefetch'а: забирает готовые задачи из broker'а
// в буфер. Единственный потребитель broker.Dequeue в пуле.
func (m *Manager) dispatch(ctx context.Context) {
	defer close(m.prefetch)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := m.broker.Dequeue(ctx, m.queues, m.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			// Broker недоступен: пауза перед новой попыткой,
			// dequeue не возобновляется busy-циклом.
			m.logger.Error("dequeue failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.dequeueTimeout):
			}
			continue
		}
		if task == nil {
			continue
		}

		select {
		case m.prefetch <- task:
		case <-ctx.Done():
			// Забрали, но останавливаемся — возвращаем в очередь.
			m.requeueUnstarted(task)
			return
		}
	}
}

// requeueUnstarted возвращает prefetched-но-не-начатую задачу в очередь.
func (m *Manager) requeueUnstarted(task *domain.TaskRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.broker.Requeue(ctx, task); err != nil {
		m.logger.Error("failed to requeue prefetched task",
			"task_id", task.ID,
			"error", err,
		)
		return
	}
	m.logger.Debug("requeued prefetched task", "task_id", task.ID)
}

// addSlot добавляет slot и запускает его supervisor.
func (m *Manager) addSlot() {
	m.slotsMu.Lock()
	m.nextSlotID++
	s := newSlotState(m.nextSlotID)
	m.slots[s.id] = s
	count := len(m.slots)
	m.slotsMu.Unlock()

	telemetry.SetPoolSlots(m.name, count)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.dropSlot(s.id)
		m.superviseSlot(s)
	}()
}

// removeSlot сигнализирует одному slot'у завершиться после текущей задачи.
func (m *Manager) removeSlot() {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()

	for _, s := range m.slots {
		select {
		case <-s.quit:
			continue // уже останавливается
		default:
		}
		close(s.quit)
		return
	}
}

// dropSlot удаляет slot из реестра после завершения supervisor'а.
func (m *Manager) dropSlot(id int) {
	m.slotsMu.Lock()
	delete(m.slots, id)
	count := len(m.slots)
	m.slotsMu.Unlock()

	telemetry.SetPoolSlots(m.name, count)
}

// SlotCount возвращает текущее количество slot'ов.
func (m *Manager) SlotCount() int {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	return len(m.slots)
}

// Scale меняет размер пула до n slot'ов.
func (m *Manager) Scale(n int) {
	if n < 1 {
		n = 1
	}

	m.slotsMu.Lock()
	current := len(m.slots)
	m.slotsMu.Unlock()

	for current < n {
		m.addSlot()
		current++
	}
	for current > n {
		m.removeSlot()
		current--
	}

	m.logger.Info("pool scaled", "slots", n)
}

// SlotInfo — снимок состояния slot'а для pool-control поверхности.
type SlotInfo struct {
	// ID — идентификатор slot'а в пуле.
	ID int `json:"id"`

	// Generation — номер поколения (растёт при recycle).
	Generation int `json:"generation"`

	// Executed — задач выполнено в текущем поколении.
	Executed int `json:"executed"`

	// TotalExecuted — задач выполнено за всё время slot'а.
	TotalExecuted int `json:"total_executed"`

	// CurrentTask — ID выполняемой задачи (nil, если idle).
	CurrentTask *uuid.UUID `json:"current_task,omitempty"`

	// Heartbeat — время последней активности.
	Heartbeat time.Time `json:"heartbeat"`
}

// Snapshot возвращает снимок всех slot'ов пула.
func (m *Manager) Snapshot() []SlotInfo {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()

	infos := make([]SlotInfo, 0, len(m.slots))
	for _, s := range m.slots {
		infos = append(infos, s.info())
	}
	return infos
}

// Name возвращает имя пула.
func (m *Manager) Name() string { return m.name }

// Queues возвращает очереди, привязанные к пулу.
func (m *Manager) Queues() []string { return m.queues }

// observeLatency обновляет EWMA длительности задач.
func (m *Manager) observeLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	if m.latencyEWMA == 0 {
		m.latencyEWMA = d
		return
	}
	// alpha = 0.2
	m.latencyEWMA = time.Duration(0.8*float64(m.latencyEWMA) + 0.2*float64(d))
}

// Latency возвращает сглаженную длительность задач.
func (m *Manager) Latency() time.Duration {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	return m.latencyEWMA
}
