package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/konveyer/internal/domain"
)

// Значения политики по умолчанию.
const (
	defaultMaxRetries        = 3
	defaultBackoffBase       = time.Second
	defaultBackoffMultiplier = 2.0
	defaultTimeLimit         = 5 * time.Minute
)

// Handler — интерфейс обработчика задачи.
//
// Явный интерфейс вместо динамического поиска по строке: handler'ы
// регистрируются в name→handler mapping при старте процесса, без рефлексии.
//
// Возвращаемая ошибка классифицируется wrapper'ом:
//   - domain.TransientError → retry по политике
//   - domain.PermanentError → немедленный FAILURE
//   - прочие ошибки трактуются как transient
type Handler interface {
	Execute(ctx context.Context, inv *Invocation) (map[string]any, error)
}

// HandlerFunc — адаптер функции к интерфейсу Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) (map[string]any, error)

// Execute вызывает функцию.
func (f HandlerFunc) Execute(ctx context.Context, inv *Invocation) (map[string]any, error) {
	return f(ctx, inv)
}

// Invocation — контекст одного вызова handler'а.
type Invocation struct {
	// Task — выполняемый запрос.
	Task *domain.TaskRequest

	// Args — аргументы (копия Task.Args для удобства).
	Args map[string]any

	// Attempt — номер попытки (0 для первой).
	Attempt int

	// Report — callback прогресса. Обновляет progress-поле Result Store,
	// не затрагивая терминальное состояние. Может быть nil.
	Report func(current, total int, meta map[string]any)

	// Scratch — per-slot состояние handler'ов. Живёт не дольше
	// max_tasks_per_child выполнений: slot пересоздаёт его при recycle.
	Scratch map[string]any

	// SoftTimeout закрывается при достижении soft_time_limit —
	// предупреждение перед принудительным завершением. Может быть nil.
	SoftTimeout <-chan struct{}
}

// Progress сообщает прогресс выполнения, если callback установлен.
func (inv *Invocation) Progress(current, total int, meta map[string]any) {
	if inv.Report != nil {
		inv.Report(current, total, meta)
	}
}

// Policy — политика выполнения для типа задачи.
type Policy struct {
	// MaxRetries — количество повторов после первой попытки (default: 3).
	MaxRetries int

	// BackoffBase — базовая задержка retry (default: 1s).
	BackoffBase time.Duration

	// BackoffMultiplier — множитель экспоненциального backoff (default: 2).
	BackoffMultiplier float64

	// BackoffMax — верхняя граница задержки (default: без границы).
	BackoffMax time.Duration

	// TimeLimit — жёсткий лимит выполнения: slot принудительно
	// завершается, задача уходит в FAILURE (default: 5m).
	TimeLimit time.Duration

	// SoftTimeLimit — мягкий лимит: handler получает предупреждение
	// через Invocation.SoftTimeout (default: отключено).
	SoftTimeLimit time.Duration

	// RateLimit — ограничение частоты вызовов типа, общее для всех
	// slot'ов процесса (default: без ограничения).
	RateLimit *RateLimit
}

// withDefaults возвращает политику с заполненными значениями по умолчанию.
func (p Policy) withDefaults() Policy {
	if p.MaxRetries == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = defaultBackoffBase
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = defaultBackoffMultiplier
	}
	if p.TimeLimit <= 0 {
		p.TimeLimit = defaultTimeLimit
	}
	return p
}

// Registration — handler вместе с его политикой.
type Registration struct {
	// Type — имя типа задачи.
	Type string

	// Handler — обработчик.
	Handler Handler

	// Policy — политика retry/timeout/rate-limit.
	Policy Policy

	// limiter — общий token bucket типа (nil без rate limit).
	limiter *TokenBucket
}

// Limiter возвращает rate limiter типа (nil, если не настроен).
func (r *Registration) Limiter() *TokenBucket {
	return r.limiter
}

// Registry — реестр типов задач.
//
// Конструируется явно и передаётся в worker entry points: несколько
// независимых реестров (и пулов) сосуществуют в одном процессе.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Registration
}

// New создаёт пустой Registry.
func New() *Registry {
	return &Registry{types: make(map[string]*Registration)}
}

// Register добавляет handler с политикой для типа задачи.
// Повторная регистрация типа перезаписывает предыдущую.
func (r *Registry) Register(taskType string, handler Handler, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	policy = policy.withDefaults()

	reg := &Registration{
		Type:    taskType,
		Handler: handler,
		Policy:  policy,
	}
	if policy.RateLimit != nil {
		reg.limiter = NewTokenBucket(*policy.RateLimit)
	}

	r.types[taskType] = reg
}

// RegisterFunc — удобный вариант Register для функций.
func (r *Registry) RegisterFunc(taskType string, fn HandlerFunc, policy Policy) {
	r.Register(taskType, fn, policy)
}

// Get возвращает регистрацию для типа задачи.
func (r *Registry) Get(taskType string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTaskType, taskType)
	}
	return reg, nil
}

// Types возвращает имена зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// EffectivePolicy возвращает политику с учётом переопределений из запроса:
// TaskRequest.MaxRetries и BackoffBase, если заданы, имеют приоритет.
func (r *Registry) EffectivePolicy(task *domain.TaskRequest) (Policy, error) {
	reg, err := r.Get(task.Type)
	if err != nil {
		return Policy{}, err
	}

	policy := reg.Policy
	if task.MaxRetries > 0 {
		policy.MaxRetries = task.MaxRetries
	}
	if task.BackoffBase > 0 {
		policy.BackoffBase = task.BackoffBase
	}
	return policy, nil
}
