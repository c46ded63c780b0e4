package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/konveyer/internal/domain"
)

// Ошибки chord-трекера.
var (
	// ErrChordNotFound — chord не зарегистрирован, уже сработал или удалён.
	ErrChordNotFound = errors.New("chord not found")

	// ErrChordAborted — chord прерван (FailFast после провала участника).
	ErrChordAborted = errors.New("chord aborted")
)

// Chord — состояние одного chord'а: атомарный обратный отсчёт плюс
// собранные результаты участников.
type Chord struct {
	// ID — идентификатор chord'а.
	ID uuid.UUID

	// Callback — задача, которая будет поставлена при достижении нуля.
	Callback *domain.TaskRequest

	// Size — количество участников.
	Size int

	// Remaining — сколько участников ещё не завершилось.
	Remaining int

	// FailFast — прервать chord при первом провале участника
	// (callback не выполняется).
	FailFast bool

	// Aborted — chord прерван.
	Aborted bool

	// Results — результаты участников, плотно по GroupIndex.
	Results []domain.MemberResult
}

// CounterStore — хранилище счётчиков chord'ов.
//
// Ключевое свойство: AddResult атомарен, поэтому ровно один вызов
// наблюдает remaining == 0 — он и ставит callback. Exactly-once
// не зависит от количества worker-процессов.
//
// Реализации: in-memory (один процесс) и pgx-backed
// (UPDATE ... SET remaining = remaining - 1 ... RETURNING) для
// multi-process развёртываний.
type CounterStore interface {
	// Create регистрирует chord с counter'ом, равным размеру группы.
	Create(ctx context.Context, ch *Chord) error

	// AddResult записывает итог участника и уменьшает счётчик ровно
	// на единицу. Для FailFast chord'а провал участника прерывает chord
	// в том же атомарном шаге, что и декремент: aborted = true
	// возвращается вызову, принёсшему провал, а окно, в котором
	// конкурентный успех мог бы увидеть remaining == 0 до прерывания,
	// отсутствует. Поздние завершения после прерывания получают
	// ErrChordAborted.
	AddResult(ctx context.Context, chordID uuid.UUID, res domain.MemberResult) (remaining int, aborted bool, err error)

	// Take изымает сработавший chord (remaining == 0). Ровно один
	// вызов получает состояние; остальные — ErrChordNotFound.
	Take(ctx context.Context, chordID uuid.UUID) (*Chord, error)
}

// MemoryCounters — in-memory реализация CounterStore для
// однопроцессных развёртываний и тестов.
type MemoryCounters struct {
	mu     sync.Mutex
	chords map[uuid.UUID]*Chord
}

// NewMemoryCounters создаёт пустой трекер.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{chords: make(map[uuid.UUID]*Chord)}
}

// Create регистрирует chord.
func (m *MemoryCounters) Create(ctx context.Context, ch *Chord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ch
	cp.Remaining = cp.Size
	if cp.Results == nil {
		cp.Results = make([]domain.MemberResult, cp.Size)
	}
	m.chords[cp.ID] = &cp
	return nil
}

// AddResult записывает итог участника и уменьшает счётчик.
//
// FailFast-прерывание выполняется под тем же lock'ом, что и декремент:
// последний успех либо застаёт remaining > 0, либо ErrChordAborted —
// но никогда не «remaining == 0 и ещё не прерван».
func (m *MemoryCounters) AddResult(ctx context.Context, chordID uuid.UUID, res domain.MemberResult) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.chords[chordID]
	if !ok {
		return 0, false, ErrChordNotFound
	}
	if ch.Aborted {
		return 0, true, ErrChordAborted
	}

	if res.Index >= 0 && res.Index < len(ch.Results) {
		ch.Results[res.Index] = res
	}
	ch.Remaining--

	if ch.FailFast && res.State == domain.StateFailure {
		ch.Aborted = true
		return ch.Remaining, true, nil
	}
	return ch.Remaining, false, nil
}

// Take изымает сработавший chord.
func (m *MemoryCounters) Take(ctx context.Context, chordID uuid.UUID) (*Chord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.chords[chordID]
	if !ok || ch.Aborted || ch.Remaining > 0 {
		return nil, ErrChordNotFound
	}
	delete(m.chords, chordID)
	return ch, nil
}

// Aborted возвращает true, если chord помечен прерванным.
// Прерванное состояние сохраняется: поздние завершения участников
// распознаются и игнорируются.
func (m *MemoryCounters) Aborted(chordID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.chords[chordID]
	return ok && ch.Aborted
}
