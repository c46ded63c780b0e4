package domain

// TaskState — состояние выполнения задачи.
//
// Жизненный цикл:
//
//	PENDING → STARTED → SUCCESS
//	                  ↘ FAILURE
//	          STARTED → RETRY → PENDING (цикл при повторе)
//
// Переходы монотонны, кроме цикла RETRY→PENDING. Недопустимый переход
// отклоняется и логируется как data-integrity warning — никогда не
// принимается молча.
type TaskState string

const (
	// StatePending — задача в очереди, ожидает выполнения.
	StatePending TaskState = "PENDING"

	// StateStarted — задача забрана slot'ом и выполняется.
	StateStarted TaskState = "STARTED"

	// StateRetry — попытка провалилась, задача запланирована на повтор.
	StateRetry TaskState = "RETRY"

	// StateSuccess — задача успешно завершена.
	StateSuccess TaskState = "SUCCESS"

	// StateFailure — задача провалена (исчерпаны retry, permanent-ошибка
	// или превышен time_limit).
	StateFailure TaskState = "FAILURE"
)

// IsTerminal возвращает true, если состояние финальное.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure:
		return true
	default:
		return false
	}
}

// validTransitions — множество допустимых рёбер графа состояний.
var validTransitions = map[TaskState][]TaskState{
	StatePending: {StateStarted},
	StateStarted: {StateSuccess, StateFailure, StateRetry},
	StateRetry:   {StatePending},
	StateSuccess: {},
	StateFailure: {},
}

// ValidTransition проверяет допустимость перехода from → to.
//
// Повторная запись того же состояния допустима (идемпотентность записей
// Result Store), переход по несуществующему ребру — нет.
func ValidTransition(from, to TaskState) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
