package domain

import (
	"github.com/google/uuid"
)

// WorkflowMeta — сериализуемый дескриптор участия задачи в workflow.
//
// Замена callback-стиля: вместо замыкания, которое не переживёт рестарт
// процесса, к TaskRequest прикрепляется явный дескриптор продолжения.
// Дескриптор персистится вместе с задачей и воспроизводится любым worker'ом.
type WorkflowMeta struct {
	// Continuation — следующая задача цепочки (chain).
	// При SUCCESS исполняющий slot ставит её в очередь, подставив
	// результат предшественника в args["input"].
	Continuation *TaskRequest `json:"continuation,omitempty"`

	// GroupID — идентификатор группы, к которой принадлежит задача.
	GroupID uuid.UUID `json:"group_id,omitempty"`

	// GroupIndex — позиция задачи в группе (для сохранения порядка
	// результатов независимо от порядка завершения).
	GroupIndex int `json:"group_index,omitempty"`

	// GroupSize — размер группы.
	GroupSize int `json:"group_size,omitempty"`

	// ChordID — идентификатор chord'а. Каждое терминальное завершение
	// участника уменьшает счётчик chord'а ровно на единицу; при нуле
	// ставится callback.
	ChordID uuid.UUID `json:"chord_id,omitempty"`
}

// InChord возвращает true, если задача — участник chord'а.
func (m *WorkflowMeta) InChord() bool {
	return m != nil && m.ChordID != uuid.Nil
}

// InGroup возвращает true, если задача — участник группы.
func (m *WorkflowMeta) InGroup() bool {
	return m != nil && m.GroupID != uuid.Nil
}

// MemberResult — итог одного участника группы/chord'а.
//
// Callback chord'а получает упорядоченный список MemberResult:
// и успехи (Result), и ошибки (Error) — по умолчанию провал участника
// не блокирует callback, а попадает в список как ошибка.
type MemberResult struct {
	// TaskID — идентификатор участника.
	TaskID uuid.UUID `json:"task_id"`

	// Index — позиция участника в группе на момент постановки.
	Index int `json:"index"`

	// State — терминальное состояние участника.
	State TaskState `json:"state"`

	// Result — результат при SUCCESS.
	Result map[string]any `json:"result,omitempty"`

	// Error — ошибка при FAILURE.
	Error *ErrorPayload `json:"error,omitempty"`
}
