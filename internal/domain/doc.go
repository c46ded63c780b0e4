// Package domain содержит основные типы системы.
//
// Основные сущности:
//   - TaskRequest — единица работы в очереди (task.go)
//   - TaskState — граф состояний PENDING/STARTED/RETRY/SUCCESS/FAILURE (state.go)
//   - WorkflowMeta — сериализуемые дескрипторы chain/group/chord (workflow.go)
//   - Таксономия ошибок: TransientError, PermanentError и др. (errors.go)
//
// Пакет не зависит от инфраструктуры (broker, pool, store) —
// только типы и инварианты.
package domain
