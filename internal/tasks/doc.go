// Package tasks содержит встроенные типы задач.
//
// Типы:
//   - http_request — HTTP запрос к внешнему API (5xx — transient, 4xx — permanent)
//   - sleep        — задержка с прогрессом и реакцией на soft time limit
//   - transform    — трансформация данных через Go templates
//
// RegisterBuiltins регистрирует все три в registry.Registry
// с подходящими политиками retry.
package tasks
