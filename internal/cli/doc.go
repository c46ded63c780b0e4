// Package cli содержит команды консольного клиента konveyer.
//
// Структура:
//   - client.go   — HTTP-клиент для Konveyer API
//   - output.go   — форматирование вывода (таблицы, JSON)
//   - task.go     — команды task submit/status/cancel
//   - pool.go     — команды queue list и pool status/scale
//   - schedule.go — команды schedule list/create/delete
//
// CLI не импортирует internal/api: общается с сервером только
// по HTTP, response-типы дублируются локально.
package cli
