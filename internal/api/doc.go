// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (broker, result store, pool, scheduler)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - task_handler.go     — обработчики для /tasks
//   - pool_handler.go     — обработчики для /queues и /pool
//   - schedule_handler.go — обработчики для /schedules
//
// API предоставляет REST endpoints для постановки задач, запроса
// статусов, отмены, инспекции очередей и управления worker pool'ом.
package api
