// Package registry реализует Task Registry.
//
// Registry сопоставляет имени типа задачи:
//   - Handler — явный интерфейс обработчика (без рефлексии)
//   - Policy — retry, backoff, time limits, rate limit
//
// Структура:
//   - registry.go  — Registry, Handler, Invocation, Policy
//   - backoff.go   — вычисление задержки retry с ограниченным jitter
//   - ratelimit.go — token bucket, общий для всех slot'ов процесса
package registry
