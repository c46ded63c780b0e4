// Package pool реализует менеджер пула выполнения задач.
//
// Manager владеет N конкурентными slot'ами процесса и обеспечивает:
//   - prefetch задач из broker'а (амортизация round-trip'ов)
//   - retry с экспоненциальным backoff по политике типа
//   - лимиты времени выполнения (hard и soft)
//   - recycle slot'ов после max_tasks_per_child выполнений
//   - graceful shutdown без потери задач (at-least-once)
//   - опциональный autoscaling по глубине очереди
package pool
