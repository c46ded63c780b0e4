// Package repo реализует персистентный слой поверх Postgres (pgx).
//
// Репозитории:
//   - DeadLetterRepo — долговечный архив мёртвых задач
//   - ChordRepo      — workflow.CounterStore с атомарным SQL-декрементом
//     для multi-process развёртываний
//
// Схема создаётся Migrate() при старте (CREATE TABLE IF NOT EXISTS).
package repo
