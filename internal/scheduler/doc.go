// Package scheduler материализует задачи по расписанию.
//
// Scheduler хранит записи (Entry) с правилом времени — cron-выражение
// или фиксированный интервал — и на каждом тике ставит TaskRequest'ы
// для due-записей. Для broker'а это обычный producer.
//
// Структура:
//   - scheduler.go — записи, Tick, lifecycle
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Идемпотентность: ключ "{entry}_{fireUnix}" гарантирует одну задачу
// на одно срабатывание, даже если тик повторится на том же времени.
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно. В multi-process
// развёртываниях Tick() должен вызываться только лидером (например,
// через pg_try_advisory_lock в main.go).
package scheduler
