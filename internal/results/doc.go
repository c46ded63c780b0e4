// Package results реализует Result Store.
//
// Store отслеживает переходы состояний задач, результаты, типизированные
// ошибки и прогресс. Записи идемпотентны по task ID; недопустимые
// переходы отклоняются (ErrIllegalTransition), терминальные записи
// истекают по TTL.
//
// Структура:
//   - store.go    — интерфейс Store, Status, Write, Progress
//   - memory.go   — in-memory реализация с janitor-горутиной
//   - retrying.go — декоратор фонового повтора записей при недоступности
package results
