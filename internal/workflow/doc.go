// Package workflow реализует композицию задач: chain, group, chord.
//
// Композиции описываются сериализуемыми дескрипторами продолжения
// (domain.WorkflowMeta), а не замыканиями: они переживают рестарты
// процессов. Coordinator продвигает workflow прямо из исполняющего
// slot'а (pool.Hooks) — без внешнего poller'а:
//   - chain: SUCCESS звена ставит продолжение с результатом в args["input"]
//   - chord: атомарный обратный отсчёт в CounterStore ставит callback
//     ровно один раз, когда завершились все участники
package workflow
