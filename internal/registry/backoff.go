package registry

import (
	"math"
	"math/rand"
	"time"
)

// jitterFraction — доля задержки, добавляемая случайно.
// Ограниченный jitter размазывает повторные всплески, не ломая
// неубывание задержек между попытками.
const jitterFraction = 0.25

// Backoff вычисляет задержку перед повтором номер attempt (с нуля):
//
//	delay = base * multiplier^attempt + jitter
//
// Результат монотонно не убывает по attempt и ограничен сверху
// policy.BackoffMax (если задан).
func Backoff(policy Policy, attempt int) time.Duration {
	base := policy.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}

	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = defaultBackoffMultiplier
	}

	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if delay < base {
		// Переполнение float64→Duration при больших attempt
		delay = base
	}

	if policy.BackoffMax > 0 && delay > policy.BackoffMax {
		delay = policy.BackoffMax
	}

	// Jitter добавляется, а не вычитается: delay(n+1) >= delay(n)
	// сохраняется для детерминированной части.
	jitter := time.Duration(rand.Int63n(int64(float64(delay)*jitterFraction) + 1))
	return delay + jitter
}
