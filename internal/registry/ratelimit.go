package registry

import (
	"context"
	"sync"
	"time"
)

// RateLimit — ограничение частоты: не более Limit вызовов за Window.
//
// Применяется для троттлинга обращений к rate-limited внешним сервисам.
// Bucket общий для всех slot'ов процесса, мутируется только под
// собственным мьютексом.
type RateLimit struct {
	// Limit — максимум вызовов за окно.
	Limit int

	// Window — длительность окна.
	Window time.Duration
}

// TokenBucket — token bucket с пополнением раз в Window.
type TokenBucket struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	tokens   int
	refillAt time.Time
}

// NewTokenBucket создаёт bucket, заполненный до лимита.
func NewTokenBucket(rl RateLimit) *TokenBucket {
	if rl.Limit <= 0 {
		rl.Limit = 1
	}
	if rl.Window <= 0 {
		rl.Window = time.Second
	}
	return &TokenBucket{
		limit:    rl.Limit,
		window:   rl.Window,
		tokens:   rl.Limit,
		refillAt: time.Now().Add(rl.Window),
	}
}

// TryAcquire пытается взять токен без ожидания.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Acquire блокируется до получения токена или отмены контекста.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.refillLocked(now)
		if b.tokens > 0 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.refillAt.Sub(now)
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refillLocked пополняет bucket, если окно истекло. Вызывается под mu.
func (b *TokenBucket) refillLocked(now time.Time) {
	if now.Before(b.refillAt) {
		return
	}
	b.tokens = b.limit
	b.refillAt = now.Add(b.window)
}
