// Package resilience provides per-subscription rate limiting to protect
// integrator endpoints from delivery bursts.
//
// Rate limiting is backpressure, not failure: a throttled delivery is
// rescheduled without consuming its attempt budget. The circuit-breaking of
// chronically failing endpoints is handled elsewhere, as a durable failure
// counter on the subscription itself.
package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter answers whether a delivery to a subscription's endpoint may
// proceed right now. Implementations exist in-memory (single instance) and
// Redis-backed (shared across worker instances).
type RateLimiter interface {
	Allow(ctx context.Context, subscriptionID string, limit int) (bool, error)
}

// LocalRateLimiter keeps a token-bucket limiter per subscription in process
// memory. Buckets are created lazily with double-checked locking.
type LocalRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *LocalRateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) (bool, error) {
	return l.limiter(subscriptionID, limit).Allow(), nil
}

func (l *LocalRateLimiter) limiter(subscriptionID string, limit int) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[subscriptionID]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limiters[subscriptionID]; ok {
		return lim
	}
	burst := limit/10 + 1
	lim = rate.NewLimiter(rate.Limit(limit), burst)
	l.limiters[subscriptionID] = lim
	return lim
}

// Remove frees the bucket of a deleted subscription.
func (l *LocalRateLimiter) Remove(subscriptionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, subscriptionID)
}
