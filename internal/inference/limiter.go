package inference

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter paces calls against a shared provider quota. On success the
// rate grows by 20% up to twice the initial rate; on a 429 it halves, down to
// a quarter of the initial rate. A nil limiter never blocks.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter returns a limiter starting at rps requests per second, or
// nil when rps is not positive.
func NewAdaptiveLimiter(rps float64, burst int) *AdaptiveLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	initial := rate.Limit(rps)
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initial, burst),
		maxRate:     initial * 2,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Wait blocks until the limiter allows a call.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate.
func (a *AdaptiveLimiter) OnSuccess() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(a.currentRate * 1.2)
}

// OnRateLimit lowers the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(a.currentRate * 0.5)
	zap.L().Warn("inference: provider rate limited, reducing rate",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

func (a *AdaptiveLimiter) set(r rate.Limit) {
	if r > a.maxRate {
		r = a.maxRate
	}
	if r < a.minRate {
		r = a.minRate
	}
	a.currentRate = r
	a.limiter.SetLimit(r)
}

// Limit returns the current rate, or rate.Inf for a nil limiter.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	if a == nil {
		return rate.Inf
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
