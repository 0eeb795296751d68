package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is a per-process token bucket limiter used when Redis is off.
// A limit of N per window refills one token every window/N with burst N.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewLocalLimiter creates an in-memory limiter
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (l *LocalLimiter) limiterFor(key string, limit int64, window time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	every := rate.Every(window / time.Duration(limit))
	lim, ok := l.limiters[key]
	if !ok || lim.Burst() != int(limit) || lim.Limit() != every {
		lim = rate.NewLimiter(every, int(limit))
		l.limiters[key] = lim
	}
	return lim
}

// Check consumes one token for key
func (l *LocalLimiter) Check(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	if limit <= 0 {
		return &RateLimitResult{Allowed: true, Limit: limit}, nil
	}

	lim := l.limiterFor(key, limit, window)
	now := l.now()

	if lim.AllowN(now, 1) {
		used := limit - int64(math.Floor(lim.TokensAt(now)))
		return &RateLimitResult{Allowed: true, CurrentCount: used, Limit: limit}, nil
	}

	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)

	return &RateLimitResult{
		Allowed:           false,
		CurrentCount:      limit + 1,
		Limit:             limit,
		RetryAfterSeconds: int64(math.Ceil(delay.Seconds())),
	}, nil
}
