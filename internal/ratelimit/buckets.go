package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// TokenBuckets keeps one token bucket per key (typically a client IP) and forgets idle keys.
type TokenBuckets struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	r        rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

// NewTokenBuckets allows rps events per second per key with the given burst.
func NewTokenBuckets(rps float64, burst int) *TokenBuckets {
	return &TokenBuckets{
		visitors: make(map[string]*visitor),
		r:        rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed now.
func (t *TokenBuckets) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, v := range t.visitors {
		if now.Sub(v.seen) > t.idle {
			delete(t.visitors, k)
		}
	}
	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(t.r, t.burst)}
		t.visitors[key] = v
	}
	v.seen = now
	return v.lim.AllowN(now, 1)
}
