// Package ratelimit counts inbound messages per user in fixed one-minute windows.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the length of one counting window.
const DefaultWindow = time.Minute

// Limiter decides whether one more event for key is allowed in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Opts holds configuration for limiter construction.
type Opts struct {
	Limit     int // events per window; <= 0 disables limiting
	Window    time.Duration
	RedisURL  string
	KeyPrefix string
}

// Option defines a configuration option for limiter construction.
type Option func(*Opts)

// WithLimit sets the number of events allowed per window.
func WithLimit(n int) Option {
	return func(o *Opts) { o.Limit = n }
}

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) { o.Window = d }
}

// WithRedisURL selects the shared Redis-backed limiter.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithKeyPrefix namespaces Redis keys.
func WithKeyPrefix(p string) Option {
	return func(o *Opts) { o.KeyPrefix = p }
}

// New builds a Redis-backed limiter when a URL is configured and an in-process one otherwise.
func New(ctx context.Context, opts ...Option) (Limiter, error) {
	cfg := Opts{Window: DefaultWindow, KeyPrefix: "eyeline:rl:"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.RedisURL == "" || cfg.Limit <= 0 {
		slog.Debug("ratelimit.New: using in-process fixed window", "limit", cfg.Limit, "window", cfg.Window)
		return NewFixedWindow(cfg.Limit, cfg.Window), nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("ratelimit.New: using redis fixed window", "limit", cfg.Limit, "window", cfg.Window)
	return NewRedisFixedWindow(rdb, cfg.Limit, cfg.Window, cfg.KeyPrefix), nil
}

type bucket struct {
	window int64
	count  int
}

// FixedWindow is an in-process limiter. Buckets reset when the window index changes.
type FixedWindow struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	buckets   map[string]bucket
	lastSweep int64
	now       func() time.Time
}

// NewFixedWindow creates an in-process limiter allowing limit events per window.
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	return &FixedWindow{
		limit:   limit,
		window:  window,
		buckets: make(map[string]bucket),
		now:     time.Now,
	}
}

// WithClock replaces the time source. It is meant for tests and must be called before use.
func (f *FixedWindow) WithClock(now func() time.Time) *FixedWindow {
	f.now = now
	return f
}

// Allow counts one event for key. Rejected events are not counted.
func (f *FixedWindow) Allow(ctx context.Context, key string) (bool, error) {
	if f.limit <= 0 {
		return true, nil
	}
	idx := f.now().UnixNano() / int64(f.window)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweep(idx)

	b := f.buckets[key]
	if b.window != idx {
		b = bucket{window: idx}
	}
	if b.count >= f.limit {
		f.buckets[key] = b
		return false, nil
	}
	b.count++
	f.buckets[key] = b
	return true, nil
}

// sweep drops buckets from past windows once per window.
func (f *FixedWindow) sweep(idx int64) {
	if idx == f.lastSweep {
		return
	}
	for k, b := range f.buckets {
		if b.window < idx {
			delete(f.buckets, k)
		}
	}
	f.lastSweep = idx
}

// allowScript increments the window counter only while it is below the limit,
// so rejected messages do not count.
var allowScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// RedisFixedWindow shares counters across processes through Redis.
type RedisFixedWindow struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisFixedWindow creates a limiter over an existing Redis client.
func NewRedisFixedWindow(rdb *redis.Client, limit int, window time.Duration, prefix string) *RedisFixedWindow {
	return &RedisFixedWindow{rdb: rdb, limit: limit, window: window, prefix: prefix, now: time.Now}
}

// Allow counts the message against the current window when it is within the limit.
// Rejected messages leave the counter unchanged.
func (r *RedisFixedWindow) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	ok, err := allowScript.Run(ctx, r.rdb, []string{r.windowKey(key)}, r.limit, (2 * r.window).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit failed: %w", err)
	}
	return ok == 1, nil
}

func (r *RedisFixedWindow) windowKey(key string) string {
	idx := r.now().UnixNano() / int64(r.window)
	return fmt.Sprintf("%s%s:%d", r.prefix, key, idx)
}

// Close releases the Redis connection pool.
func (r *RedisFixedWindow) Close() error {
	return r.rdb.Close()
}
