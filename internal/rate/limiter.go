// Package rate throttles login and registration attempts per source.
package rate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	rdb "github.com/redis/go-redis/v9"
	xrate "golang.org/x/time/rate"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter counts attempts per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// RedisLimiter is a fixed window shared by every server instance (INCR + EXPIRE).
type RedisLimiter struct {
	client *rdb.Client
	prefix string
	max    int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows n hits per key in each window.
func NewRedisLimiter(client *rdb.Client, prefix string, n int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "medgate:rl:"
	}
	return &RedisLimiter{client: client, prefix: prefix, max: int64(n), window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.now().UTC()
	start := now.Truncate(l.window)
	k := fmt.Sprintf("%s%s:%d", l.prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())

	// The key names its window, so refreshing the expiry on every hit only
	// bounds how long a finished window lingers.
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	hits := incr.Val()
	res := Result{Allowed: hits <= l.max, Remaining: max(l.max-hits, 0)}
	if !res.Allowed {
		res.RetryAfter = start.Add(l.window).Sub(now)
	}
	return res, nil
}

// MemoryLimiter is a per-process token bucket per key. Idle buckets are
// dropped after idle.
type MemoryLimiter struct {
	limit xrate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *xrate.Limiter
	seen time.Time
}

// NewMemoryLimiter refills n tokens per window, with a burst of n.
func NewMemoryLimiter(n int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   xrate.Limit(float64(n) / window.Seconds()),
		burst:   n,
		idle:    max(window*5, 5*time.Minute),
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

// NewTokenBucket returns a limiter with an explicit refill rate per second.
func NewTokenBucket(perSecond float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   xrate.Limit(perSecond),
		burst:   burst,
		idle:    5 * time.Minute,
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: xrate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Result{Allowed: false, RetryAfter: delay}, nil
	}
	return Result{Allowed: true, Remaining: int64(b.lim.TokensAt(now))}, nil
}

// New picks the Redis limiter when a client is given.
func New(client *rdb.Client, n int, window time.Duration) Limiter {
	if client != nil {
		return NewRedisLimiter(client, "", n, window)
	}
	return NewMemoryLimiter(n, window)
}
