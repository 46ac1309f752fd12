// Package ratelimit implements fixed-window request limits keyed by client
// IP or API key prefix, backed by memory or Redis, plus a per-IP token
// bucket for burst smoothing.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Result is one limiter decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key over a fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// MemoryLimiter is the in-process fixed-window limiter used when Redis is
// not configured. Expired windows are swept on access.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter returns an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window)}
}

// Allow counts one request against key.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, windowDur time.Duration) (Result, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(windowDur)}
		m.windows[key] = w
	}
	w.count++

	if len(m.windows) > 4096 {
		for k, v := range m.windows {
			if now.After(v.resetAt) {
				delete(m.windows, k)
			}
		}
	}

	res := Result{Limit: limit, ResetAt: w.resetAt}
	res.Allowed = w.count <= limit
	if remaining := limit - w.count; remaining > 0 {
		res.Remaining = remaining
	}
	return res, nil
}

// RedisLimiter is the shared fixed-window limiter for multi-replica
// deployments.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter wraps a Redis client. The prefix namespaces limiter keys.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "receiptgate:rl"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow counts one request against key. The window key embeds the window
// start so counters expire naturally.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, windowDur time.Duration) (Result, error) {
	now := time.Now()
	windowStart := now.Truncate(windowDur)
	resetAt := windowStart.Add(windowDur)
	redisKey := r.prefix + ":" + key + ":" + windowStart.UTC().Format("20060102T150405")

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireAt(ctx, redisKey, resetAt.Add(windowDur))
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	count := int(incr.Val())
	res := Result{Limit: limit, ResetAt: resetAt, Allowed: count <= limit}
	if remaining := limit - count; remaining > 0 {
		res.Remaining = remaining
	}
	return res, nil
}

// BurstGuard holds one token bucket per client IP to flatten bursts that fit
// inside the fixed window.
type BurstGuard struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewBurstGuard allows rps sustained requests with the given burst per IP.
func NewBurstGuard(rps float64, burst int) *BurstGuard {
	return &BurstGuard{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow reports whether one request from ip fits its bucket.
func (g *BurstGuard) Allow(ip string) bool {
	g.mu.Lock()
	b, ok := g.buckets[ip]
	if !ok {
		b = rate.NewLimiter(g.rps, g.burst)
		g.buckets[ip] = b
		if len(g.buckets) > 8192 {
			for k := range g.buckets {
				if len(g.buckets) <= 4096 {
					break
				}
				delete(g.buckets, k)
			}
		}
	}
	g.mu.Unlock()
	return b.Allow()
}
