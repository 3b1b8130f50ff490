// Package ratelimit limits inbound requests per client.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ytget/ytmux/internal/logger"
)

const (
	idleAfter   = 3 * time.Minute
	redisWindow = time.Minute
	redisTTL    = 65 * time.Second
	redisTimout = 200 * time.Millisecond
)

// Limiter decides whether a client identified by key may proceed and
// reports the remaining quota on a best-effort basis.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int)
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// MemoryLimiter keeps one token bucket per client refilled at rpm per minute.
type MemoryLimiter struct {
	rpm       int
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

// NewMemoryLimiter allows rpm requests per minute per client with a burst of
// rpm. A non-positive rpm disables limiting.
func NewMemoryLimiter(rpm int) *MemoryLimiter {
	return &MemoryLimiter{rpm: rpm, buckets: make(map[string]*bucket), now: time.Now}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, int) {
	if m.rpm <= 0 {
		return true, m.rpm
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastPrune) > idleAfter {
		for k, b := range m.buckets {
			if now.Sub(b.seen) > idleAfter {
				delete(m.buckets, k)
			}
		}
		m.lastPrune = now
	}
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(m.rpm)/60), m.rpm)}
		m.buckets[key] = b
	}
	b.seen = now
	allowed := b.lim.AllowN(now, 1)
	return allowed, int(b.lim.TokensAt(now))
}

// RedisLimiter counts requests per client in fixed one-minute windows shared
// across instances. Redis errors fall back to a local MemoryLimiter.
type RedisLimiter struct {
	client   *redis.Client
	rpm      int
	fallback *MemoryLimiter
	now      func() time.Time
}

// NewRedisLimiter creates a Redis backed limiter.
func NewRedisLimiter(client *redis.Client, rpm int) *RedisLimiter {
	return &RedisLimiter{client: client, rpm: rpm, fallback: NewMemoryLimiter(rpm), now: time.Now}
}

// windowKey is the counter for the current minute.
func (r *RedisLimiter) windowKey(key string) string {
	return fmt.Sprintf("ytmux:ratelimit:%s:%d", key, r.now().Unix()/int64(redisWindow/time.Second))
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, int) {
	if r.rpm <= 0 {
		return true, r.rpm
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimout)
	defer cancel()
	k := r.windowKey(key)
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		logger.WithComponent(logger.ComponentServer).Debug("Redis rate limit unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		return r.fallback.Allow(ctx, key)
	}
	if n == 1 {
		_ = r.client.Expire(ctx, k, redisTTL).Err()
	}
	return int(n) <= r.rpm, r.rpm - int(n)
}

// ClientIP extracts the client address from proxy headers or RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
