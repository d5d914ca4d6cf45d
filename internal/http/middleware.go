package http

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"squash/internal/config"
)

// authMiddleware validates the Authorization: Bearer <token> header
// against the configured bcrypt hash.
func authMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Auth.Enabled {
			return c.Next()
		}

		rawAuth := c.Get("Authorization")
		if rawAuth == "" || !strings.HasPrefix(rawAuth, "Bearer ") {
			return errorJSON(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Missing Authorization Bearer token")
		}

		token := strings.TrimSpace(strings.TrimPrefix(rawAuth, "Bearer "))
		if token == "" {
			return errorJSON(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Invalid token")
		}

		if err := bcrypt.CompareHashAndPassword([]byte(cfg.Auth.TokenHash), []byte(token)); err != nil {
			return errorJSON(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Invalid token")
		}

		return c.Next()
	}
}

// limiter decides whether one more request for key fits in the current
// per-minute budget.
type limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (bool, error)
}

// redisLimiter is a fixed-window counter shared by every API process.
type redisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func (l *redisLimiter) Allow(ctx context.Context, key string, perMinute int) (bool, error) {
	window := l.now().UTC().Format("200601021504") // YYYYMMDDHHMM minute window
	k := fmt.Sprintf("squash:rl:%s:%s", key, window)

	count, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		// First hit in this window; set TTL
		_ = l.rdb.Expire(ctx, k, time.Minute)
	}
	return count <= int64(perMinute), nil
}

// memoryLimiter keeps a token bucket per key in process memory. It is used
// when no Redis is configured. A bucket untouched for a full minute has
// refilled completely, so it is dropped and recreated on the next hit.
type memoryLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*memoryBucket
	now       func() time.Time
	lastSweep time.Time
}

type memoryBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const memoryBucketIdle = time.Minute

func newMemoryLimiter() *memoryLimiter {
	return &memoryLimiter{buckets: make(map[string]*memoryBucket), now: time.Now}
}

func (l *memoryLimiter) Allow(_ context.Context, key string, perMinute int) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= memoryBucketIdle {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= memoryBucketIdle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &memoryBucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1), nil
}

func (l *memoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// rateLimitMiddleware enforces a per-minute limit per client address.
func rateLimitMiddleware(cfg *config.Config, lim limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := cfg.RateLimit.DefaultPerMinute
		if limit <= 0 || lim == nil {
			return c.Next()
		}

		ok, err := lim.Allow(c.Context(), c.IP(), limit)
		if err != nil {
			return errorJSON(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("rate limit increment failed: %v", err))
		}
		if !ok {
			return errorJSON(c, fiber.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded, try again later")
		}

		return c.Next()
	}
}
