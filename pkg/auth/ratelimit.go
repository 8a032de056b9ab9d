package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veritrail/core/pkg/api"
)

// Limiter answers whether an actor may perform one more request inside
// the current window.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// RedisLimiter enforces a fixed-window limit shared across instances.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a limiter allowing limit requests per window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window}
}

// Allow increments the actor's window counter and checks the limit. The
// key expires with the window, so idle actors cost nothing.
func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", actorID, time.Now().Unix()/int64(l.window.Seconds()))
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		l.client.Expire(ctx, key, l.window)
	}
	return n <= l.limit, nil
}

// RateLimitMiddleware enforces per-actor limiting at the HTTP layer.
// The actor is the authenticated principal, falling back to the remote
// address. Limiter errors fail open so a degraded Redis never takes the
// API down with it.
func RateLimitMiddleware(limiter Limiter, retryAfterSecs int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = fmt.Sprintf("%s/%s", principal.GetTenantID(), principal.GetID())
			}

			allowed, err := limiter.Allow(r.Context(), actorID)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, retryAfterSecs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
