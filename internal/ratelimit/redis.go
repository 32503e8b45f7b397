package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/gwerrors"
	"github.com/portcullis/gateway/internal/logging"
	"github.com/portcullis/gateway/internal/metrics"
	"github.com/portcullis/gateway/internal/middleware"
)

// counterScript implements the fixed-window counter: increment, arm the TTL on
// the first hit of a window, and report the remaining window.
// Returns: [count, pttlMillis]
var counterScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RouteLimiter enforces the per-(route,principal) limit against the shared
// cache. The cache is the single source of truth; counters are never cached
// locally, so all gateway replicas observe one budget.
type RouteLimiter struct {
	client    *redis.Client
	opTimeout time.Duration

	mu           sync.RWMutex
	defaultLimit config.RateLimitConfig
}

// NewRouteLimiter creates a distributed route limiter.
func NewRouteLimiter(client *redis.Client, defaultLimit config.RateLimitConfig, opTimeout time.Duration) *RouteLimiter {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &RouteLimiter{
		client:       client,
		defaultLimit: defaultLimit,
		opTimeout:    opTimeout,
	}
}

// SetDefaultLimit swaps the fallback limit for routes without their own,
// used by config hot reload.
func (rl *RouteLimiter) SetDefaultLimit(limit config.RateLimitConfig) {
	rl.mu.Lock()
	rl.defaultLimit = limit
	rl.mu.Unlock()
}

func (rl *RouteLimiter) defaults() config.RateLimitConfig {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.defaultLimit
}

// Key composes the counter key for a route and principal.
func Key(routeID, principal string) string {
	return fmt.Sprintf("ratelimit:%s:%s", routeID, principal)
}

// Middleware enforces the limit for the matched route. Requests without a
// principal (unauthenticated paths) are covered by the IP limiter instead.
func (rl *RouteLimiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex := exchange.FromRequest(r)
			if ex == nil || ex.Route == nil || ex.Principal == nil {
				next.ServeHTTP(w, r)
				return
			}

			fallback := rl.defaults()
			limit := fallback.RequestsPerWindow
			window := fallback.WindowDuration
			if ex.Route.RateLimit != nil {
				limit = ex.Route.RateLimit.RequestsPerWindow
				window = ex.Route.RateLimit.WindowDuration
			}
			if limit <= 0 || window <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), rl.opTimeout)
			defer cancel()

			key := Key(ex.Route.ID, ex.Principal.Username)
			result, err := counterScript.Run(ctx, rl.client, []string{key}, window.Milliseconds()).Int64Slice()
			if err != nil || len(result) < 2 {
				// Fail open: availability beats exactness when the cache is down.
				logging.Warn("rate limit cache unavailable, allowing request",
					zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			count := result[0]
			ttl := time.Duration(result[1]) * time.Millisecond
			if ttl < 0 {
				ttl = window
			}
			remaining := int64(limit) - count
			if remaining < 0 {
				remaining = 0
			}
			reset := time.Now().Add(ttl).Unix()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

			if count > int64(limit) {
				metrics.RateLimited("route")
				retryAfter := int(ttl.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				gwerrors.ErrTooManyRequests.WriteJSON(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
