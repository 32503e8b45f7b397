package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/gwerrors"
	"github.com/portcullis/gateway/internal/metrics"
	"github.com/portcullis/gateway/internal/middleware"
)

// ipWindow is the sliding request log for one client IP. The exchange holding
// the shard lock is the only writer of the slice.
type ipWindow struct {
	mu       sync.Mutex
	times    []time.Time
	lastSeen time.Time
}

// IPLimiter enforces a per-IP sliding window on the unauthenticated paths.
// State is process-local: these endpoints are served before any identity
// exists, and exactness across replicas is not required for them.
type IPLimiter struct {
	limit    int
	window   time.Duration
	paths    map[string]bool
	windows  *shardedMap[*ipWindow]
	stopOnce sync.Once
	stop     chan struct{}
}

// NewIPLimiter creates an IP limiter covering exactly the given paths and
// starts the background eviction task.
func NewIPLimiter(cfg config.IPRateLimitConfig, paths []string) *IPLimiter {
	limit := cfg.Requests
	if limit <= 0 {
		limit = 100
	}
	window := cfg.Window
	if window <= 0 {
		window = 60 * time.Second
	}
	interval := cfg.EvictionInterval
	if interval <= 0 {
		interval = 120 * time.Second
	}

	pathSet := make(map[string]bool, len(paths))
	for _, p := range paths {
		pathSet[p] = true
	}

	l := &IPLimiter{
		limit:   limit,
		window:  window,
		paths:   pathSet,
		windows: newShardedMap[*ipWindow](),
		stop:    make(chan struct{}),
	}
	go l.evict(interval)
	return l
}

// Allow records a request for ip and reports whether it is within the window
// limit. retryAfter is meaningful only when denied.
func (l *IPLimiter) Allow(ip string) (allowed bool, retryAfter time.Duration) {
	now := time.Now()
	w := l.windows.getOrCreate(ip, func() *ipWindow { return &ipWindow{} })

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now

	cutoff := now.Add(-l.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) < l.limit {
		w.times = append(w.times, now)
		return true, 0
	}
	return false, l.window - now.Sub(w.times[0])
}

// Middleware rate limits requests to the unauthenticated paths. All other
// paths pass through untouched.
func (l *IPLimiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.paths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter := l.Allow(ClientIP(r))
			if !allowed {
				metrics.RateLimited("ip")
				secs := int(retryAfter.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				gwerrors.ErrTooManyRequests.WriteJSON(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Close stops the eviction task.
func (l *IPLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// evict drops windows idle for longer than the window duration.
func (l *IPLimiter) evict(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.window)
			l.windows.deleteFunc(func(_ string, w *ipWindow) bool {
				w.mu.Lock()
				stale := w.lastSeen.Before(cutoff)
				w.mu.Unlock()
				return stale
			})
		}
	}
}

// ClientIP extracts the client address: the first X-Forwarded-For hop when
// present, the connection peer otherwise.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
