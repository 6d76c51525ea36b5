package handlers

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grocery-backoffice/api/internal/platform/httpx"
	"github.com/grocery-backoffice/api/internal/platform/idempotency"
	"github.com/grocery-backoffice/api/internal/platform/requestctx"
)

// RateLimiter counts a hit for key and reports whether it is allowed and when the window resets.
// cache.WindowCounter is the shared implementation; MemoryRateLimiter serves single instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// MemoryRateLimiter is a fixed-window limiter held in process.
type MemoryRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	hits   map[string]rateWindow
}

type rateWindow struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter allows limit hits per key per window.
func NewMemoryRateLimiter(limit int, window time.Duration, clock func() time.Time) *MemoryRateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRateLimiter{limit: limit, window: window, clock: clock, hits: make(map[string]rateWindow)}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.hits[key]
	if !ok || !now.Before(entry.reset) {
		l.pruneLocked(now)
		entry = rateWindow{reset: now.Add(l.window)}
	}
	entry.count++
	l.hits[key] = entry
	return entry.count <= l.limit, entry.reset.Sub(now), nil
}

func (l *MemoryRateLimiter) pruneLocked(now time.Time) {
	for key, entry := range l.hits {
		if !now.Before(entry.reset) {
			delete(l.hits, key)
		}
	}
}

// RateLimit rejects requests over the limit with 429 and Retry-After. The key is derived from the
// buffered body so limits follow the device rather than the client address. Limiter errors fail open.
func RateLimit(limiter RateLimiter, scope idempotency.ScopeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		if scope == nil {
			scope = idempotency.IdentityScope
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			body, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes+1))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := r.Method + " " + r.URL.Path + " " + scope(r, body)
			allowed, retryAfter, err := limiter.Allow(ctx, key)
			if err != nil {
				requestctx.Logger(ctx).Warn("ratelimit.check.failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
