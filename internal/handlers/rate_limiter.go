package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) bool
	// Exhausted reports whether key has no budget left in its current window without charging it.
	Exhausted(key string) bool
}

type identityLimiterKey struct{}

type simpleRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]rateEntry
}

type rateEntry struct {
	count int
	reset time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateEntry),
	}
}

func (l *simpleRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || now.After(entry.reset) {
		l.store[key] = rateEntry{count: 1, reset: now.Add(l.window)}
		l.pruneExpiredLocked(now)
		return true
	}

	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.store[key] = entry
	return true
}

func (l *simpleRateLimiter) Exhausted(key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.store[key]
	return ok && !now.After(entry.reset) && entry.count >= l.limit
}

func (l *simpleRateLimiter) pruneExpiredLocked(now time.Time) {
	if len(l.store) == 0 {
		return
	}
	for key, entry := range l.store {
		if now.After(entry.reset) {
			delete(l.store, key)
		}
	}
}

// RateLimitOptions sets per-minute budgets. A zero budget disables that limiter.
type RateLimitOptions struct {
	// AnonymousPerMinute applies per client IP to requests without a bearer token and to requests
	// whose bearer token fails verification.
	AnonymousPerMinute int
	// AuthenticatedPerMinute applies per verified user id.
	AuthenticatedPerMinute int
	Clock                  func() time.Time
}

// NewRateLimitMiddleware throttles requests in fixed one-minute windows and answers 429 once a
// caller exhausts its budget. Requests without a token are charged to their IP up front. Requests
// with a token are charged to the verified user by identityRateLimit, which route groups mount after
// the Firebase middleware; a 401 answer charges the IP instead.
func NewRateLimitMiddleware(opts RateLimitOptions) Middleware {
	anonymous := newSimpleRateLimiter(opts.AnonymousPerMinute, time.Minute, opts.Clock)
	authenticated := newSimpleRateLimiter(opts.AuthenticatedPerMinute, time.Minute, opts.Clock)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ipKey := "ip:" + clientIP(r)
			if _, ok := bearerToken(r); !ok {
				if anonymous != nil && !anonymous.Allow(ipKey) {
					writeRateLimited(w, r)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if anonymous != nil && anonymous.Exhausted(ipKey) {
				writeRateLimited(w, r)
				return
			}
			if authenticated != nil {
				r = r.WithContext(context.WithValue(r.Context(), identityLimiterKey{}, authenticated))
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() == http.StatusUnauthorized && anonymous != nil {
				anonymous.Allow(ipKey)
			}
		})
	}
}

// identityRateLimit charges the verified user's budget. Mount it after the Firebase middleware.
func identityRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, _ := r.Context().Value(identityLimiterKey{}).(rateLimiter)
		identity, ok := auth.IdentityFromContext(r.Context())
		if limiter != nil && ok && identity != nil && !limiter.Allow("uid:"+identity.UID) {
			writeRateLimited(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())))
	httpx.WriteError(r.Context(), w, httpx.NewError(httpx.KindRateLimited, "too many requests", http.StatusTooManyRequests))
}

// NewBurstLimitMiddleware caps a route group (e.g. webhooks) at perMinute requests overall.
func NewBurstLimitMiddleware(perMinute int, clock func() time.Time) Middleware {
	limiter := newSimpleRateLimiter(perMinute, time.Minute, clock)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow("burst") {
				writeRateLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
