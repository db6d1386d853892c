package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/config"
	apperrors "rae-backend/internal/errors"
	"rae-backend/pkg/api"
	"rae-backend/pkg/auth"
)

// RateLimiter throttles requests per tenant with a token bucket. Buckets
// refill continuously at the configured per-minute rate; idle buckets are
// dropped during calls once the cleanup interval has passed, so the limiter
// needs no background goroutine.
type RateLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	rate        float64 // tokens per second
	burst       float64
	cleanupIval time.Duration
	lastCleanup time.Time
	logger      *zap.Logger

	now func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter builds a limiter from configuration.
func NewRateLimiter(cfg config.RateLimit, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = perMinute
	}
	ival := cfg.CleanupInterval.Std()
	if ival <= 0 {
		ival = time.Minute
	}
	return &RateLimiter{
		buckets:     make(map[string]*bucket),
		rate:        float64(perMinute) / 60.0,
		burst:       float64(burst),
		cleanupIval: ival,
		lastCleanup: time.Now(),
		logger:      logger,
		now:         time.Now,
	}
}

// Allow consumes one token for key. It reports whether the request may
// proceed and, when refused, how long until a token becomes available.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanupLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// cleanupLocked drops buckets that have been idle long enough to refill
// completely; recreating one later is equivalent to keeping it.
func (l *RateLimiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < l.cleanupIval {
		return
	}
	l.lastCleanup = now
	idle := time.Duration(l.burst / l.rate * float64(time.Second))
	for key, b := range l.buckets {
		if now.Sub(b.last) > idle {
			delete(l.buckets, key)
		}
	}
}

// Middleware enforces the limit keyed by the authenticated tenant, falling
// back to the remote host for unauthenticated routes.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		ok, wait := l.Allow(key)
		if !ok {
			seconds := int(math.Ceil(wait.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			l.logger.Debug("request throttled",
				zap.String("key", key),
				zap.Int("retry_after_s", seconds))
			api.Error(w, http.StatusTooManyRequests,
				apperrors.CodeRateLimitExceeded.String(),
				"rate limit exceeded",
				GetRequestIDFromRequest(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if principal, err := auth.PrincipalFromContext(r.Context()); err == nil {
		return principal.TenantID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
