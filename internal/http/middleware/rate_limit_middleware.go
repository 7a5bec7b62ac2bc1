package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docg1701/iam-dashboard/internal/http/response"
	"github.com/docg1701/iam-dashboard/internal/observability"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Current    int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RateLimitPolicy bounds one key to Ceiling admissions per trailing Window.
type RateLimitPolicy struct {
	Ceiling int
	Window  time.Duration
}

// Limiter admits or rejects one request for a key. Implementations must make
// the trim/count/insert sequence atomic so concurrent callers can never
// breach the ceiling.
type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

// FailureMode controls behavior when the limiter backend is unreachable.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// PolicyFunc derives the admission key and its budget from the request.
type PolicyFunc func(r *http.Request) (key string, policy RateLimitPolicy)

// RateLimiter is the HTTP admission middleware. Every response carries the
// X-RateLimit-* headers; rejections additionally carry Retry-After.
type RateLimiter struct {
	limiter    Limiter
	policyFunc PolicyFunc
	mode       FailureMode
	scope      string
}

func NewRateLimiter(limiter Limiter, policyFunc PolicyFunc, mode FailureMode, scope string) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	return &RateLimiter{limiter: limiter, policyFunc: policyFunc, mode: mode, scope: scope}
}

// NewFixedRateLimiter applies one ceiling/window to every caller keyed by IP.
func NewFixedRateLimiter(limiter Limiter, ceiling int, window time.Duration, mode FailureMode, scope string) *RateLimiter {
	policy := normalizePolicy(RateLimitPolicy{Ceiling: ceiling, Window: window})
	return NewRateLimiter(limiter, func(r *http.Request) (string, RateLimitPolicy) {
		return "ip:" + clientIP(r), policy
	}, mode, scope)
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, policy := rl.policyFunc(r)
			policy = normalizePolicy(policy)
			keyType := rateLimitKeyType(key)

			decision, err := rl.limiter.Allow(r.Context(), key, policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error", string(rl.mode), keyType)
				if rl.mode == FailOpen {
					slog.Warn("rate limiter backend unavailable, allowing request",
						"scope", rl.scope,
						"mode", string(rl.mode),
						"error", err.Error(),
					)
					next.ServeHTTP(w, r)
					return
				}
				writeRateLimitHeaders(w.Header(), policy.Ceiling, 0, time.Now().Add(policy.Window))
				w.Header().Set("Retry-After", retryAfterHeader(policy.Window))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}

			writeRateLimitHeaders(w.Header(), policy.Ceiling, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny", string(rl.mode), keyType)
				observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, int64(decision.RetryAfter.Round(time.Second).Seconds()))
				w.Header().Set("Retry-After", retryAfterHeader(decision.RetryAfter))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow", string(rl.mode), keyType)
			next.ServeHTTP(w, r)
		})
	}
}

// localSlidingWindowLimiter is the single-process fallback used when no
// shared store is wired (tests, local runs). Same window semantics as the
// Redis limiter, guarded by a mutex instead of a script.
type localSlidingWindowLimiter struct {
	mu      sync.Mutex
	store   map[string][]time.Time
	cleanup time.Time
}

func NewLocalSlidingWindowLimiter() Limiter {
	return &localSlidingWindowLimiter{
		store:   make(map[string][]time.Time),
		cleanup: time.Now().Add(time.Minute),
	}
}

func (l *localSlidingWindowLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.cleanup) {
		for k, hits := range l.store {
			if len(hits) == 0 || now.Sub(hits[len(hits)-1]) > 2*policy.Window {
				delete(l.store, k)
			}
		}
		l.cleanup = now.Add(policy.Window)
	}

	cutoff := now.Add(-policy.Window)
	hits := l.store[key]
	pruned := hits[:0]
	for _, hit := range hits {
		if hit.After(cutoff) {
			pruned = append(pruned, hit)
		}
	}

	if len(pruned) >= policy.Ceiling {
		resetAt := pruned[0].Add(policy.Window)
		retry := resetAt.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		l.store[key] = pruned
		return Decision{Allowed: false, Current: len(pruned), Remaining: 0, RetryAfter: retry, ResetAt: resetAt}, nil
	}

	pruned = append(pruned, now)
	l.store[key] = pruned
	resetAt := pruned[0].Add(policy.Window)
	return Decision{
		Allowed:   true,
		Current:   len(pruned),
		Remaining: policy.Ceiling - len(pruned),
		ResetAt:   resetAt,
	}, nil
}

func retryAfterHeader(d time.Duration) string {
	if d <= 0 {
		return "1"
	}
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}

func writeRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", max(limit, 0)))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}

func normalizePolicy(policy RateLimitPolicy) RateLimitPolicy {
	if policy.Ceiling <= 0 {
		policy.Ceiling = 1
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	return policy
}

func rateLimitKeyType(key string) string {
	if strings.HasPrefix(key, "ip:") {
		return "ip"
	}
	return "principal"
}
