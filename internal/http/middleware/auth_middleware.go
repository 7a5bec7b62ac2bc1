package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/docg1701/iam-dashboard/internal/http/response"
	"github.com/docg1701/iam-dashboard/internal/observability"
	"github.com/docg1701/iam-dashboard/internal/security"
	"github.com/docg1701/iam-dashboard/internal/service"
)

type contextKey string

const (
	ClaimsContextKey   contextKey = "claims"
	RawTokenContextKey contextKey = "raw_token"
)

// AuthMiddleware authenticates the request via the token service, which
// checks both signature/expiry and the shared-store blacklist. Claims and
// the raw token are stashed in the request context for handlers that need
// them (logout must blacklist the exact presented token).
func AuthMiddleware(tokens *service.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, source := extractAccessToken(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
				return
			}
			claims, err := tokens.Verify(r.Context(), raw)
			if err != nil {
				if errors.Is(err, service.ErrStoreUnavailable) {
					observability.RecordAccessTokenValidation(r.Context(), "store_error", source)
					response.Error(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "session store unavailable", nil)
					return
				}
				observability.RecordAccessTokenValidation(r.Context(), "invalid", source)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or revoked access token", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", source)
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			ctx = context.WithValue(ctx, RawTokenContextKey, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractAccessToken(r *http.Request) (raw, source string) {
	if raw = security.GetCookie(r, security.AccessTokenCookie); raw != "" {
		return raw, "cookie"
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:]), "bearer"
	}
	return "", ""
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

func RawTokenFromContext(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(RawTokenContextKey).(string)
	return raw, ok
}

// RoleCeilings resolves the per-window request budget for a role.
type RoleCeilings interface {
	CeilingForRole(role string) int
}

// PrincipalPolicyFunc keys authenticated traffic by role and subject and
// anonymous traffic by client IP, each with its role's ceiling. Claims from
// an upstream AuthMiddleware are preferred; otherwise the bearer token is
// parsed here so pre-auth routes still get principal budgets.
func PrincipalPolicyFunc(jwtMgr *security.JWTManager, ceilings RoleCeilings, anonymousCeiling int, window time.Duration) PolicyFunc {
	return func(r *http.Request) (string, RateLimitPolicy) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			if raw, _ := extractAccessToken(r); raw != "" {
				if parsed, err := jwtMgr.ParseAccessToken(raw); err == nil {
					claims = parsed
				}
			}
		}
		if claims != nil {
			key := "role:" + claims.Role + ":" + claims.Subject
			return key, RateLimitPolicy{Ceiling: ceilings.CeilingForRole(claims.Role), Window: window}
		}
		return "ip:" + clientIP(r), RateLimitPolicy{Ceiling: anonymousCeiling, Window: window}
	}
}
