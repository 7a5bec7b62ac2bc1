package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docg1701/iam-dashboard/internal/health"
)

type unhealthyChecker struct{}

func (unhealthyChecker) Check(ctx context.Context) health.CheckResult {
	return health.CheckResult{Name: "redis", Healthy: false, Error: "connection refused"}
}

func newRouterTestDeps() Dependencies {
	return Dependencies{
		AuthHandler:      nil,
		Tokens:           nil,
		CORSOrigins:      []string{"http://localhost"},
		APIRateLimitRPM:  1000,
		AuthRateLimitRPM: 1000,
		EnableOTelHTTP:   false,
	}
}

func perform(r http.Handler, method, target string, headers map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.10.10.10:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthReadyNilAndUnreadyBranches(t *testing.T) {
	t.Run("nil readiness returns ready", func(t *testing.T) {
		dep := newRouterTestDeps()
		dep.Readiness = nil
		r := NewRouter(dep)

		rr := perform(r, http.MethodGet, "/health/ready", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"status":"ready"`) {
			t.Fatalf("expected ready status payload, got %s", rr.Body.String())
		}
	})

	t.Run("unready dependency returns 503", func(t *testing.T) {
		dep := newRouterTestDeps()
		dep.Readiness = health.NewProbeRunner(time.Second, 0, unhealthyChecker{})
		r := NewRouter(dep)

		rr := perform(r, http.MethodGet, "/health/ready", nil, "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"code":"DEPENDENCY_UNREADY"`) {
			t.Fatalf("expected DEPENDENCY_UNREADY error envelope, got %s", rr.Body.String())
		}
	})
}

func TestRouterHealthLiveAlwaysOK(t *testing.T) {
	dep := newRouterTestDeps()
	r := NewRouter(dep)

	rr := perform(r, http.MethodGet, "/health/live", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("expected health live payload, got %s", rr.Body.String())
	}
}

func TestRouterFallbackGlobalRateLimiterWhenCustomNil(t *testing.T) {
	dep := newRouterTestDeps()
	dep.APIRateLimitRPM = 1
	dep.GlobalRateLimiter = nil
	r := NewRouter(dep)

	first := perform(r, http.MethodGet, "/health/live", nil, "")
	if first.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", first.Code)
	}
	second := perform(r, http.MethodGet, "/health/live", nil, "")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429 from fallback limiter, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}
	if second.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected zero remaining, got %q", second.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRouterRateLimitHeadersOnAllowedRequest(t *testing.T) {
	dep := newRouterTestDeps()
	dep.APIRateLimitRPM = 10
	r := NewRouter(dep)

	rr := perform(r, http.MethodGet, "/health/live", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "10" {
		t.Fatalf("expected limit header 10, got %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Fatalf("expected remaining header 9, got %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatalf("expected reset header to be set")
	}
}

func TestRouterProtectedRoutesRejectMissingToken(t *testing.T) {
	dep := newRouterTestDeps()
	r := NewRouter(dep)

	for _, target := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/auth/logout"},
		{http.MethodPost, "/api/v1/auth/logout-all"},
		{http.MethodGet, "/api/v1/auth/setup-2fa"},
		{http.MethodPost, "/api/v1/auth/enable-2fa"},
		{http.MethodDelete, "/api/v1/auth/disable-2fa"},
		{http.MethodGet, "/api/v1/auth/me"},
		{http.MethodGet, "/api/v1/auth/sessions"},
	} {
		rr := perform(r, target.method, target.path, nil, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s expected 401 without token, got %d", target.method, target.path, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"code":"UNAUTHORIZED"`) {
			t.Fatalf("expected UNAUTHORIZED envelope, got %s", rr.Body.String())
		}
	}
}

func TestRouterSecurityHeadersApplied(t *testing.T) {
	dep := newRouterTestDeps()
	r := NewRouter(dep)

	rr := perform(r, http.MethodGet, "/health/live", nil, "")
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected nosniff header, got %q", rr.Header().Get("X-Content-Type-Options"))
	}
	if rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("expected frame deny header, got %q", rr.Header().Get("X-Frame-Options"))
	}
}
