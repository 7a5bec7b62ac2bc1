package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_ACCESS_SECRET", "access-secret-0123456789abcdef")
	t.Setenv("JWT_REFRESH_SECRET", "refresh-secret-0123456789abcdef")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", "file:test.db")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Environment != "development" || cfg.HTTPPort != 8080 {
		t.Fatalf("unexpected base defaults: env=%q port=%d", cfg.Environment, cfg.HTTPPort)
	}
	if cfg.AccessTokenTTL != time.Hour || cfg.RefreshTokenTTL != 30*24*time.Hour {
		t.Fatalf("unexpected token TTLs: %v %v", cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	}
	if cfg.MaxSessions != 5 {
		t.Fatalf("MaxSessions=%d want 5", cfg.MaxSessions)
	}
	if cfg.LockoutThreshold != 5 || cfg.LockoutDuration != 30*time.Minute {
		t.Fatalf("unexpected lockout defaults: %d %v", cfg.LockoutThreshold, cfg.LockoutDuration)
	}
	if cfg.RateLimitWindow != time.Minute || cfg.RateLimitAnonymous != 30 || cfg.RateLimitDefault != 120 {
		t.Fatalf("unexpected rate limit defaults: %v %d %d", cfg.RateLimitWindow, cfg.RateLimitAnonymous, cfg.RateLimitDefault)
	}
	if cfg.RateLimitFailOpen {
		t.Fatal("fail-closed must be the default")
	}
	if cfg.PermissionCacheTTL != 5*time.Minute {
		t.Fatalf("PermissionCacheTTL=%v want 5m", cfg.PermissionCacheTTL)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_CONCURRENT_SESSIONS", "3")
	t.Setenv("LOCKOUT_THRESHOLD", "7")
	t.Setenv("RATE_LIMIT_ROLE_RPM", "Admin=500, auditor=60")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSessions != 3 || cfg.LockoutThreshold != 7 {
		t.Fatalf("overrides not applied: %d %d", cfg.MaxSessions, cfg.LockoutThreshold)
	}
	if cfg.RateLimitByRole["admin"] != 500 || cfg.RateLimitByRole["auditor"] != 60 {
		t.Fatalf("role ceilings=%v", cfg.RateLimitByRole)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Fatalf("cors origins=%v", cfg.CORSOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T)
		want  string
	}{
		{
			name:  "missing secrets",
			setup: func(t *testing.T) { t.Setenv("DATABASE_DSN", "file:test.db") },
			want:  "JWT_ACCESS_SECRET",
		},
		{
			name: "identical secrets",
			setup: func(t *testing.T) {
				setRequiredEnv(t)
				t.Setenv("JWT_REFRESH_SECRET", "access-secret-0123456789abcdef")
			},
			want: "must differ",
		},
		{
			name: "unsupported driver",
			setup: func(t *testing.T) {
				setRequiredEnv(t)
				t.Setenv("DATABASE_DRIVER", "oracle")
			},
			want: "DATABASE_DRIVER",
		},
		{
			name: "refresh not longer than access",
			setup: func(t *testing.T) {
				setRequiredEnv(t)
				t.Setenv("ACCESS_TOKEN_TTL", "2h")
				t.Setenv("REFRESH_TOKEN_TTL", "1h")
			},
			want: "refresh TTL",
		},
		{
			name: "zero session cap",
			setup: func(t *testing.T) {
				setRequiredEnv(t)
				t.Setenv("MAX_CONCURRENT_SESSIONS", "0")
			},
			want: "MAX_CONCURRENT_SESSIONS",
		},
		{
			name: "bad role ceiling",
			setup: func(t *testing.T) {
				setRequiredEnv(t)
				t.Setenv("RATE_LIMIT_ANONYMOUS_RPM", "0")
			},
			want: "rate limit",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup(t)
			_, err := Load(context.Background())
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestCeilingForRole(t *testing.T) {
	cfg := &Config{
		RateLimitDefault: 120,
		RateLimitByRole:  map[string]int{"admin": 300},
	}
	if got := cfg.CeilingForRole("admin"); got != 300 {
		t.Fatalf("admin=%d want 300", got)
	}
	if got := cfg.CeilingForRole("ADMIN"); got != 300 {
		t.Fatalf("role lookup must be case-insensitive, got %d", got)
	}
	if got := cfg.CeilingForRole("user"); got != 120 {
		t.Fatalf("unknown role must get the default, got %d", got)
	}
}
