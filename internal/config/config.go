package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every runtime setting for the service. All values come from
// the environment; Load applies defaults and validates the result.
type Config struct {
	Environment string
	HTTPPort    int

	DatabaseDriver string
	DatabaseDSN    string
	RedisURL       string

	JWTIssuer        string
	JWTAudience      string
	JWTAccessSecret  string
	JWTRefreshSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	MaxSessions int

	LockoutThreshold int
	LockoutDuration  time.Duration

	TOTPIssuer      string
	TwoFactorTTL    time.Duration
	BackupCodeCount int

	RateLimitWindow    time.Duration
	RateLimitAnonymous int
	RateLimitDefault   int
	RateLimitByRole    map[string]int
	RateLimitFailOpen  bool

	PermissionCacheTTL time.Duration

	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration

	CORSOrigins []string

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
}

// Load builds the config from the process environment.
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{
		Environment:    envString("APP_ENV", "development"),
		HTTPPort:       envInt("HTTP_PORT", 8080),
		DatabaseDriver: envString("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:    envString("DATABASE_DSN", ""),
		RedisURL:       envString("REDIS_URL", "redis://localhost:6379/0"),

		JWTIssuer:        envString("JWT_ISSUER", "iam-dashboard"),
		JWTAudience:      envString("JWT_AUDIENCE", "iam-dashboard"),
		JWTAccessSecret:  envString("JWT_ACCESS_SECRET", ""),
		JWTRefreshSecret: envString("JWT_REFRESH_SECRET", ""),
		AccessTokenTTL:   envDuration("ACCESS_TOKEN_TTL", 60*time.Minute),
		RefreshTokenTTL:  envDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),

		MaxSessions: envInt("MAX_CONCURRENT_SESSIONS", 5),

		LockoutThreshold: envInt("LOCKOUT_THRESHOLD", 5),
		LockoutDuration:  envDuration("LOCKOUT_DURATION", 30*time.Minute),

		TOTPIssuer:      envString("TOTP_ISSUER", "IAM Dashboard"),
		TwoFactorTTL:    envDuration("TWO_FACTOR_SETUP_TTL", 10*time.Minute),
		BackupCodeCount: envInt("BACKUP_CODE_COUNT", 10),

		RateLimitWindow:    envDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitAnonymous: envInt("RATE_LIMIT_ANONYMOUS_RPM", 30),
		RateLimitDefault:   envInt("RATE_LIMIT_DEFAULT_RPM", 120),
		RateLimitByRole:    envRoleCeilings("RATE_LIMIT_ROLE_RPM", map[string]int{"admin": 300}),
		RateLimitFailOpen:  envBool("RATE_LIMIT_FAIL_OPEN", false),

		PermissionCacheTTL: envDuration("PERMISSION_CACHE_TTL", 5*time.Minute),

		StoreTimeout:    envDuration("STORE_TIMEOUT", 2*time.Second),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		CORSOrigins: envStringSlice("CORS_ORIGINS", nil),

		OTELServiceName:           envString("OTEL_SERVICE_NAME", "iam-dashboard"),
		OTELEnvironment:           envString("OTEL_ENVIRONMENT", "development"),
		OTELExporterOTLPEndpoint:  envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        envBool("OTEL_METRICS_ENABLED", false),
		OTELTracingEnabled:        envBool("OTEL_TRACING_ENABLED", false),
		OTELLogsEnabled:           envBool("OTEL_LOGS_ENABLED", false),
		OTELMetricsExportInterval: envDuration("OTEL_METRICS_EXPORT_INTERVAL", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		recordConfigValidationEvent(ctx, cfg.Environment, "failure", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(ctx, cfg.Environment, "success", "none")
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTAccessSecret == "" || c.JWTRefreshSecret == "" {
		return fmt.Errorf("validate config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("validate config: access and refresh secrets must differ")
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("validate config: unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("validate config: DATABASE_DSN is required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("validate config: refresh TTL must exceed access TTL")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("validate config: MAX_CONCURRENT_SESSIONS must be at least 1")
	}
	if c.LockoutThreshold < 1 || c.LockoutDuration <= 0 {
		return fmt.Errorf("validate config: lockout threshold and duration must be positive")
	}
	if c.RateLimitWindow <= 0 || c.RateLimitAnonymous < 1 || c.RateLimitDefault < 1 {
		return fmt.Errorf("validate config: rate limit window and ceilings must be positive")
	}
	for role, ceiling := range c.RateLimitByRole {
		if ceiling < 1 {
			return fmt.Errorf("validate config: rate ceiling for role %q must be positive", role)
		}
	}
	return nil
}

// CeilingForRole returns the per-minute request budget for a role.
func (c *Config) CeilingForRole(role string) int {
	if ceiling, ok := c.RateLimitByRole[strings.ToLower(role)]; ok {
		return ceiling
	}
	return c.RateLimitDefault
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}

func envStringSlice(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// envRoleCeilings parses "role=rpm,role=rpm" pairs.
func envRoleCeilings(key string, fallback map[string]int) map[string]int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	out := make(map[string]int)
	for _, pair := range strings.Split(v, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
			out[strings.ToLower(strings.TrimSpace(name))] = n
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
