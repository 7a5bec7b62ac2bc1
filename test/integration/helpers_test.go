package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/http/handler"
	"github.com/docg1701/iam-dashboard/internal/http/router"
	"github.com/docg1701/iam-dashboard/internal/repository"
	"github.com/docg1701/iam-dashboard/internal/security"
	"github.com/docg1701/iam-dashboard/internal/service"
	"github.com/docg1701/iam-dashboard/internal/store"
)

const testPassword = "Valid#Pass1234"

type apiError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// stackConfig tunes the knobs individual tests care about; zero values get
// test-friendly defaults.
type stackConfig struct {
	SessionCap       int
	LockoutThreshold int
	AuthRateLimitRPM int
}

// stack wires the full service graph the way the application bootstrap does,
// backed by a throwaway sqlite file and an in-process miniredis.
type stack struct {
	t      *testing.T
	server *httptest.Server
	users  repository.UserRepository
	perms  repository.PermissionRepository
}

func newStack(t *testing.T, cfg stackConfig) *stack {
	t.Helper()
	if cfg.SessionCap == 0 {
		cfg.SessionCap = 3
	}
	if cfg.LockoutThreshold == 0 {
		cfg.LockoutThreshold = 3
	}
	if cfg.AuthRateLimitRPM == 0 {
		cfg.AuthRateLimitRPM = 100
	}

	dsn := filepath.Join(t.TempDir(), "integration.db") + "?_busy_timeout=5000"
	db, err := store.NewDatabase("sqlite", dsn, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	users := repository.NewUserRepository(db)
	perms := repository.NewPermissionRepository(db)
	codes := repository.NewBackupCodeRepository(db)

	jwtMgr := security.NewJWTManager("iam-dashboard", "iam-dashboard", "it-access-secret-0123456789abcd", "it-refresh-secret-0123456789abc")
	sessions := service.NewSessionRegistry(rdb, cfg.SessionCap)
	tokens := service.NewTokenService(jwtMgr, rdb, sessions, users, time.Hour, 24*time.Hour)
	guard := service.NewLoginGuard(users, cfg.LockoutThreshold, 30*time.Minute)
	twoFactor := service.NewTwoFactorManager(rdb, users, codes, "iam-dashboard", 10*time.Minute, 4)
	permCache := service.NewRedisPermissionCache(rdb, "perm_cache")
	auth := service.NewAuthService(users, perms, guard, twoFactor, tokens, permCache, 5*time.Minute)
	authHandler := handler.NewAuthHandler(auth, tokens, twoFactor, sessions, 24*time.Hour, false)

	server := httptest.NewServer(router.NewRouter(router.Dependencies{
		AuthHandler:      authHandler,
		Tokens:           tokens,
		APIRateLimitRPM:  1000,
		AuthRateLimitRPM: cfg.AuthRateLimitRPM,
	}))
	t.Cleanup(server.Close)

	return &stack{t: t, server: server, users: users, perms: perms}
}

func (s *stack) createUser(email, role string) *domain.User {
	s.t.Helper()
	hash, err := security.HashPassword(testPassword, 4)
	if err != nil {
		s.t.Fatalf("hash password: %v", err)
	}
	u := &domain.User{
		Email:        email,
		Name:         "Integration User",
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}
	if err := s.users.Create(u); err != nil {
		s.t.Fatalf("create user: %v", err)
	}
	return u
}

// do issues a JSON request without a cookie jar; authentication travels in
// the Authorization header so each call is explicit about its credentials.
func (s *stack) do(method, path string, body any, accessToken string) (*http.Response, envelope) {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		s.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := s.server.Client().Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("read body: %v", err)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			s.t.Fatalf("decode envelope from %q: %v", raw, err)
		}
	}
	return resp, env
}

func (s *stack) login(email, password, totpCode string) (*http.Response, envelope) {
	s.t.Helper()
	return s.do(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":     email,
		"password":  password,
		"totp_code": totpCode,
	}, "")
}

// mustLogin logs in expecting success and returns the issued pair.
func (s *stack) mustLogin(email string) tokenPair {
	s.t.Helper()
	resp, env := s.login(email, testPassword, "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		s.t.Fatalf("login failed: status=%d error=%+v", resp.StatusCode, env.Error)
	}
	return decodeTokens(s.t, env)
}

func decodeTokens(t *testing.T, env envelope) tokenPair {
	t.Helper()
	var payload struct {
		Tokens tokenPair `json:"tokens"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if payload.Tokens.AccessToken == "" || payload.Tokens.RefreshToken == "" {
		t.Fatalf("incomplete token pair: %+v", payload.Tokens)
	}
	return payload.Tokens
}

func wantErrorCode(t *testing.T, resp *http.Response, env envelope, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status=%d want %d (error=%+v)", resp.StatusCode, status, env.Error)
	}
	if env.Success || env.Error == nil || env.Error.Code != code {
		t.Fatalf("expected error code %s, got %+v", code, env.Error)
	}
}
