package integration

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
)

func TestLoginIssuesTokensAndPermissions(t *testing.T) {
	s := newStack(t, stackConfig{})
	u := s.createUser("login@example.com", "user")
	if err := s.perms.Grant(u.ID, "reports", "read"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	resp, env := s.login("login@example.com", testPassword, "")
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("login: status=%d error=%+v", resp.StatusCode, env.Error)
	}
	var payload struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
		Permissions map[string][]string `json:"permissions"`
		Tokens      tokenPair           `json:"tokens"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.User.Email != "login@example.com" {
		t.Fatalf("user email=%q", payload.User.Email)
	}
	if len(payload.Permissions["reports"]) != 1 || payload.Permissions["reports"][0] != "read" {
		t.Fatalf("permissions=%v", payload.Permissions)
	}
	if payload.Tokens.AccessToken == "" || payload.Tokens.RefreshToken == "" {
		t.Fatal("token pair incomplete")
	}

	meResp, meEnv := s.do(http.MethodGet, "/api/v1/auth/me", nil, payload.Tokens.AccessToken)
	if meResp.StatusCode != http.StatusOK || !meEnv.Success {
		t.Fatalf("me: status=%d error=%+v", meResp.StatusCode, meEnv.Error)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.createUser("creds@example.com", "user")

	t.Run("wrong password", func(t *testing.T) {
		resp, env := s.login("creds@example.com", "not-the-password", "")
		wantErrorCode(t, resp, env, http.StatusUnauthorized, "UNAUTHORIZED")
	})

	t.Run("unknown email", func(t *testing.T) {
		resp, env := s.login("nobody@example.com", testPassword, "")
		wantErrorCode(t, resp, env, http.StatusUnauthorized, "UNAUTHORIZED")
	})

	t.Run("missing fields", func(t *testing.T) {
		resp, env := s.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": "creds@example.com"}, "")
		wantErrorCode(t, resp, env, http.StatusBadRequest, "INVALID_REQUEST")
	})
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	s := newStack(t, stackConfig{LockoutThreshold: 3})
	s.createUser("locked@example.com", "user")

	for i := 0; i < 3; i++ {
		resp, env := s.login("locked@example.com", "wrong", "")
		wantErrorCode(t, resp, env, http.StatusUnauthorized, "UNAUTHORIZED")
	}

	// Even the correct password reads as locked inside the window.
	resp, env := s.login("locked@example.com", testPassword, "")
	wantErrorCode(t, resp, env, http.StatusLocked, "ACCOUNT_LOCKED")

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Fatalf("Retry-After=%q must be a positive integer", resp.Header.Get("Retry-After"))
	}
	if retryAfter > 30*60 {
		t.Fatalf("Retry-After=%d exceeds the lockout window", retryAfter)
	}
	var details struct {
		LockedUntil string `json:"locked_until"`
	}
	if err := json.Unmarshal(env.Error.Details, &details); err != nil || details.LockedUntil == "" {
		t.Fatalf("expected locked_until detail, got %s", env.Error.Details)
	}
}

func TestInactiveUserCannotLogin(t *testing.T) {
	s := newStack(t, stackConfig{})
	u := s.createUser("inactive@example.com", "user")
	u.Active = false
	if err := s.users.Update(u); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	resp, env := s.login("inactive@example.com", testPassword, "")
	wantErrorCode(t, resp, env, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestHealthEndpoints(t *testing.T) {
	s := newStack(t, stackConfig{})

	live, liveEnv := s.do(http.MethodGet, "/health/live", nil, "")
	if live.StatusCode != http.StatusOK || !liveEnv.Success {
		t.Fatalf("live: status=%d", live.StatusCode)
	}
	ready, readyEnv := s.do(http.MethodGet, "/health/ready", nil, "")
	if ready.StatusCode != http.StatusOK || !readyEnv.Success {
		t.Fatalf("ready: status=%d", ready.StatusCode)
	}
}
