package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func enrollTwoFactor(t *testing.T, s *stack, accessToken string) (secret string, backupCodes []string) {
	t.Helper()
	resp, env := s.do(http.MethodGet, "/api/v1/auth/setup-2fa", nil, accessToken)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("setup-2fa: status=%d error=%+v", resp.StatusCode, env.Error)
	}
	var setup struct {
		Secret          string `json:"secret"`
		ProvisioningURI string `json:"provisioning_uri"`
	}
	if err := json.Unmarshal(env.Data, &setup); err != nil {
		t.Fatalf("decode setup: %v", err)
	}
	if setup.Secret == "" || setup.ProvisioningURI == "" {
		t.Fatalf("incomplete setup payload: %+v", setup)
	}

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	resp, env = s.do(http.MethodPost, "/api/v1/auth/enable-2fa", map[string]string{"code": code}, accessToken)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("enable-2fa: status=%d error=%+v", resp.StatusCode, env.Error)
	}
	var enabled struct {
		BackupCodes []string `json:"backup_codes"`
	}
	if err := json.Unmarshal(env.Data, &enabled); err != nil {
		t.Fatalf("decode enable: %v", err)
	}
	if len(enabled.BackupCodes) != 4 {
		t.Fatalf("expected 4 backup codes, got %d", len(enabled.BackupCodes))
	}
	return setup.Secret, enabled.BackupCodes
}

func TestTwoFactorEnrollmentAndLogin(t *testing.T) {
	s := newStack(t, stackConfig{SessionCap: 10})
	s.createUser("2fa@example.com", "user")
	pair := s.mustLogin("2fa@example.com")
	secret, backupCodes := enrollTwoFactor(t, s, pair.AccessToken)

	t.Run("password alone is no longer enough", func(t *testing.T) {
		resp, env := s.login("2fa@example.com", testPassword, "")
		wantErrorCode(t, resp, env, http.StatusBadRequest, "TWO_FACTOR_REQUIRED")
	})

	t.Run("valid code logs in", func(t *testing.T) {
		code, err := totp.GenerateCode(secret, time.Now())
		if err != nil {
			t.Fatalf("generate code: %v", err)
		}
		resp, env := s.login("2fa@example.com", testPassword, code)
		if resp.StatusCode != http.StatusOK || !env.Success {
			t.Fatalf("login with code: status=%d error=%+v", resp.StatusCode, env.Error)
		}
	})

	t.Run("wrong code is rejected", func(t *testing.T) {
		resp, env := s.login("2fa@example.com", testPassword, "000000")
		wantErrorCode(t, resp, env, http.StatusUnauthorized, "UNAUTHORIZED")
	})

	t.Run("backup code redeems exactly once", func(t *testing.T) {
		resp, env := s.login("2fa@example.com", testPassword, backupCodes[0])
		if resp.StatusCode != http.StatusOK || !env.Success {
			t.Fatalf("login with backup code: status=%d error=%+v", resp.StatusCode, env.Error)
		}
		resp, env = s.login("2fa@example.com", testPassword, backupCodes[0])
		wantErrorCode(t, resp, env, http.StatusUnauthorized, "UNAUTHORIZED")
	})
}

func TestDisableTwoFactorRestoresPasswordLogin(t *testing.T) {
	s := newStack(t, stackConfig{SessionCap: 10})
	s.createUser("2fa-off@example.com", "user")
	pair := s.mustLogin("2fa-off@example.com")
	secret, _ := enrollTwoFactor(t, s, pair.AccessToken)

	t.Run("disable requires proof of possession", func(t *testing.T) {
		resp, env := s.do(http.MethodDelete, "/api/v1/auth/disable-2fa", map[string]string{"code": "000000"}, pair.AccessToken)
		wantErrorCode(t, resp, env, http.StatusUnauthorized, "UNAUTHORIZED")
	})

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	resp, env := s.do(http.MethodDelete, "/api/v1/auth/disable-2fa", map[string]string{"code": code}, pair.AccessToken)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("disable-2fa: status=%d error=%+v", resp.StatusCode, env.Error)
	}

	after, afterEnv := s.login("2fa-off@example.com", testPassword, "")
	if after.StatusCode != http.StatusOK || !afterEnv.Success {
		t.Fatalf("password login after disable: status=%d error=%+v", after.StatusCode, afterEnv.Error)
	}
}

func TestEnableTwoFactorWithoutSetupFails(t *testing.T) {
	s := newStack(t, stackConfig{})
	s.createUser("nosetup@example.com", "user")
	pair := s.mustLogin("nosetup@example.com")

	resp, env := s.do(http.MethodPost, "/api/v1/auth/enable-2fa", map[string]string{"code": "123456"}, pair.AccessToken)
	wantErrorCode(t, resp, env, http.StatusBadRequest, "TWO_FACTOR_SETUP_EXPIRED")
}
