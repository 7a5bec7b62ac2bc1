package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/http/middleware"
	"github.com/docg1701/iam-dashboard/internal/http/response"
	"github.com/docg1701/iam-dashboard/internal/observability"
	"github.com/docg1701/iam-dashboard/internal/security"
	"github.com/docg1701/iam-dashboard/internal/service"
)

// AuthHandler exposes the login, token lifecycle and 2FA endpoints. It only
// decodes requests, delegates to the services and encodes results; the error
// taxonomy is mapped centrally by response.ServiceError.
type AuthHandler struct {
	auth          *service.AuthService
	tokens        *service.TokenService
	twoFactor     *service.TwoFactorManager
	sessions      *service.SessionRegistry
	refreshTTL    time.Duration
	secureCookies bool
}

func NewAuthHandler(auth *service.AuthService, tokens *service.TokenService, twoFactor *service.TwoFactorManager, sessions *service.SessionRegistry, refreshTTL time.Duration, secureCookies bool) *AuthHandler {
	return &AuthHandler{
		auth:          auth,
		tokens:        tokens,
		twoFactor:     twoFactor,
		sessions:      sessions,
		refreshTTL:    refreshTTL,
		secureCookies: secureCookies,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type userPayload struct {
	ID               uint       `json:"id"`
	Email            string     `json:"email"`
	Name             string     `json:"name"`
	Role             string     `json:"role"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
}

func newUserPayload(u *domain.User) userPayload {
	return userPayload{
		ID:               u.ID,
		Email:            u.Email,
		Name:             u.Name,
		Role:             u.Role,
		TwoFactorEnabled: u.TwoFactorEnabled(),
		LastLoginAt:      u.LastLoginAt,
	}
}

// Login runs the full authentication sequence and, on success, returns the
// token pair and mirrors it into cookies.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body", nil)
		return
	}
	if req.Email == "" || req.Password == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "email and password are required", nil)
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.Password, req.TOTPCode)
	if err != nil {
		response.ServiceError(w, r, err)
		return
	}

	security.SetAuthCookies(w, result.Tokens.AccessToken, result.Tokens.RefreshToken, h.tokens.AccessTTL(), h.refreshTTL, h.secureCookies)
	response.JSON(w, r, http.StatusOK, map[string]any{
		"user":        newUserPayload(result.User),
		"permissions": result.Permissions,
		"tokens":      result.Tokens,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token presented in the body or the refresh
// cookie. The old token is consumed whether or not rotation succeeds.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	raw := req.RefreshToken
	if raw == "" {
		raw = security.GetCookie(r, security.RefreshTokenCookie)
	}
	if raw == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "refresh token is required", nil)
		return
	}

	pair, _, err := h.tokens.Refresh(r.Context(), raw)
	if err != nil {
		response.ServiceError(w, r, err)
		return
	}
	security.SetAuthCookies(w, pair.AccessToken, pair.RefreshToken, h.tokens.AccessTTL(), h.refreshTTL, h.secureCookies)
	response.JSON(w, r, http.StatusOK, map[string]any{"tokens": pair})
}

// Logout revokes the presented access token, drops it from the session set
// and consumes the refresh cookie if one accompanies the request.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, raw, ok := h.principal(w, r)
	if !ok {
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		response.ServiceError(w, r, service.ErrUnauthorized)
		return
	}

	if err := h.tokens.Revoke(r.Context(), raw, service.ReasonLogout); err != nil {
		response.ServiceError(w, r, err)
		return
	}
	if err := h.sessions.Remove(r.Context(), userID, raw); err != nil {
		response.ServiceError(w, r, err)
		return
	}
	if refresh := security.GetCookie(r, security.RefreshTokenCookie); refresh != "" {
		if err := h.tokens.RevokeRefreshToken(r.Context(), refresh); err != nil {
			response.ServiceError(w, r, err)
			return
		}
	}
	observability.RecordTokenRevocation(r.Context(), service.ReasonLogout)
	observability.Audit(r, "auth.logout", "user_id", userID)
	security.ClearAuthCookies(w, h.secureCookies)
	response.JSON(w, r, http.StatusOK, map[string]string{"message": "logged out"})
}

// LogoutAll revokes every live session of the caller, the current one
// included, and reports how many were revoked.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := h.principal(w, r)
	if !ok {
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		response.ServiceError(w, r, service.ErrUnauthorized)
		return
	}

	revoked, err := h.tokens.RevokeAllSessions(r.Context(), userID, "")
	if err != nil {
		response.ServiceError(w, r, err)
		return
	}
	if refresh := security.GetCookie(r, security.RefreshTokenCookie); refresh != "" {
		if err := h.tokens.RevokeRefreshToken(r.Context(), refresh); err != nil {
			response.ServiceError(w, r, err)
			return
		}
	}
	observability.RecordTokenRevocation(r.Context(), service.ReasonLogoutAll)
	observability.Audit(r, "auth.logout_all", "user_id", userID, "revoked", revoked)
	security.ClearAuthCookies(w, h.secureCookies)
	response.JSON(w, r, http.StatusOK, map[string]any{"message": "all sessions revoked", "revoked": revoked})
}

// SetupTwoFactor stages a fresh TOTP secret for the caller and returns the
// provisioning URI. The staged secret expires unless confirmed in time.
func (h *AuthHandler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	setup, err := h.twoFactor.GenerateSetup(r.Context(), user.ID, user.Email)
	if err != nil {
		response.ServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, setup)
}

type twoFactorCodeRequest struct {
	Code string `json:"code"`
}

// EnableTwoFactor confirms the staged secret with a live code and returns the
// one-time backup codes.
func (h *AuthHandler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req twoFactorCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		response.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "code is required", nil)
		return
	}
	codes, err := h.twoFactor.Enable(r.Context(), user.ID, req.Code)
	if err != nil {
		response.ServiceError(w, r, err)
		return
	}
	observability.RecordTwoFactorChange(r.Context(), "enabled")
	observability.Audit(r, "auth.2fa.enabled", "user_id", user.ID)
	response.JSON(w, r, http.StatusOK, map[string]any{"message": "2FA enabled", "backup_codes": codes})
}

// DisableTwoFactor turns the second factor off. While 2FA is active the
// request must prove possession with a current code or a backup code.
func (h *AuthHandler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req twoFactorCodeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if user.TwoFactorEnabled() {
		if !h.twoFactor.Verify(user.TOTPSecret, req.Code) {
			if err := h.twoFactor.RedeemBackupCode(user.ID, req.Code); err != nil {
				response.ServiceError(w, r, err)
				return
			}
		}
	}
	if err := h.twoFactor.Disable(r.Context(), user.ID); err != nil {
		response.ServiceError(w, r, err)
		return
	}
	observability.RecordTwoFactorChange(r.Context(), "disabled")
	observability.Audit(r, "auth.2fa.disabled", "user_id", user.ID)
	response.JSON(w, r, http.StatusOK, map[string]string{"message": "2FA disabled"})
}

// Me returns the caller's profile, effective permission map and how long the
// presented token remains valid.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := h.principal(w, r)
	if !ok {
		return
	}
	user, perms, err := h.auth.Introspect(r.Context(), claims)
	if err != nil {
		response.ServiceError(w, r, err)
		return
	}
	expiresIn := 0
	if claims.ExpiresAt != nil {
		if remaining := int(time.Until(claims.ExpiresAt.Time).Seconds()); remaining > 0 {
			expiresIn = remaining
		}
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"user":        newUserPayload(user),
		"permissions": perms,
		"expires_in":  expiresIn,
	})
}

type sessionEntry struct {
	Fingerprint string `json:"fingerprint"`
	Current     bool   `json:"current"`
}

// Sessions lists the caller's live sessions as token fingerprints, oldest
// first. Raw tokens never leave the service.
func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims, raw, ok := h.principal(w, r)
	if !ok {
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		response.ServiceError(w, r, service.ErrUnauthorized)
		return
	}
	info, err := h.sessions.Info(r.Context(), userID)
	if err != nil {
		response.ServiceError(w, r, err)
		return
	}
	entries := make([]sessionEntry, 0, len(info.Tokens))
	for _, token := range info.Tokens {
		entries = append(entries, sessionEntry{
			Fingerprint: tokenFingerprint(token),
			Current:     token == raw,
		})
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"count":    info.Count,
		"max":      info.Max,
		"sessions": entries,
	})
}

func (h *AuthHandler) principal(w http.ResponseWriter, r *http.Request) (*security.Claims, string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
		return nil, "", false
	}
	raw, _ := middleware.RawTokenFromContext(r.Context())
	return claims, raw, true
}

func (h *AuthHandler) currentUser(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	claims, _, ok := h.principal(w, r)
	if !ok {
		return nil, false
	}
	user, _, err := h.auth.Introspect(r.Context(), claims)
	if err != nil {
		response.ServiceError(w, r, err)
		return nil, false
	}
	return user, true
}

func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
