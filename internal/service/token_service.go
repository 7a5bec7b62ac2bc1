package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/repository"
	"github.com/docg1701/iam-dashboard/internal/security"
)

const (
	blacklistKeyPrefix  = "blacklist:"
	refreshJTIKeyPrefix = "refresh:jti:"

	// Revocation reasons recorded alongside blacklist entries.
	ReasonLogout          = "logout"
	ReasonLogoutAll       = "logout_all"
	ReasonSessionEvicted  = "session_limit_exceeded"
	ReasonAdminRevocation = "admin_revoked"
)

// TokenService issues, verifies, rotates and revokes bearer tokens. Token
// validity is cryptographic plus a negative check against the shared-store
// blacklist; refresh tokens are additionally anchored in a single-use jti
// registry consumed atomically on rotation.
type TokenService struct {
	jwtMgr     *security.JWTManager
	rdb        redis.UniversalClient
	sessions   *SessionRegistry
	users      repository.UserRepository
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// TokenPair is the result of issuance and rotation.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func NewTokenService(jwtMgr *security.JWTManager, rdb redis.UniversalClient, sessions *SessionRegistry, users repository.UserRepository, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		jwtMgr:     jwtMgr,
		rdb:        rdb,
		sessions:   sessions,
		users:      users,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// Issue signs a fresh access+refresh pair, registers the access token with
// the session registry (evicting and revoking the oldest session past the
// cap) and stores the refresh jti for single-use consumption.
func (s *TokenService) Issue(ctx context.Context, userID uint, role string) (*TokenPair, error) {
	access, err := s.jwtMgr.SignAccessToken(userID, role, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, jti, err := s.jwtMgr.SignRefreshToken(userID, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	subject := strconv.FormatUint(uint64(userID), 10)
	if err := s.rdb.Set(ctx, refreshJTIKeyPrefix+jti, subject, s.refreshTTL).Err(); err != nil {
		return nil, storeErr("store refresh jti", err)
	}

	evicted, err := s.sessions.Register(ctx, userID, access, s.accessTTL)
	if err != nil {
		return nil, err
	}
	if evicted != "" {
		if err := s.Revoke(ctx, evicted, ReasonSessionEvicted); err != nil {
			return nil, err
		}
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

// Verify validates signature and expiry, then rejects blacklisted tokens.
// Malformed, expired and revoked tokens all surface as ErrUnauthorized.
func (s *TokenService) Verify(ctx context.Context, raw string) (*security.Claims, error) {
	raw = security.NormalizeToken(raw)
	claims, err := s.jwtMgr.ParseAccessToken(raw)
	if err != nil {
		return nil, unauthorized("invalid or expired token")
	}
	revoked, err := s.rdb.Exists(ctx, blacklistKeyPrefix+raw).Result()
	if err != nil {
		return nil, storeErr("check blacklist", err)
	}
	if revoked > 0 {
		return nil, unauthorized("token revoked")
	}
	return claims, nil
}

// Refresh rotates a refresh token: the jti is consumed exactly once, the
// subject's role is re-resolved from the credential store (it may have
// changed since issuance) and a brand-new pair is issued.
func (s *TokenService) Refresh(ctx context.Context, raw string) (*TokenPair, *domain.User, error) {
	raw = security.NormalizeToken(raw)
	claims, err := s.jwtMgr.ParseRefreshToken(raw)
	if err != nil {
		return nil, nil, unauthorized("invalid or expired refresh token")
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, nil, unauthorized("invalid refresh token subject")
	}

	// GETDEL makes consumption linearizable per jti: of two concurrent
	// rotations, exactly one observes the stored subject.
	stored, err := s.rdb.GetDel(ctx, refreshJTIKeyPrefix+claims.ID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, unauthorized("refresh token unknown or already used")
	}
	if err != nil {
		return nil, nil, storeErr("consume refresh jti", err)
	}
	if stored != claims.Subject {
		return nil, nil, unauthorized("refresh token subject mismatch")
	}

	user, err := s.users.FindByID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil, unauthorized("unknown subject")
		}
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, unauthorized("subject inactive")
	}

	pair, err := s.Issue(ctx, user.ID, user.Role)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Revoke blacklists the token for its remaining lifetime. Expired or
// unparseable tokens are a silent no-op: they are already invalid.
func (s *TokenService) Revoke(ctx context.Context, raw, reason string) error {
	raw = security.NormalizeToken(raw)
	claims, err := s.jwtMgr.ParseAccessToken(raw)
	if err != nil {
		return nil
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, blacklistKeyPrefix+raw, reason, remaining).Err(); err != nil {
		return storeErr("blacklist token", err)
	}
	return nil
}

// RevokeRefreshToken drops the jti registry entry so the refresh token can
// never be rotated again. Best-effort, like Revoke.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, raw string) error {
	raw = security.NormalizeToken(raw)
	claims, err := s.jwtMgr.ParseRefreshToken(raw)
	if err != nil {
		return nil
	}
	if err := s.rdb.Del(ctx, refreshJTIKeyPrefix+claims.ID).Err(); err != nil {
		return storeErr("revoke refresh jti", err)
	}
	return nil
}

// RevokeAllSessions blacklists every live session of the subject except
// keepToken, then clears the set. The kept token, if any, is re-registered so
// the cap accounting stays intact. Returns the number revoked.
func (s *TokenService) RevokeAllSessions(ctx context.Context, subject uint, keepToken string) (int, error) {
	members, err := s.sessions.Members(ctx, subject)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, token := range members {
		if token == keepToken {
			continue
		}
		if err := s.Revoke(ctx, token, ReasonLogoutAll); err != nil {
			return revoked, err
		}
		revoked++
	}
	if err := s.sessions.Clear(ctx, subject); err != nil {
		return revoked, err
	}
	if keepToken != "" {
		if claims, err := s.jwtMgr.ParseAccessToken(keepToken); err == nil {
			if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 {
				if _, err := s.sessions.Register(ctx, subject, keepToken, remaining); err != nil {
					return revoked, err
				}
			}
		}
	}
	return revoked, nil
}

// AccessTTL exposes the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }
