package service

import (
	"context"
	"errors"
	"time"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/observability"
	"github.com/docg1701/iam-dashboard/internal/repository"
	"github.com/docg1701/iam-dashboard/internal/security"
)

// AuthService composes LoginGuard, credential verification, the second
// factor and token issuance into the single login transaction.
type AuthService struct {
	users        repository.UserRepository
	perms        repository.PermissionRepository
	guard        *LoginGuard
	twoFactor    *TwoFactorManager
	tokens       *TokenService
	permCache    PermissionCache
	permCacheTTL time.Duration
}

// LoginResult carries everything the login response needs.
type LoginResult struct {
	User        *domain.User
	Permissions domain.PermissionMap
	Tokens      *TokenPair
}

func NewAuthService(users repository.UserRepository, perms repository.PermissionRepository, guard *LoginGuard, twoFactor *TwoFactorManager, tokens *TokenService, permCache PermissionCache, permCacheTTL time.Duration) *AuthService {
	if permCache == nil {
		permCache = NewNoopPermissionCache()
	}
	return &AuthService{
		users:        users,
		perms:        perms,
		guard:        guard,
		twoFactor:    twoFactor,
		tokens:       tokens,
		permCache:    permCache,
		permCacheTTL: permCacheTTL,
	}
}

// Login runs the full authentication sequence. Failure-counter increments
// that happen along the way are deliberately never rolled back: a failed
// attempt counts even when a later stage would also have failed.
func (s *AuthService) Login(ctx context.Context, email, password, totpCode string) (*LoginResult, error) {
	user, err := s.users.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			observability.RecordAuthLogin(ctx, "unknown_user")
			return nil, unauthorized("invalid credentials")
		}
		return nil, err
	}
	if !user.Active {
		observability.RecordAuthLogin(ctx, "inactive")
		return nil, unauthorized("invalid credentials")
	}

	// A locked account fails before the secret is even inspected, so a
	// correct password during lockout still reads as locked.
	if s.guard.IsLocked(user) {
		observability.RecordAuthLogin(ctx, "locked")
		return nil, &LockedError{Until: *user.LockedUntil}
	}

	if !security.VerifyPassword(user.PasswordHash, password) {
		lockedUntil, err := s.guard.RecordFailure(user)
		if err != nil {
			return nil, err
		}
		if lockedUntil != nil {
			observability.RecordAccountLockout(ctx)
		}
		observability.RecordAuthLogin(ctx, "bad_password")
		return nil, unauthorized("invalid credentials")
	}

	if user.TwoFactorEnabled() {
		if totpCode == "" {
			observability.RecordAuthLogin(ctx, "2fa_missing")
			return nil, ErrTwoFactorRequired
		}
		if !s.twoFactor.Verify(user.TOTPSecret, totpCode) {
			// A backup code stands in for a lost authenticator.
			if err := s.twoFactor.RedeemBackupCode(user.ID, totpCode); err != nil {
				if errors.Is(err, ErrUnauthorized) {
					lockedUntil, gerr := s.guard.RecordFailure(user)
					if gerr != nil {
						return nil, gerr
					}
					if lockedUntil != nil {
						observability.RecordAccountLockout(ctx)
					}
					observability.RecordAuthLogin(ctx, "2fa_invalid")
				}
				return nil, err
			}
		}
	}

	if err := s.guard.Reset(user); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.users.TouchLastLogin(user.ID, now); err != nil {
		return nil, err
	}
	user.LastLoginAt = &now

	perms, err := s.perms.MapForUser(user.ID)
	if err != nil {
		return nil, err
	}
	_ = s.permCache.Set(ctx, user.ID, perms, s.permCacheTTL)
	pair, err := s.tokens.Issue(ctx, user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	observability.RecordAuthLogin(ctx, "success")
	return &LoginResult{User: user, Permissions: perms, Tokens: pair}, nil
}

// Introspect resolves the current principal for a verified set of claims.
func (s *AuthService) Introspect(ctx context.Context, claims *security.Claims) (*domain.User, domain.PermissionMap, error) {
	userID, err := claims.UserID()
	if err != nil {
		return nil, nil, unauthorized("invalid subject")
	}
	user, err := s.users.FindByID(userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil, ErrUserInactive
		}
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, ErrUserInactive
	}
	if cached, ok, err := s.permCache.Get(ctx, user.ID); err == nil && ok {
		return user, cached, nil
	}
	perms, err := s.perms.MapForUser(user.ID)
	if err != nil {
		return nil, nil, err
	}
	_ = s.permCache.Set(ctx, user.ID, perms, s.permCacheTTL)
	return user, perms, nil
}
