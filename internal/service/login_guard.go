package service

import (
	"time"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/repository"
)

// LoginGuard tracks consecutive authentication failures per subject and
// enforces a temporary lockout once the threshold is reached. The counters
// live on the credential record and are overwritten last-writer-wins.
type LoginGuard struct {
	users     repository.UserRepository
	threshold int
	lockout   time.Duration
}

func NewLoginGuard(users repository.UserRepository, threshold int, lockout time.Duration) *LoginGuard {
	return &LoginGuard{users: users, threshold: threshold, lockout: lockout}
}

// IsLocked reports whether the subject is inside an active lockout window.
// Expiry is lazy: a past lockout timestamp simply reads as unlocked.
func (g *LoginGuard) IsLocked(user *domain.User) bool {
	return user.LockedUntil != nil && user.LockedUntil.After(time.Now())
}

// LockedUntil returns the active lockout deadline, or nil.
func (g *LoginGuard) LockedUntil(user *domain.User) *time.Time {
	if g.IsLocked(user) {
		return user.LockedUntil
	}
	return nil
}

// RecordFailure increments the subject's failure counter and, at the
// threshold, starts a fixed lockout window counted from this failure.
// Returns the lockout deadline when the account is now locked.
func (g *LoginGuard) RecordFailure(user *domain.User) (*time.Time, error) {
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= g.threshold {
		until := time.Now().Add(g.lockout)
		user.LockedUntil = &until
	}
	if err := g.users.UpdateLoginState(user.ID, user.FailedLoginAttempts, user.LockedUntil); err != nil {
		return nil, err
	}
	return g.LockedUntil(user), nil
}

// Reset zeroes the failure counter and clears any lockout. Called on every
// successful login.
func (g *LoginGuard) Reset(user *domain.User) error {
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	return g.users.UpdateLoginState(user.ID, 0, nil)
}
