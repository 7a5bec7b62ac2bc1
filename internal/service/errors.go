package service

import (
	"errors"
	"fmt"
	"time"
)

// Domain failure taxonomy. The HTTP boundary maps each class to a status code
// exactly once; the services below only ever return these.
var (
	// ErrUnauthorized covers bad credentials, bad/expired/revoked tokens,
	// bad second-factor codes and reused refresh tokens. Callers get one
	// generic class so responses never reveal which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTwoFactorRequired is returned when a 2FA-enabled account logs in
	// without a code.
	ErrTwoFactorRequired = errors.New("2FA code required")

	// ErrTwoFactorSetupExpired is returned when no pending setup secret
	// exists for the subject.
	ErrTwoFactorSetupExpired = errors.New("2FA setup expired")

	// ErrUserInactive marks a structurally valid token whose subject has
	// been deactivated since issuance.
	ErrUserInactive = errors.New("user inactive")

	// ErrStoreUnavailable is a transient shared-store failure. It must
	// never be conflated with an authorization failure; callers surface it
	// as service degradation.
	ErrStoreUnavailable = errors.New("shared store unavailable")
)

// LockedError reports a temporary lockout after repeated failures.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// RetryAfter returns the remaining lockout as whole seconds, at least one.
func (e *LockedError) RetryAfter(now time.Time) int {
	secs := int(e.Until.Sub(now).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func unauthorized(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}
