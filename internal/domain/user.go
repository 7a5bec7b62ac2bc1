package domain

import "time"

// User is the credential record backing authentication. The mutable lockout
// counters are overwritten last-writer-wins by LoginGuard; the TOTP secret is
// written once by TwoFactorManager on enable and cleared on disable.
type User struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Email               string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Name                string     `gorm:"size:255" json:"name"`
	PasswordHash        string     `gorm:"size:128;not null" json:"-"`
	Role                string     `gorm:"size:64;index;not null;default:user" json:"role"`
	Active              bool       `gorm:"not null;default:true" json:"active"`
	TOTPSecret          string     `gorm:"size:64" json:"-"`
	FailedLoginAttempts int        `gorm:"not null;default:0" json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`

	Permissions []Permission `gorm:"foreignKey:UserID" json:"-"`
	BackupCodes []BackupCode `gorm:"foreignKey:UserID" json:"-"`
}

// TwoFactorEnabled reports whether the user has a confirmed TOTP secret.
func (u *User) TwoFactorEnabled() bool {
	return u.TOTPSecret != ""
}
