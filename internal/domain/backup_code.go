package domain

import "time"

// BackupCode is a single-use recovery second factor. Only the SHA-256 hash is
// stored; the plaintext is shown once when two-factor auth is enabled.
type BackupCode struct {
	ID        uint       `gorm:"primaryKey" json:"-"`
	UserID    uint       `gorm:"index;not null" json:"-"`
	CodeHash  string     `gorm:"size:64;index;not null" json:"-"`
	UsedAt    *time.Time `json:"-"`
	CreatedAt time.Time  `json:"-"`
}
