package repository

import (
	"context"
	"errors"
	"time"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/observability"

	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository is the credential store adapter. The mutable counters
// (failed attempts, lockout, TOTP secret, last login) are each overwritten
// with their latest computed value, so no multi-field transaction is needed.
type UserRepository interface {
	FindByID(id uint) (*domain.User, error)
	FindByEmail(email string) (*domain.User, error)
	Create(user *domain.User) error
	Update(user *domain.User) error
	UpdateLoginState(id uint, failedAttempts int, lockedUntil *time.Time) error
	TouchLastLogin(id uint, at time.Time) error
	SetTOTPSecret(id uint, secret string) error
	ClearTOTPSecret(id uint) error
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) FindByID(id uint) (*domain.User, error) {
	var u domain.User
	err := r.db.First(&u, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "find_by_id", "success")
	return &u, nil
}

func (r *GormUserRepository) FindByEmail(email string) (*domain.User, error) {
	var u domain.User
	err := r.db.Where("email = ?", email).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "not_found")
			return nil, ErrUserNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "find_by_email", "success")
	return &u, nil
}

func (r *GormUserRepository) Create(user *domain.User) error {
	err := r.db.Create(user).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "create", "success")
	return nil
}

func (r *GormUserRepository) Update(user *domain.User) error {
	err := r.db.Save(user).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update", "success")
	return nil
}

func (r *GormUserRepository) UpdateLoginState(id uint, failedAttempts int, lockedUntil *time.Time) error {
	err := r.db.Model(&domain.User{}).Where("id = ?", id).Updates(map[string]any{
		"failed_login_attempts": failedAttempts,
		"locked_until":          lockedUntil,
	}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "update_login_state", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "update_login_state", "success")
	return nil
}

func (r *GormUserRepository) TouchLastLogin(id uint, at time.Time) error {
	err := r.db.Model(&domain.User{}).Where("id = ?", id).Update("last_login_at", at).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "touch_last_login", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "touch_last_login", "success")
	return nil
}

func (r *GormUserRepository) SetTOTPSecret(id uint, secret string) error {
	err := r.db.Model(&domain.User{}).Where("id = ?", id).Update("totp_secret", secret).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "set_totp_secret", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "set_totp_secret", "success")
	return nil
}

func (r *GormUserRepository) ClearTOTPSecret(id uint) error {
	err := r.db.Model(&domain.User{}).Where("id = ?", id).Update("totp_secret", "").Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "user", "clear_totp_secret", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "user", "clear_totp_secret", "success")
	return nil
}
