package repository

import (
	"context"
	"errors"
	"time"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/observability"

	"gorm.io/gorm"
)

var ErrBackupCodeNotFound = errors.New("backup code not found")

// BackupCodeRepository stores hashed single-use recovery codes. Consume marks
// a code used with a guarded UPDATE so two concurrent redemptions of the same
// code cannot both succeed.
type BackupCodeRepository interface {
	Replace(userID uint, codeHashes []string) error
	Consume(userID uint, codeHash string) error
	DeleteAll(userID uint) error
}

type GormBackupCodeRepository struct{ db *gorm.DB }

func NewBackupCodeRepository(db *gorm.DB) BackupCodeRepository {
	return &GormBackupCodeRepository{db: db}
}

func (r *GormBackupCodeRepository) Replace(userID uint, codeHashes []string) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&domain.BackupCode{}).Error; err != nil {
			return err
		}
		codes := make([]domain.BackupCode, 0, len(codeHashes))
		for _, hash := range codeHashes {
			codes = append(codes, domain.BackupCode{UserID: userID, CodeHash: hash})
		}
		if len(codes) == 0 {
			return nil
		}
		return tx.Create(&codes).Error
	})
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "replace", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "backup_code", "replace", "success")
	return nil
}

func (r *GormBackupCodeRepository) Consume(userID uint, codeHash string) error {
	now := time.Now().UTC()
	res := r.db.Model(&domain.BackupCode{}).
		Where("user_id = ? AND code_hash = ? AND used_at IS NULL", userID, codeHash).
		Update("used_at", now)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "consume", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "consume", "not_found")
		return ErrBackupCodeNotFound
	}
	observability.RecordRepositoryOperation(context.Background(), "backup_code", "consume", "success")
	return nil
}

func (r *GormBackupCodeRepository) DeleteAll(userID uint) error {
	err := r.db.Where("user_id = ?", userID).Delete(&domain.BackupCode{}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "backup_code", "delete_all", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "backup_code", "delete_all", "success")
	return nil
}
