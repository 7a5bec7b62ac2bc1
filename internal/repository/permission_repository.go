package repository

import (
	"context"
	"sort"

	"github.com/docg1701/iam-dashboard/internal/domain"
	"github.com/docg1701/iam-dashboard/internal/observability"

	"gorm.io/gorm"
)

// PermissionRepository resolves the grants attached to a user. Login and
// introspection responses carry the resulting resource -> actions map.
type PermissionRepository interface {
	MapForUser(userID uint) (domain.PermissionMap, error)
	Grant(userID uint, resource, action string) error
	RevokeAll(userID uint) error
}

type GormPermissionRepository struct{ db *gorm.DB }

func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &GormPermissionRepository{db: db}
}

func (r *GormPermissionRepository) MapForUser(userID uint) (domain.PermissionMap, error) {
	var perms []domain.Permission
	err := r.db.Where("user_id = ?", userID).Find(&perms).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "permission", "map_for_user", "error")
		return nil, err
	}
	out := domain.PermissionMap{}
	for _, p := range perms {
		out[p.Resource] = append(out[p.Resource], p.Action)
	}
	for resource := range out {
		sort.Strings(out[resource])
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "map_for_user", "success")
	return out, nil
}

func (r *GormPermissionRepository) Grant(userID uint, resource, action string) error {
	perm := domain.Permission{UserID: userID, Resource: resource, Action: action}
	err := r.db.Where(&perm).FirstOrCreate(&perm).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "permission", "grant", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "grant", "success")
	return nil
}

func (r *GormPermissionRepository) RevokeAll(userID uint) error {
	err := r.db.Where("user_id = ?", userID).Delete(&domain.Permission{}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "permission", "revoke_all", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "permission", "revoke_all", "success")
	return nil
}
