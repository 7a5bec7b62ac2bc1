package domain

import "time"

// Permission grants a user a single action on a resource. The login response
// and /auth/me surface these as a resource -> actions map.
type Permission struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index:idx_perm_user_resource_action,unique;not null" json:"user_id"`
	Resource  string    `gorm:"size:128;index:idx_perm_user_resource_action,unique;not null" json:"resource"`
	Action    string    `gorm:"size:64;index:idx_perm_user_resource_action,unique;not null" json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionMap is the wire shape for a user's grants.
type PermissionMap map[string][]string
