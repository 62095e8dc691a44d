package identity

import "time"

// User is a personnel record scoped to one tenant organization.
type User struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	TenantID    string    `gorm:"column:tenant_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Role        string    `gorm:"column:role;size:64"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing tenant users.
func (User) TableName() string {
	return "users"
}
