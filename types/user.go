package types

import (
	"time"

	"gorm.io/gorm"
)

// Role is the User's authorization role.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is a tenant identity (spec.md §3).
type User struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	Username        string         `gorm:"uniqueIndex:idx_user_username,where:deleted_at IS NULL" json:"username"`
	Role            Role           `gorm:"type:varchar(16);default:user" json:"role"`
	ProviderGroup   string         `gorm:"default:default" json:"providerGroup"`
	Quotas          Quotas         `gorm:"embedded" json:"quotas"`
	DailyResetMode  ResetMode      `gorm:"type:varchar(16);default:rolling-24h" json:"dailyResetMode"`
	DailyResetTime  string         `gorm:"type:varchar(5);default:00:00" json:"dailyResetTime"` // HH:MM
	Timezone        string         `gorm:"type:varchar(64);default:UTC" json:"timezone"`
	AllowedClientUA []string       `gorm:"serializer:json" json:"allowedClientUa"`
	AllowedModels   []string       `gorm:"serializer:json" json:"allowedModels"`
	Enabled         bool           `gorm:"default:true" json:"enabled"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
}

func (User) TableName() string { return "users" }

// IsActive reports whether the user can currently authenticate.
func (u *User) IsActive(now time.Time) bool {
	if !u.Enabled {
		return false
	}
	if u.ExpiresAt != nil && now.After(*u.ExpiresAt) {
		return false
	}
	return true
}

// APIKey is the bearer credential belonging to a User (spec.md §3 "Key").
type APIKey struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	UserID         uint           `gorm:"index:idx_key_user,where:deleted_at IS NULL" json:"userId"`
	KeyString      string         `gorm:"uniqueIndex:idx_key_string,where:deleted_at IS NULL" json:"-"`
	Name           string         `json:"name"`
	ProviderGroup  string         `json:"providerGroup"`
	Quotas         Quotas         `gorm:"embedded" json:"quotas"`
	CanLoginWebUI  bool           `gorm:"default:false" json:"canLoginWebUi"`
	CacheTTLSecond int            `gorm:"default:0" json:"cacheTtlSeconds"`
	Enabled        bool           `gorm:"default:true" json:"enabled"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
}

func (APIKey) TableName() string { return "keys" }

// IsActive reports whether the key can currently be used to authenticate.
func (k *APIKey) IsActive(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// ResolveGroup returns the key's provider group, falling back to the user's
// group, then to "default" (spec.md §4.1 step 3).
func ResolveGroup(key *APIKey, user *User) string {
	if key != nil && key.ProviderGroup != "" {
		return key.ProviderGroup
	}
	if user != nil && user.ProviderGroup != "" {
		return user.ProviderGroup
	}
	return "default"
}
