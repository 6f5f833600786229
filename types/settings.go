package types

import (
	"time"

	"gorm.io/gorm"
)

// SystemSetting is a generic key/value row for configuration that must be
// admin-editable at runtime without a redeploy (spec.md §6 "Admin HTTP
// surface"), e.g. client User-Agent allow-list patterns (spec.md §9 "Open
// questions" — UA patterns are data, not code).
type SystemSetting struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Key       string         `gorm:"uniqueIndex:idx_setting_key,where:deleted_at IS NULL" json:"key"`
	Value     string         `json:"value"`
}

func (SystemSetting) TableName() string { return "system_settings" }

// NotificationSetting configures which alert kinds are active and their
// minimum severity (spec.md §4.2 "circuit_breaker_alert", §4.7 "emits a
// notification if any window crosses its configured alert threshold").
type NotificationSetting struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Kind      string         `gorm:"uniqueIndex:idx_notif_kind,where:deleted_at IS NULL" json:"kind"` // e.g. "circuit_breaker_alert", "quota_threshold"
	Enabled   bool           `gorm:"default:true" json:"enabled"`
	ThresholdPercent int     `gorm:"default:80" json:"thresholdPercent"`
}

func (NotificationSetting) TableName() string { return "notification_settings" }

// WebhookTarget is one outbound delivery destination for notifications
// (spec.md §1 "notification webhooks" — external collaborator consumed
// through this interface shape).
type WebhookTarget struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `json:"name"`
	URL       string         `json:"url"`
	Secret    string         `json:"-"`
	Enabled   bool           `gorm:"default:true" json:"enabled"`
}

func (WebhookTarget) TableName() string { return "webhook_targets" }

// NotificationTargetBinding maps a NotificationSetting kind to the
// WebhookTargets that should receive it.
type NotificationTargetBinding struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Kind      string         `gorm:"index" json:"kind"`
	TargetID  uint           `json:"targetId"`
}

func (NotificationTargetBinding) TableName() string { return "notification_target_bindings" }
