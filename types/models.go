package types

// AllModels returns every GORM-backed entity for use with
// gorm.DB.AutoMigrate, in an order that satisfies foreign-key creation
// order (vendors before endpoints before providers).
func AllModels() []any {
	return []any{
		&User{},
		&APIKey{},
		&ProviderVendor{},
		&ProviderEndpoint{},
		&Provider{},
		&MessageRequest{},
		&ModelPrice{},
		&ErrorRule{},
		&RequestFilter{},
		&SensitiveWord{},
		&SystemSetting{},
		&NotificationSetting{},
		&WebhookTarget{},
		&NotificationTargetBinding{},
	}
}
