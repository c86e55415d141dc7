package business

import "time"

// Settings captures the per-business configuration the sync engine consults.
// Businesses without a row fall back to server-wide defaults.
type Settings struct {
	BusinessID string    `gorm:"column:business_id;primaryKey;size:190;not null"`
	MaxDevices int       `gorm:"column:max_devices;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing business settings.
func (Settings) TableName() string {
	return "business_settings"
}
