// Package devices tracks the devices a user signs in from. Lock holders
// and last-writer attributions are shown through this registry, so every
// device carries a human-readable name.
package devices

import (
	"strings"
	"time"
)

// Device is one registered device belonging to a user.
type Device struct {
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index"`
	Name       string    `gorm:"column:device_name;size:190"`
	Platform   string    `gorm:"column:platform;size:32"`
	Model      string    `gorm:"column:device_model;size:190"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the device registry.
func (Device) TableName() string {
	return "user_devices"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
