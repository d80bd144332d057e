package devices

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrInvalidRegistration indicates the registration did not contain a
	// usable device identity.
	ErrInvalidRegistration = errors.New("devices: invalid registration")
	// ErrDeviceNotFound indicates an unknown or foreign device id.
	ErrDeviceNotFound = errors.New("devices: device not found")
)

// Registration is the device identity supplied at sign-in. DeviceID is the
// client-generated UUID (identifierForVendor on Apple platforms).
type Registration struct {
	DeviceID string
	Name     string
	Platform string
	Model    string
}

// ServiceConfig describes the dependencies required for the device registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages device registration and name lookups.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the device registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Register records a device for the user, creating it on first sight and
// refreshing its metadata afterwards. A device id belonging to a
// different user is rejected.
func (s *Service) Register(userID string, registration Registration) (Device, error) {
	user := normalize(userID)
	if user == "" {
		return Device{}, ErrInvalidRegistration
	}
	deviceID, err := normalizeDeviceID(registration.DeviceID)
	if err != nil {
		return Device{}, err
	}

	var device Device
	err = s.db.
		Where("device_id = ?", deviceID).
		First(&device).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		device = Device{
			DeviceID:   deviceID,
			UserID:     user,
			Name:       normalize(registration.Name),
			Platform:   normalizePlatform(registration.Platform),
			Model:      normalize(registration.Model),
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&device).Error; err != nil {
			return Device{}, err
		}
	} else if err != nil {
		return Device{}, err
	} else {
		if device.UserID != user {
			return Device{}, ErrDeviceNotFound
		}
		updates := map[string]interface{}{}
		if name := normalize(registration.Name); name != "" && name != device.Name {
			updates["device_name"] = name
			device.Name = name
		}
		if platform := normalizePlatform(registration.Platform); platform != "" && platform != device.Platform {
			updates["platform"] = platform
			device.Platform = platform
		}
		if model := normalize(registration.Model); model != "" && model != device.Model {
			updates["device_model"] = model
			device.Model = model
		}
		device.LastSeenAt = s.now()
		updates["last_seen_at"] = device.LastSeenAt
		if err := s.db.Model(&Device{}).
			Where("device_id = ?", deviceID).
			Updates(updates).
			Error; err != nil {
			return Device{}, err
		}
	}

	s.cache.Store(deviceID, displayLabel(device))
	return device, nil
}

// Touch refreshes a device's last-seen timestamp.
func (s *Service) Touch(deviceID string) error {
	id, err := normalizeDeviceID(deviceID)
	if err != nil {
		return err
	}
	result := s.db.Model(&Device{}).
		Where("device_id = ?", id).
		Update("last_seen_at", s.now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Rename sets the user-assigned name of one of the user's own devices.
func (s *Service) Rename(userID, deviceID, name string) (Device, error) {
	user := normalize(userID)
	if user == "" {
		return Device{}, ErrInvalidRegistration
	}
	id, err := normalizeDeviceID(deviceID)
	if err != nil {
		return Device{}, err
	}

	var device Device
	err = s.db.
		Where("device_id = ? AND user_id = ?", id, user).
		First(&device).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, err
	}

	device.Name = normalize(name)
	if err := s.db.Model(&Device{}).
		Where("device_id = ?", id).
		Update("device_name", device.Name).
		Error; err != nil {
		return Device{}, err
	}

	s.cache.Store(id, displayLabel(device))
	return device, nil
}

// List returns the user's devices, most recently seen first.
func (s *Service) List(userID string) ([]Device, error) {
	user := normalize(userID)
	if user == "" {
		return nil, ErrInvalidRegistration
	}
	var registered []Device
	err := s.db.
		Where("user_id = ?", user).
		Order("last_seen_at DESC").
		Find(&registered).
		Error
	if err != nil {
		return nil, err
	}
	return registered, nil
}

// DisplayName resolves a device id to something fit for showing next to a
// lock or a conflict version. Unknown ids fall back to a shortened id so
// callers always get a label.
func (s *Service) DisplayName(deviceID string) string {
	id, err := normalizeDeviceID(deviceID)
	if err != nil {
		return shortLabel(deviceID)
	}
	if cached, ok := s.cache.Load(id); ok {
		if label, ok := cached.(string); ok {
			return label
		}
	}

	var device Device
	err = s.db.
		Where("device_id = ?", id).
		First(&device).
		Error
	if err != nil {
		return shortLabel(id)
	}

	label := displayLabel(device)
	s.cache.Store(id, label)
	return label
}

func normalizeDeviceID(raw string) (string, error) {
	parsed, err := uuid.Parse(normalize(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	return parsed.String(), nil
}

func normalizePlatform(raw string) string {
	return strings.ToLower(normalize(raw))
}

func displayLabel(device Device) string {
	if device.Name != "" {
		return device.Name
	}
	if device.Model != "" {
		return device.Model
	}
	return shortLabel(device.DeviceID)
}

func shortLabel(deviceID string) string {
	id := normalize(deviceID)
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return "unknown device"
	}
	return "device " + id
}
