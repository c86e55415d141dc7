package business

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ServiceConfig describes the dependencies required for settings resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves per-business settings, caching lookups in process. The
// cache is invalidated on writes through this service; out-of-band edits to
// the settings table take effect after restart.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the settings service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("business: database connection required")
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

// MaxDevices returns the business's device cap override, or zero when the
// business carries none and the caller should use its default.
func (s *Service) MaxDevices(ctx context.Context, businessID string) int {
	if businessID == "" {
		return 0
	}

	if cached, ok := s.cache.Load(businessID); ok {
		if capacity, ok := cached.(int); ok {
			return capacity
		}
	}

	var settings Settings
	err := s.db.WithContext(ctx).
		Where("business_id = ?", businessID).
		Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.cache.Store(businessID, 0)
		return 0
	}
	if err != nil {
		return 0
	}

	s.cache.Store(businessID, settings.MaxDevices)
	return settings.MaxDevices
}

// SetMaxDevices stores a per-business device cap override. A capacity of
// zero removes the override.
func (s *Service) SetMaxDevices(ctx context.Context, businessID string, capacity int) error {
	if businessID == "" {
		return fmt.Errorf("business: business id required")
	}
	if capacity < 0 {
		return fmt.Errorf("business: capacity must not be negative")
	}

	settings := Settings{BusinessID: businessID, MaxDevices: capacity}
	err := s.db.WithContext(ctx).Save(&settings).Error
	if err != nil {
		return err
	}

	s.cache.Store(businessID, capacity)
	return nil
}
