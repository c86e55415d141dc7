package sync

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustBusinessID(t *testing.T, value string) BusinessID {
	t.Helper()
	id, err := NewBusinessID(value)
	if err != nil {
		t.Fatalf("unexpected business id error: %v", err)
	}
	return id
}

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustEntityID(t *testing.T, value string) EntityID {
	t.Helper()
	id, err := NewEntityID(value)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	return id
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:khata_sync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// testClock is an advanceable clock so ordering-sensitive scenarios stay
// reproducible.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type staticTokenSource struct {
	tokens []string
	index  int
}

func (s *staticTokenSource) NewToken() (string, error) {
	if s.index >= len(s.tokens) {
		return "", errors.New("exhausted tokens")
	}
	token := s.tokens[s.index]
	s.index++
	return token, nil
}

func newTestRegistry(t *testing.T, db *gorm.DB, clock *testClock, tokens ...string) *Registry {
	t.Helper()

	registry, err := NewRegistry(RegistryConfig{
		Database:    db,
		Clock:       clock.Now,
		TokenSource: &staticTokenSource{tokens: tokens},
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	return registry
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *testClock) {
	t.Helper()

	db := newTestDB(t)
	clock := newTestClock()
	registry := newTestRegistry(t, db, clock)
	service, err := NewService(ServiceConfig{
		Database: db,
		Registry: registry,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}
	return service, db, clock
}

func seedDevice(t *testing.T, db *gorm.DB, businessID BusinessID, deviceID DeviceID) {
	t.Helper()

	device := Device{
		BusinessID: businessID.String(),
		DeviceID:   deviceID.String(),
		DeviceName: "test device",
		DeviceType: "android",
		IsActive:   true,
		CreatedAt:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := db.Create(&device).Error; err != nil {
		t.Fatalf("failed to seed device: %v", err)
	}
}
