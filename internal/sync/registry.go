package sync

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultMaxDevices caps active devices per business unless the business
	// carries an explicit override.
	DefaultMaxDevices = 3
	// DefaultPairingTokenTTL bounds how long an issued pairing token stays
	// consumable.
	DefaultPairingTokenTTL = 10 * time.Minute

	pairingTokenBytes = 32
)

const (
	opRegistryNew   = "sync.registry.new"
	opIssueToken    = "sync.issue_pairing_token"
	opPairDevice    = "sync.pair_device"
	opRevokeDevice  = "sync.revoke_device"
	opListDevices   = "sync.list_devices"
	opAssertDevice  = "sync.assert_active_device"
)

// TokenSource issues random unguessable pairing tokens.
type TokenSource interface {
	NewToken() (string, error)
}

type randomTokenSource struct{}

// NewRandomTokenSource returns a TokenSource backed by crypto/rand.
func NewRandomTokenSource() TokenSource {
	return &randomTokenSource{}
}

func (s *randomTokenSource) NewToken() (string, error) {
	buffer := make([]byte, pairingTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// DeviceLimits resolves the per-business active-device cap.
type DeviceLimits interface {
	MaxDevices(ctx context.Context, businessID string) int
}

// RegistryConfig wires the Device Registry's dependencies.
type RegistryConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	TokenSource TokenSource
	Limits      DeviceLimits
	MaxDevices  int
	TokenTTL    time.Duration
	Logger      *zap.Logger
}

// Registry owns Device and PairingToken state: pairing-token issuance,
// device onboarding under the per-business cap, revocation, and the active
// check every sync call runs first.
type Registry struct {
	db          *gorm.DB
	clock       func() time.Time
	tokenSource TokenSource
	limits      DeviceLimits
	maxDevices  int
	tokenTTL    time.Duration
	logger      *zap.Logger
}

// NewRegistry constructs a Registry, applying defaults for the optional
// dependencies.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tokenSource := cfg.TokenSource
	if tokenSource == nil {
		tokenSource = NewRandomTokenSource()
	}
	maxDevices := cfg.MaxDevices
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultPairingTokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Registry{
		db:          cfg.Database,
		clock:       clock,
		tokenSource: tokenSource,
		limits:      cfg.Limits,
		maxDevices:  maxDevices,
		tokenTTL:    tokenTTL,
		logger:      logger,
	}, nil
}

// IssuePairingToken mints a single-use token bound to the business.
func (r *Registry) IssuePairingToken(ctx context.Context, businessID BusinessID) (PairingToken, error) {
	tokenValue, err := r.tokenSource.NewToken()
	if err != nil {
		r.logger.Error("pairing token generation failed", zap.Error(err))
		return PairingToken{}, newServiceError(opIssueToken, "token_generation_failed", err)
	}

	issuedAt := r.clock().UTC()
	token := PairingToken{
		Token:      tokenValue,
		BusinessID: businessID.String(),
		IssuedAt:   issuedAt,
		ExpiresAt:  issuedAt.Add(r.tokenTTL),
	}
	if err := r.db.WithContext(ctx).Create(&token).Error; err != nil {
		r.logger.Error("pairing token insert failed", zap.Error(err),
			zap.String("business_id", businessID.String()))
		return PairingToken{}, newServiceError(opIssueToken, "token_insert_failed", err)
	}

	r.logger.Info("pairing token issued",
		zap.String("business_id", businessID.String()),
		zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// PairDevice consumes a pairing token and creates or reactivates the device,
// all within one transaction so the device-cap check-and-insert cannot race
// past max_devices. A failed pairing leaves the token unconsumed.
func (r *Registry) PairDevice(
	ctx context.Context,
	businessID BusinessID,
	deviceID DeviceID,
	deviceName string,
	deviceType string,
	tokenValue string,
) (Device, error) {
	now := r.clock().UTC()
	var paired Device

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var token PairingToken
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", tokenValue).
			Take(&token).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTokenInvalid
		}
		if err != nil {
			return newServiceError(opPairDevice, "token_select_failed", err)
		}
		if token.BusinessID != businessID.String() || token.Consumed {
			return ErrTokenInvalid
		}
		if now.After(token.ExpiresAt) {
			return ErrTokenExpired
		}

		var existing Device
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND device_id = ?", businessID.String(), deviceID.String()).
			Take(&existing).Error
		deviceKnown := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opPairDevice, "device_select_failed", err)
		}

		if deviceKnown && existing.IsActive {
			// Idempotent re-pair: the active device does not count twice.
			paired = existing
			return r.consumeToken(tx, token.Token)
		}

		capacity := r.maxDevicesFor(ctx, businessID)
		var activeCount int64
		err = tx.Model(&Device{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND is_active = ?", businessID.String(), true).
			Count(&activeCount).Error
		if err != nil {
			return newServiceError(opPairDevice, "device_count_failed", err)
		}
		if activeCount >= int64(capacity) {
			return ErrDeviceLimitReached
		}

		if deviceKnown {
			existing.IsActive = true
			existing.LastSyncAt = &now
			if deviceName != "" {
				existing.DeviceName = deviceName
			}
			if deviceType != "" {
				existing.DeviceType = deviceType
			}
			if err := tx.Save(&existing).Error; err != nil {
				return newServiceError(opPairDevice, "device_reactivate_failed", err)
			}
			paired = existing
			return r.consumeToken(tx, token.Token)
		}

		created := Device{
			BusinessID: businessID.String(),
			DeviceID:   deviceID.String(),
			DeviceName: deviceName,
			DeviceType: deviceType,
			IsActive:   true,
			CreatedAt:  now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return newServiceError(opPairDevice, "device_insert_failed", err)
		}
		paired = created
		return r.consumeToken(tx, token.Token)
	})
	if txErr != nil {
		return Device{}, txErr
	}

	r.logger.Info("device paired",
		zap.String("business_id", businessID.String()),
		zap.String("device_id", deviceID.String()))
	return paired, nil
}

func (r *Registry) consumeToken(tx *gorm.DB, tokenValue string) error {
	err := tx.Model(&PairingToken{}).
		Where("token = ?", tokenValue).
		Update("consumed", true).Error
	if err != nil {
		return newServiceError(opPairDevice, "token_consume_failed", err)
	}
	return nil
}

func (r *Registry) maxDevicesFor(ctx context.Context, businessID BusinessID) int {
	if r.limits != nil {
		if capacity := r.limits.MaxDevices(ctx, businessID.String()); capacity > 0 {
			return capacity
		}
	}
	return r.maxDevices
}

// RevokeDevice deactivates a device immediately. The very next Pull or Push
// bearing the device id fails with ErrDeviceRevoked.
func (r *Registry) RevokeDevice(ctx context.Context, businessID BusinessID, deviceID DeviceID) error {
	result := r.db.WithContext(ctx).Model(&Device{}).
		Where("business_id = ? AND device_id = ?", businessID.String(), deviceID.String()).
		Update("is_active", false)
	if result.Error != nil {
		r.logger.Error("device revoke failed", zap.Error(result.Error),
			zap.String("business_id", businessID.String()),
			zap.String("device_id", deviceID.String()))
		return newServiceError(opRevokeDevice, "device_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceUnknown
	}

	r.logger.Info("device revoked",
		zap.String("business_id", businessID.String()),
		zap.String("device_id", deviceID.String()))
	return nil
}

// ListDevices returns the business's active devices, most recently synced
// first.
func (r *Registry) ListDevices(ctx context.Context, businessID BusinessID) ([]Device, error) {
	var devices []Device
	err := r.db.WithContext(ctx).
		Where("business_id = ? AND is_active = ?", businessID.String(), true).
		Order("last_sync_at DESC").
		Find(&devices).Error
	if err != nil {
		return nil, newServiceError(opListDevices, "query_failed", err)
	}
	return devices, nil
}

// AssertActiveDevice gates every sync entry point: unknown devices and
// revoked devices are rejected before any payload is examined.
func (r *Registry) AssertActiveDevice(ctx context.Context, businessID BusinessID, deviceID DeviceID) (Device, error) {
	var device Device
	err := r.db.WithContext(ctx).
		Where("business_id = ? AND device_id = ?", businessID.String(), deviceID.String()).
		Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, ErrDeviceUnknown
	}
	if err != nil {
		return Device{}, newServiceError(opAssertDevice, "device_select_failed", err)
	}
	if !device.IsActive {
		return Device{}, ErrDeviceRevoked
	}
	return device, nil
}

// acknowledgeCursor advances a device's persisted cursor, forward only. A
// pull never calls this; the cursor moves when the device's own push commits
// or when the client explicitly reports a completed pull.
func acknowledgeCursor(db *gorm.DB, businessID BusinessID, deviceID DeviceID, changeID int64, at time.Time) error {
	return db.Model(&Device{}).
		Where("business_id = ? AND device_id = ? AND sync_cursor < ?",
			businessID.String(), deviceID.String(), changeID).
		Updates(map[string]interface{}{
			"sync_cursor":  changeID,
			"last_sync_at": at,
		}).Error
}
