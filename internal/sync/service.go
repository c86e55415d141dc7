package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRegistry = errors.New("device registry is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew      = "sync.service.new"
	opPull            = "sync.pull"
	opPush            = "sync.push"
	opStatus          = "sync.status"
	opLogServerChange = "sync.log_server_change"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 1000
	maxPushBatchSize = 1000
)

// ServiceConfig wires the sync engine's dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Registry *Registry
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service implements the Pull and Push services over the change log store
// and the authoritative entity records.
type Service struct {
	db       *gorm.DB
	registry *Registry
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService validates the configuration and constructs the sync service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:       cfg.Database,
		registry: cfg.Registry,
		clock:    clock,
		logger:   logger,
	}, nil
}

// PullResult is one incremental change batch handed to a device.
type PullResult struct {
	Changes    []ChangeLogEntry
	NextCursor string
	HasMore    bool
	TotalCount int
}

// Pull serves changes with change_id beyond the presented cursor, ascending,
// capped at limit. The device's stored cursor is never advanced here: a
// client that fails to apply the batch simply re-pulls the same range.
func (s *Service) Pull(
	ctx context.Context,
	businessID BusinessID,
	deviceID DeviceID,
	cursor string,
	entityTypes []EntityType,
	limit int,
) (PullResult, error) {
	if _, err := s.registry.AssertActiveDevice(ctx, businessID, deviceID); err != nil {
		return PullResult{}, err
	}

	afterChangeID, err := DecodeCursor(businessID, cursor)
	if err != nil {
		return PullResult{}, err
	}

	if limit <= 0 {
		limit = defaultPullLimit
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	entries, hasMore, err := rangeAfter(s.db.WithContext(ctx), businessID, afterChangeID, entityTypes, limit, &deviceID)
	if err != nil {
		s.logError(opPull, "range_query_failed", err,
			zap.String("business_id", businessID.String()),
			zap.String("device_id", deviceID.String()))
		return PullResult{}, newServiceError(opPull, "range_query_failed", err)
	}

	lastChangeID := afterChangeID
	if len(entries) > 0 {
		lastChangeID = entries[len(entries)-1].ChangeID
	}

	now := s.clock().UTC()
	err = s.db.WithContext(ctx).Model(&Device{}).
		Where("business_id = ? AND device_id = ?", businessID.String(), deviceID.String()).
		Update("last_sync_at", now).Error
	if err != nil {
		s.logError(opPull, "last_sync_update_failed", err,
			zap.String("device_id", deviceID.String()))
		return PullResult{}, newServiceError(opPull, "last_sync_update_failed", err)
	}

	s.logger.Info("sync pull served",
		zap.String("business_id", businessID.String()),
		zap.String("device_id", deviceID.String()),
		zap.Int("changes", len(entries)),
		zap.Bool("has_more", hasMore))

	return PullResult{
		Changes:    entries,
		NextCursor: EncodeCursor(businessID, lastChangeID),
		HasMore:    hasMore,
		TotalCount: len(entries),
	}, nil
}

// ConflictRecord reports a push change whose base read was stale, carrying
// both sides so the client can reconcile its replica.
type ConflictRecord struct {
	EntityType EntityType
	EntityID   string
	Action     Action
	ClientData json.RawMessage
	ServerData json.RawMessage
	Resolution Resolution
	ChangeID   int64
}

// RejectedChange reports a push change that was not applied, with a stable
// reason code.
type RejectedChange struct {
	EntityType string
	EntityID   string
	Reason     string
}

// PushResult summarizes one push batch: partial-failure semantics, one
// outcome per submitted change in order.
type PushResult struct {
	Accepted   []string
	Conflicts  []ConflictRecord
	Rejected   []RejectedChange
	NextCursor string
}

// RawChange is a client-submitted change before shape validation. Malformed
// entries land in the rejected list without disturbing their siblings.
type RawChange struct {
	EntityType      string
	EntityID        string
	Action          string
	Data            json.RawMessage
	ClientUpdatedAt time.Time
}

// Push applies a batch of client-originated changes. Each change runs in its
// own transactional boundary pairing the authoritative write with its change
// log append, so an abandoned batch leaves earlier changes durably committed
// and safely retryable.
func (s *Service) Push(
	ctx context.Context,
	businessID BusinessID,
	deviceID DeviceID,
	changes []RawChange,
) (PushResult, error) {
	if _, err := s.registry.AssertActiveDevice(ctx, businessID, deviceID); err != nil {
		return PushResult{}, err
	}
	if len(changes) > maxPushBatchSize {
		return PushResult{}, fmt.Errorf("%w: batch exceeds %d changes", ErrMalformedChange, maxPushBatchSize)
	}

	result := PushResult{}
	highestChangeID := int64(0)
	originDevice := deviceID.String()

	for _, raw := range changes {
		incoming, reason := validateChange(raw)
		if reason != "" {
			result.Rejected = append(result.Rejected, RejectedChange{
				EntityType: raw.EntityType,
				EntityID:   raw.EntityID,
				Reason:     reason,
			})
			continue
		}

		var decision Decision
		var changeID int64
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current EntityRecord
			var currentPtr *EntityRecord
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("business_id = ? AND entity_type = ? AND entity_id = ?",
					businessID.String(), incoming.EntityType, incoming.EntityID.String()).
				Take(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				currentPtr = nil
			} else if err != nil {
				return newServiceError(opPush, "entity_select_failed", err)
			} else {
				currentPtr = &current
			}

			committedAt := s.clock().UTC()
			decision = resolveIncoming(currentPtr, incoming, committedAt)
			if decision.RejectReason != nil {
				return nil
			}

			survivor := decision.Survivor
			survivor.BusinessID = businessID.String()
			survivor.EntityType = incoming.EntityType
			survivor.EntityID = incoming.EntityID.String()
			if err := tx.Save(&survivor).Error; err != nil {
				return newServiceError(opPush, "entity_save_failed", err)
			}

			loggedAction := incoming.Action
			if decision.Resolution == ResolutionServerWins {
				// The authoritative side survived: the log records the
				// re-asserted server state, not the losing client action.
				loggedAction = ActionUpdate
				if survivor.Deleted {
					loggedAction = ActionDelete
				}
			}
			changeID, err = appendChange(tx, businessID, incoming.EntityType, incoming.EntityID,
				loggedAction, survivor.Data, &originDevice, committedAt)
			if err != nil {
				return newServiceError(opPush, "append_failed", err)
			}
			return nil
		})
		if txErr != nil {
			s.logError(opPush, "change_tx_failed", txErr,
				zap.String("business_id", businessID.String()),
				zap.String("device_id", deviceID.String()),
				zap.String("entity_id", incoming.EntityID.String()))
			result.Rejected = append(result.Rejected, RejectedChange{
				EntityType: string(incoming.EntityType),
				EntityID:   incoming.EntityID.String(),
				Reason:     "internal_error",
			})
			continue
		}

		switch {
		case decision.RejectReason != nil:
			result.Rejected = append(result.Rejected, RejectedChange{
				EntityType: string(incoming.EntityType),
				EntityID:   incoming.EntityID.String(),
				Reason:     rejectReasonCode(decision.RejectReason),
			})
		case decision.Conflicted:
			if changeID > highestChangeID {
				highestChangeID = changeID
			}
			result.Conflicts = append(result.Conflicts, ConflictRecord{
				EntityType: incoming.EntityType,
				EntityID:   incoming.EntityID.String(),
				Action:     incoming.Action,
				ClientData: incoming.Data,
				ServerData: json.RawMessage(decision.Survivor.Data),
				Resolution: decision.Resolution,
				ChangeID:   changeID,
			})
		default:
			if changeID > highestChangeID {
				highestChangeID = changeID
			}
			result.Accepted = append(result.Accepted, incoming.EntityID.String())
		}
	}

	if highestChangeID > 0 {
		if err := acknowledgeCursor(s.db.WithContext(ctx), businessID, deviceID, highestChangeID, s.clock().UTC()); err != nil {
			s.logError(opPush, "cursor_advance_failed", err,
				zap.String("device_id", deviceID.String()))
			return PushResult{}, newServiceError(opPush, "cursor_advance_failed", err)
		}
		result.NextCursor = EncodeCursor(businessID, highestChangeID)
	}

	s.logger.Info("sync push processed",
		zap.String("business_id", businessID.String()),
		zap.String("device_id", deviceID.String()),
		zap.Int("accepted", len(result.Accepted)),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Int("rejected", len(result.Rejected)))

	return result, nil
}

// validateChange checks the shape of one raw change. The returned reason code
// is empty when the change is well formed.
func validateChange(raw RawChange) (IncomingChange, string) {
	entityType, err := ParseEntityType(raw.EntityType)
	if err != nil {
		return IncomingChange{}, "unknown_entity_type"
	}
	action, err := ParseAction(raw.Action)
	if err != nil {
		return IncomingChange{}, "unknown_action"
	}
	entityID, err := NewEntityID(raw.EntityID)
	if err != nil {
		return IncomingChange{}, "invalid_entity_id"
	}
	if action != ActionDelete && len(raw.Data) == 0 {
		return IncomingChange{}, "missing_data"
	}
	if raw.ClientUpdatedAt.IsZero() {
		return IncomingChange{}, "missing_client_updated_at"
	}
	return IncomingChange{
		EntityType:      entityType,
		EntityID:        entityID,
		Action:          action,
		Data:            raw.Data,
		ClientUpdatedAt: raw.ClientUpdatedAt,
	}, ""
}

func rejectReasonCode(reason error) string {
	switch {
	case errors.Is(reason, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(reason, ErrEntityNotFound):
		return "entity_not_found"
	case errors.Is(reason, ErrUnknownAction):
		return "unknown_action"
	default:
		return "malformed_change"
	}
}

// StatusResult reports a device's replication position.
type StatusResult struct {
	LastSyncAt          *time.Time
	SyncCursor          string
	PendingChangesCount int64
	DeviceID            string
	IsActive            bool
}

// Status reports the device's last sync time, cursor, and how many committed
// changes it has not yet pulled. Revoked devices still see their status with
// the active flag lowered.
func (s *Service) Status(ctx context.Context, businessID BusinessID, deviceID DeviceID) (StatusResult, error) {
	var device Device
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND device_id = ?", businessID.String(), deviceID.String()).
		Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StatusResult{}, ErrDeviceUnknown
	}
	if err != nil {
		return StatusResult{}, newServiceError(opStatus, "device_select_failed", err)
	}

	pending, err := countPendingAfter(s.db.WithContext(ctx), businessID, device.SyncCursor, deviceID)
	if err != nil {
		s.logError(opStatus, "pending_count_failed", err,
			zap.String("device_id", deviceID.String()))
		return StatusResult{}, newServiceError(opStatus, "pending_count_failed", err)
	}

	return StatusResult{
		LastSyncAt:          device.LastSyncAt,
		SyncCursor:          EncodeCursor(businessID, device.SyncCursor),
		PendingChangesCount: pending,
		DeviceID:            device.DeviceID,
		IsActive:            device.IsActive,
	}, nil
}

// LogServerChange appends a server-originated change (origin device null),
// pairing the authoritative write with the log append in one transaction.
// External housekeeping such as restores feeds the replication stream here.
func (s *Service) LogServerChange(
	ctx context.Context,
	businessID BusinessID,
	entityType EntityType,
	entityID EntityID,
	action Action,
	data json.RawMessage,
) (int64, error) {
	var changeID int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		committedAt := s.clock().UTC()
		record := EntityRecord{
			BusinessID: businessID.String(),
			EntityType: entityType,
			EntityID:   entityID.String(),
			Data:       string(data),
			UpdatedAt:  committedAt,
			Deleted:    action == ActionDelete,
		}
		if err := tx.Save(&record).Error; err != nil {
			return newServiceError(opLogServerChange, "entity_save_failed", err)
		}

		var err error
		changeID, err = appendChange(tx, businessID, entityType, entityID, action, record.Data, nil, committedAt)
		if err != nil {
			return newServiceError(opLogServerChange, "append_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opLogServerChange, "tx_failed", txErr,
			zap.String("business_id", businessID.String()))
		return 0, txErr
	}
	return changeID, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync service error", attrs...)
}
