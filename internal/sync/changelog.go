package sync

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// nextChangeID allocates the next per-business change id inside the caller's
// transaction. The sequence row is locked for update, so concurrent pushes
// within one business serialize here and nowhere else; different businesses
// never contend.
func nextChangeID(tx *gorm.DB, businessID BusinessID) (int64, error) {
	var sequence businessSequence
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessID.String()).
		Take(&sequence).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sequence = businessSequence{BusinessID: businessID.String(), NextChangeID: 1}
		if err := tx.Create(&sequence).Error; err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	allocated := sequence.NextChangeID
	err = tx.Model(&businessSequence{}).
		Where("business_id = ?", businessID.String()).
		Update("next_change_id", allocated+1).Error
	if err != nil {
		return 0, err
	}
	return allocated, nil
}

// appendChange writes one immutable change log row inside the caller's
// transaction, sharing the transactional boundary with the authoritative
// entity write. It returns the allocated change id.
func appendChange(
	tx *gorm.DB,
	businessID BusinessID,
	entityType EntityType,
	entityID EntityID,
	action Action,
	data string,
	originDeviceID *string,
	committedAt time.Time,
) (int64, error) {
	changeID, err := nextChangeID(tx, businessID)
	if err != nil {
		return 0, err
	}

	entry := ChangeLogEntry{
		BusinessID:        businessID.String(),
		ChangeID:          changeID,
		EntityType:        entityType,
		EntityID:          entityID.String(),
		Action:            action,
		Data:              data,
		OriginDeviceID:    originDeviceID,
		ServerCommittedAt: committedAt,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, err
	}
	return changeID, nil
}

// rangeAfter reads change log entries with change_id > afterChangeID in
// ascending order. One extra row beyond limit is fetched so the caller can
// report has_more without a second count query. When excludeDeviceID is set,
// entries originated by that device are filtered out so a device never
// re-downloads its own writes.
func rangeAfter(
	db *gorm.DB,
	businessID BusinessID,
	afterChangeID int64,
	entityTypes []EntityType,
	limit int,
	excludeDeviceID *DeviceID,
) ([]ChangeLogEntry, bool, error) {
	query := db.
		Where("business_id = ? AND change_id > ?", businessID.String(), afterChangeID).
		Order("change_id ASC").
		Limit(limit + 1)
	if len(entityTypes) > 0 {
		query = query.Where("entity_type IN ?", entityTypes)
	}
	if excludeDeviceID != nil {
		query = query.Where("origin_device_id IS NULL OR origin_device_id <> ?", excludeDeviceID.String())
	}

	var entries []ChangeLogEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, false, err
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return entries, hasMore, nil
}

// countPendingAfter reports how many entries a device has not yet pulled.
func countPendingAfter(db *gorm.DB, businessID BusinessID, afterChangeID int64, excludeDeviceID DeviceID) (int64, error) {
	var pending int64
	err := db.Model(&ChangeLogEntry{}).
		Where("business_id = ? AND change_id > ?", businessID.String(), afterChangeID).
		Where("origin_device_id IS NULL OR origin_device_id <> ?", excludeDeviceID.String()).
		Count(&pending).Error
	if err != nil {
		return 0, err
	}
	return pending, nil
}
