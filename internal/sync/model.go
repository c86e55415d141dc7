package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action enumerates supported mutation kinds.
type Action string

const (
	// ActionCreate inserts a new entity snapshot.
	ActionCreate Action = "create"
	// ActionUpdate replaces an existing entity snapshot.
	ActionUpdate Action = "update"
	// ActionDelete tombstones an entity.
	ActionDelete Action = "delete"
)

// EntityType identifies which business table an entity snapshot belongs to.
type EntityType string

const (
	EntityTypeCashTransaction      EntityType = "cash_transaction"
	EntityTypeItem                 EntityType = "item"
	EntityTypeInvoice              EntityType = "invoice"
	EntityTypeCustomer             EntityType = "customer"
	EntityTypeSupplier             EntityType = "supplier"
	EntityTypeExpense              EntityType = "expense"
	EntityTypeExpenseCategory      EntityType = "expense_category"
	EntityTypeStaff                EntityType = "staff"
	EntityTypeBankAccount          EntityType = "bank_account"
	EntityTypeBankTransaction      EntityType = "bank_transaction"
	EntityTypeCustomerTransaction  EntityType = "customer_transaction"
	EntityTypeSupplierTransaction  EntityType = "supplier_transaction"
	EntityTypeInventoryTransaction EntityType = "inventory_transaction"
)

var knownEntityTypes = map[EntityType]struct{}{
	EntityTypeCashTransaction:      {},
	EntityTypeItem:                 {},
	EntityTypeInvoice:              {},
	EntityTypeCustomer:             {},
	EntityTypeSupplier:             {},
	EntityTypeExpense:              {},
	EntityTypeExpenseCategory:      {},
	EntityTypeStaff:                {},
	EntityTypeBankAccount:          {},
	EntityTypeBankTransaction:      {},
	EntityTypeCustomerTransaction:  {},
	EntityTypeSupplierTransaction:  {},
	EntityTypeInventoryTransaction: {},
}

const maxIdentifierLength = 190

var (
	// ErrInvalidBusinessID indicates a business identifier is empty or exceeds storage bounds.
	ErrInvalidBusinessID = errors.New("sync: invalid business id")
	// ErrInvalidDeviceID indicates a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("sync: invalid device id")
	// ErrInvalidEntityID indicates an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("sync: invalid entity id")
	// ErrUnknownEntityType indicates an entity type outside the supported set.
	ErrUnknownEntityType = errors.New("sync: unknown entity type")
	// ErrUnknownAction indicates an action outside create/update/delete.
	ErrUnknownAction = errors.New("sync: unknown action")
)

// ParseEntityType validates raw input against the supported entity type set.
func ParseEntityType(rawInput string) (EntityType, error) {
	candidate := EntityType(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := knownEntityTypes[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, rawInput)
	}
	return candidate, nil
}

// ParseAction validates raw input against the supported action set.
func ParseAction(rawInput string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, rawInput)
	}
}

// BusinessID represents a validated tenant identifier.
type BusinessID string

// NewBusinessID validates raw input and returns a BusinessID.
func NewBusinessID(rawInput string) (BusinessID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBusinessID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBusinessID, maxIdentifierLength)
	}
	return BusinessID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BusinessID) String() string {
	return string(id)
}

// DeviceID represents a validated client-generated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// EntityID represents a validated entity identifier within its own table.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// ChangeLogEntry is one appended row per committed mutation. Rows are
// immutable after insert; ordering within a business is defined by ChangeID
// alone, with ServerCommittedAt carried for display and conflict metadata.
type ChangeLogEntry struct {
	BusinessID        string     `gorm:"column:business_id;primaryKey;size:190;not null;index:idx_change_log_entity,priority:1"`
	ChangeID          int64      `gorm:"column:change_id;primaryKey;not null"`
	EntityType        EntityType `gorm:"column:entity_type;size:64;not null;index:idx_change_log_entity,priority:2"`
	EntityID          string     `gorm:"column:entity_id;size:190;not null;index:idx_change_log_entity,priority:3"`
	Action            Action     `gorm:"column:action;size:16;not null"`
	Data              string     `gorm:"column:data;type:text;not null"`
	OriginDeviceID    *string    `gorm:"column:origin_device_id;size:190"`
	ServerCommittedAt time.Time  `gorm:"column:server_committed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLogEntry) TableName() string {
	return "sync_change_log"
}

// businessSequence holds the per-business change id counter. The row is
// locked for update inside every append transaction, which is the engine's
// only cross-request serialization point.
type businessSequence struct {
	BusinessID   string `gorm:"column:business_id;primaryKey;size:190;not null"`
	NextChangeID int64  `gorm:"column:next_change_id;not null;default:1"`
}

func (businessSequence) TableName() string {
	return "sync_sequences"
}

// Device represents one paired client replica of a business's data.
type Device struct {
	BusinessID  string     `gorm:"column:business_id;primaryKey;size:190;not null"`
	DeviceID    string     `gorm:"column:device_id;primaryKey;size:190;not null"`
	DeviceName  string     `gorm:"column:device_name;size:255;not null;default:''"`
	DeviceType  string     `gorm:"column:device_type;size:32;not null;default:''"`
	IsActive    bool       `gorm:"column:is_active;not null;default:true;index:idx_devices_active"`
	LastSyncAt  *time.Time `gorm:"column:last_sync_at"`
	SyncCursor  int64      `gorm:"column:sync_cursor;not null;default:0"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
}

// ActiveDeviceCount reports how many active devices currently count against
// the business cap. Kept close to the model so callers share one definition.
func ActiveDeviceCount(devices []Device) int {
	count := 0
	for _, device := range devices {
		if device.IsActive {
			count++
		}
	}
	return count
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "sync_devices"
}

// PairingToken is a short-lived single-use credential for onboarding a device.
type PairingToken struct {
	Token      string    `gorm:"column:token;primaryKey;size:64;not null"`
	BusinessID string    `gorm:"column:business_id;size:190;not null;index:idx_pairing_tokens_business"`
	IssuedAt   time.Time `gorm:"column:issued_at;not null"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null"`
	Consumed   bool      `gorm:"column:consumed;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (PairingToken) TableName() string {
	return "sync_pairing_tokens"
}

// EntityRecord is the engine-side authoritative snapshot of a business
// entity. The Data payload is opaque to the engine; only UpdatedAt and the
// Deleted tombstone participate in conflict decisions.
type EntityRecord struct {
	BusinessID string     `gorm:"column:business_id;primaryKey;size:190;not null"`
	EntityType EntityType `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID   string     `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Data       string     `gorm:"column:data;type:text;not null"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null"`
	Deleted    bool       `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRecord) TableName() string {
	return "sync_entity_records"
}

// Models lists the persisted types owned by the sync engine, in migration
// order.
func Models() []interface{} {
	return []interface{}{
		&ChangeLogEntry{},
		&businessSequence{},
		&Device{},
		&PairingToken{},
		&EntityRecord{},
	}
}

// IncomingChange is one client-submitted mutation inside a push batch.
type IncomingChange struct {
	EntityType      EntityType
	EntityID        EntityID
	Action          Action
	Data            json.RawMessage
	ClientUpdatedAt time.Time
}
