package sync

import (
	"encoding/json"
	"time"
)

// Resolution names the side whose data survived a conflict.
type Resolution string

const (
	// ResolutionServerWins keeps the authoritative record.
	ResolutionServerWins Resolution = "server_wins"
	// ResolutionClientWins persists the client snapshot.
	ResolutionClientWins Resolution = "client_wins"
)

// Decision is the Conflict Resolver's verdict for one incoming change.
// Exactly one of Accepted, Conflicted, or RejectReason != nil holds. Survivor
// is the authoritative state to persist whenever the change is not rejected.
type Decision struct {
	Accepted     bool
	Conflicted   bool
	Resolution   Resolution
	RejectReason error
	Survivor     EntityRecord
}

// resolveIncoming classifies an incoming change against the current
// authoritative record. It is a pure function: appliedAt stands in for the
// server commit clock so outcomes stay reproducible under test.
//
// Ordering across devices is defined by server commit order, so the decision
// keys off updated_at comparison rather than arrival order: a client whose
// base read is at or after the authoritative version wins outright, a stale
// base read turns into a conflict resolved last-write-wins with ties kept by
// the server side.
func resolveIncoming(current *EntityRecord, incoming IncomingChange, appliedAt time.Time) Decision {
	exists := current != nil && !current.Deleted

	switch incoming.Action {
	case ActionCreate:
		if exists {
			return Decision{RejectReason: ErrDuplicateKey}
		}
	case ActionUpdate, ActionDelete:
		if current == nil {
			return Decision{RejectReason: ErrEntityNotFound}
		}
	default:
		return Decision{RejectReason: ErrUnknownAction}
	}

	writeTime := snapshotWriteTime(incoming.Data)
	if writeTime.IsZero() {
		writeTime = incoming.ClientUpdatedAt
	}
	if writeTime.IsZero() {
		writeTime = appliedAt
	}

	clientRecord := EntityRecord{
		EntityType: incoming.EntityType,
		EntityID:   incoming.EntityID.String(),
		Data:       string(incoming.Data),
		UpdatedAt:  writeTime,
		Deleted:    incoming.Action == ActionDelete,
	}
	if clientRecord.Deleted && len(incoming.Data) == 0 && current != nil {
		clientRecord.Data = current.Data
	}

	if current == nil || incoming.ClientUpdatedAt.Compare(current.UpdatedAt) >= 0 {
		return Decision{Accepted: true, Survivor: clientRecord}
	}

	// The client's base read is stale: another device committed after it.
	if writeTime.After(current.UpdatedAt) {
		return Decision{Conflicted: true, Resolution: ResolutionClientWins, Survivor: clientRecord}
	}
	return Decision{Conflicted: true, Resolution: ResolutionServerWins, Survivor: *current}
}

// snapshotWriteTime pulls the originating write timestamp out of the opaque
// entity snapshot. The engine never interprets the payload beyond this one
// well-known key.
func snapshotWriteTime(data json.RawMessage) time.Time {
	if len(data) == 0 {
		return time.Time{}
	}
	var envelope struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return time.Time{}
	}
	return envelope.UpdatedAt
}
