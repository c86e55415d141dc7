package sync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var conflictTestCommitTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func existingRecord(updatedAt time.Time) *EntityRecord {
	return &EntityRecord{
		BusinessID: "business-1",
		EntityType: EntityTypeCustomer,
		EntityID:   "customer-1",
		Data:       `{"name":"stored","updated_at":"` + updatedAt.Format(time.RFC3339) + `"}`,
		UpdatedAt:  updatedAt,
	}
}

func TestResolveIncomingAcceptsCreateForNewEntity(t *testing.T) {
	incoming := IncomingChange{
		EntityType:      EntityTypeCustomer,
		EntityID:        mustEntityID(t, "customer-1"),
		Action:          ActionCreate,
		Data:            json.RawMessage(`{"name":"fresh"}`),
		ClientUpdatedAt: conflictTestCommitTime.Add(-time.Minute),
	}

	decision := resolveIncoming(nil, incoming, conflictTestCommitTime)
	if !decision.Accepted {
		t.Fatalf("expected create to be accepted: %+v", decision)
	}
	if decision.Survivor.Deleted {
		t.Fatalf("expected survivor to be live")
	}
	if decision.Survivor.Data != `{"name":"fresh"}` {
		t.Fatalf("unexpected survivor data %q", decision.Survivor.Data)
	}
}

func TestResolveIncomingRejectsDuplicateCreate(t *testing.T) {
	current := existingRecord(conflictTestCommitTime.Add(-time.Hour))
	incoming := IncomingChange{
		EntityType:      EntityTypeCustomer,
		EntityID:        mustEntityID(t, "customer-1"),
		Action:          ActionCreate,
		Data:            json.RawMessage(`{"name":"duplicate"}`),
		ClientUpdatedAt: conflictTestCommitTime,
	}

	decision := resolveIncoming(current, incoming, conflictTestCommitTime)
	if !errors.Is(decision.RejectReason, ErrDuplicateKey) {
		t.Fatalf("expected duplicate key rejection, got %+v", decision)
	}
}

func TestResolveIncomingAllowsCreateOverTombstone(t *testing.T) {
	current := existingRecord(conflictTestCommitTime.Add(-time.Hour))
	current.Deleted = true

	incoming := IncomingChange{
		EntityType:      EntityTypeCustomer,
		EntityID:        mustEntityID(t, "customer-1"),
		Action:          ActionCreate,
		Data:            json.RawMessage(`{"name":"recreated"}`),
		ClientUpdatedAt: conflictTestCommitTime,
	}

	decision := resolveIncoming(current, incoming, conflictTestCommitTime)
	if !decision.Accepted {
		t.Fatalf("expected create over tombstone to be accepted: %+v", decision)
	}
	if decision.Survivor.Deleted {
		t.Fatalf("expected survivor to clear the tombstone")
	}
}

func TestResolveIncomingRejectsUpdateForMissingEntity(t *testing.T) {
	incoming := IncomingChange{
		EntityType:      EntityTypeItem,
		EntityID:        mustEntityID(t, "item-1"),
		Action:          ActionUpdate,
		Data:            json.RawMessage(`{"name":"ghost"}`),
		ClientUpdatedAt: conflictTestCommitTime,
	}

	decision := resolveIncoming(nil, incoming, conflictTestCommitTime)
	if !errors.Is(decision.RejectReason, ErrEntityNotFound) {
		t.Fatalf("expected entity not found rejection, got %+v", decision)
	}

	incoming.Action = ActionDelete
	decision = resolveIncoming(nil, incoming, conflictTestCommitTime)
	if !errors.Is(decision.RejectReason, ErrEntityNotFound) {
		t.Fatalf("expected entity not found rejection for delete, got %+v", decision)
	}
}

func TestResolveIncomingAcceptsUpdateFromFreshBase(t *testing.T) {
	base := conflictTestCommitTime.Add(-time.Hour)
	current := existingRecord(base)

	incoming := IncomingChange{
		EntityType:      EntityTypeCustomer,
		EntityID:        mustEntityID(t, "customer-1"),
		Action:          ActionUpdate,
		Data:            json.RawMessage(`{"name":"edited"}`),
		ClientUpdatedAt: base,
	}

	decision := resolveIncoming(current, incoming, conflictTestCommitTime)
	if !decision.Accepted {
		t.Fatalf("expected fresh-base update to be accepted: %+v", decision)
	}
	if decision.Conflicted {
		t.Fatalf("expected no conflict for fresh base")
	}
	if decision.Survivor.Data != `{"name":"edited"}` {
		t.Fatalf("unexpected survivor data %q", decision.Survivor.Data)
	}
}

func TestResolveIncomingStaleBaseNewerWriteClientWins(t *testing.T) {
	serverTime := conflictTestCommitTime.Add(-30 * time.Minute)
	current := existingRecord(serverTime)

	clientWrite := serverTime.Add(10 * time.Minute)
	incoming := IncomingChange{
		EntityType: EntityTypeCustomer,
		EntityID:   mustEntityID(t, "customer-1"),
		Action:     ActionUpdate,
		Data: json.RawMessage(`{"name":"offline edit","updated_at":"` +
			clientWrite.Format(time.RFC3339) + `"}`),
		ClientUpdatedAt: serverTime.Add(-time.Hour),
	}

	decision := resolveIncoming(current, incoming, conflictTestCommitTime)
	if !decision.Conflicted {
		t.Fatalf("expected conflict for stale base: %+v", decision)
	}
	if decision.Resolution != ResolutionClientWins {
		t.Fatalf("expected client to win, got %s", decision.Resolution)
	}
	if !decision.Survivor.UpdatedAt.Equal(clientWrite) {
		t.Fatalf("expected survivor write time %v, got %v", clientWrite, decision.Survivor.UpdatedAt)
	}
}

func TestResolveIncomingStaleBaseOlderWriteServerWins(t *testing.T) {
	serverTime := conflictTestCommitTime.Add(-30 * time.Minute)
	current := existingRecord(serverTime)

	clientWrite := serverTime.Add(-10 * time.Minute)
	incoming := IncomingChange{
		EntityType: EntityTypeCustomer,
		EntityID:   mustEntityID(t, "customer-1"),
		Action:     ActionUpdate,
		Data: json.RawMessage(`{"name":"late arrival","updated_at":"` +
			clientWrite.Format(time.RFC3339) + `"}`),
		ClientUpdatedAt: serverTime.Add(-time.Hour),
	}

	decision := resolveIncoming(current, incoming, conflictTestCommitTime)
	if !decision.Conflicted {
		t.Fatalf("expected conflict for stale base: %+v", decision)
	}
	if decision.Resolution != ResolutionServerWins {
		t.Fatalf("expected server to win, got %s", decision.Resolution)
	}
	if decision.Survivor.Data != current.Data {
		t.Fatalf("expected authoritative data to survive")
	}
}

func TestResolveIncomingTieKeepsServer(t *testing.T) {
	serverTime := conflictTestCommitTime.Add(-30 * time.Minute)
	current := existingRecord(serverTime)

	incoming := IncomingChange{
		EntityType: EntityTypeCustomer,
		EntityID:   mustEntityID(t, "customer-1"),
		Action:     ActionUpdate,
		Data: json.RawMessage(`{"name":"same instant","updated_at":"` +
			serverTime.Format(time.RFC3339) + `"}`),
		ClientUpdatedAt: serverTime.Add(-time.Hour),
	}

	decision := resolveIncoming(current, incoming, conflictTestCommitTime)
	if !decision.Conflicted {
		t.Fatalf("expected conflict for stale base: %+v", decision)
	}
	if decision.Resolution != ResolutionServerWins {
		t.Fatalf("expected equal write times to keep the server side, got %s", decision.Resolution)
	}
}

func TestResolveIncomingDeleteKeepsLastSnapshot(t *testing.T) {
	base := conflictTestCommitTime.Add(-time.Hour)
	current := existingRecord(base)

	incoming := IncomingChange{
		EntityType:      EntityTypeCustomer,
		EntityID:        mustEntityID(t, "customer-1"),
		Action:          ActionDelete,
		ClientUpdatedAt: base,
	}

	decision := resolveIncoming(current, incoming, conflictTestCommitTime)
	if !decision.Accepted {
		t.Fatalf("expected delete to be accepted: %+v", decision)
	}
	if !decision.Survivor.Deleted {
		t.Fatalf("expected survivor tombstone")
	}
	if decision.Survivor.Data != current.Data {
		t.Fatalf("expected tombstone to retain the last snapshot, got %q", decision.Survivor.Data)
	}
}

func TestResolveIncomingIsDeterministic(t *testing.T) {
	serverTime := conflictTestCommitTime.Add(-30 * time.Minute)
	clientWrite := serverTime.Add(5 * time.Minute)
	incoming := IncomingChange{
		EntityType: EntityTypeCustomer,
		EntityID:   mustEntityID(t, "customer-1"),
		Action:     ActionUpdate,
		Data: json.RawMessage(`{"name":"replayed","updated_at":"` +
			clientWrite.Format(time.RFC3339) + `"}`),
		ClientUpdatedAt: serverTime.Add(-time.Hour),
	}

	first := resolveIncoming(existingRecord(serverTime), incoming, conflictTestCommitTime)
	second := resolveIncoming(existingRecord(serverTime), incoming, conflictTestCommitTime.Add(time.Hour))
	if first.Resolution != second.Resolution || first.Conflicted != second.Conflicted {
		t.Fatalf("expected identical outcomes, got %+v and %+v", first, second)
	}
}

func TestSnapshotWriteTime(t *testing.T) {
	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)

	parsed := snapshotWriteTime(json.RawMessage(`{"updated_at":"` + at.Format(time.RFC3339) + `"}`))
	if !parsed.Equal(at) {
		t.Fatalf("expected %v, got %v", at, parsed)
	}

	if !snapshotWriteTime(nil).IsZero() {
		t.Fatalf("expected zero time for empty payload")
	}
	if !snapshotWriteTime(json.RawMessage(`{"name":"no timestamp"}`)).IsZero() {
		t.Fatalf("expected zero time when key is absent")
	}
	if !snapshotWriteTime(json.RawMessage(`not-json`)).IsZero() {
		t.Fatalf("expected zero time for malformed payload")
	}
}
