package sync

import (
	"errors"
	"testing"
)

func TestCursorRoundTrip(t *testing.T) {
	businessID := mustBusinessID(t, "business-1")

	cursor := EncodeCursor(businessID, 42)
	if cursor == "" {
		t.Fatalf("expected non-empty cursor for positive change id")
	}

	changeID, err := DecodeCursor(businessID, cursor)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if changeID != 42 {
		t.Fatalf("expected change id 42, got %d", changeID)
	}
}

func TestCursorEmptyIsInitialPosition(t *testing.T) {
	businessID := mustBusinessID(t, "business-1")

	changeID, err := DecodeCursor(businessID, "")
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if changeID != 0 {
		t.Fatalf("expected initial position 0, got %d", changeID)
	}

	if cursor := EncodeCursor(businessID, 0); cursor != "" {
		t.Fatalf("expected empty cursor for position 0, got %q", cursor)
	}
}

func TestCursorRejectsForeignBusiness(t *testing.T) {
	cursor := EncodeCursor(mustBusinessID(t, "business-1"), 7)

	if _, err := DecodeCursor(mustBusinessID(t, "business-2"), cursor); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor for foreign business, got %v", err)
	}
}

func TestCursorRejectsGarbage(t *testing.T) {
	businessID := mustBusinessID(t, "business-1")

	for _, cursor := range []string{"not base64!!", "bm90LWEtY3Vyc29y", "djI6YnVzaW5lc3MtMTo1"} {
		if _, err := DecodeCursor(businessID, cursor); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("expected ErrInvalidCursor for %q, got %v", cursor, err)
		}
	}
}

func TestCursorHandlesBusinessIDWithSeparator(t *testing.T) {
	businessID := mustBusinessID(t, "org:business-1")

	cursor := EncodeCursor(businessID, 9)
	changeID, err := DecodeCursor(businessID, cursor)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if changeID != 9 {
		t.Fatalf("expected change id 9, got %d", changeID)
	}
}
