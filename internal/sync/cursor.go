package sync

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorVersion = "v1"

// EncodeCursor produces the opaque replication position handed to clients.
// The business id is baked in so a cursor presented by a misrouted client
// fails decoding instead of silently replaying or skipping history.
func EncodeCursor(businessID BusinessID, changeID int64) string {
	if changeID <= 0 {
		return ""
	}
	raw := fmt.Sprintf("%s:%s:%d", cursorVersion, businessID.String(), changeID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor resolves an opaque cursor back to the last acknowledged change
// id. The empty cursor is the "no changes seen yet" sentinel and decodes to
// zero. Anything else that fails to parse, carries an unknown version, or was
// minted for another business yields ErrInvalidCursor.
func DecodeCursor(businessID BusinessID, cursor string) (int64, error) {
	if strings.TrimSpace(cursor) == "" {
		return 0, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: undecodable", ErrInvalidCursor)
	}

	rest, hasVersion := strings.CutPrefix(string(decoded), cursorVersion+":")
	if !hasVersion {
		return 0, fmt.Errorf("%w: unsupported version", ErrInvalidCursor)
	}

	separator := strings.LastIndex(rest, ":")
	if separator < 0 {
		return 0, fmt.Errorf("%w: malformed", ErrInvalidCursor)
	}
	if rest[:separator] != businessID.String() {
		return 0, fmt.Errorf("%w: issued for another business", ErrInvalidCursor)
	}

	changeID, err := strconv.ParseInt(rest[separator+1:], 10, 64)
	if err != nil || changeID <= 0 {
		return 0, fmt.Errorf("%w: bad position", ErrInvalidCursor)
	}

	return changeID, nil
}
