package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnknown indicates the caller's device has never been paired
	// with the business.
	ErrDeviceUnknown = errors.New("sync: device unknown")
	// ErrDeviceRevoked indicates the caller's device was paired but has been
	// revoked; every subsequent call is rejected immediately.
	ErrDeviceRevoked = errors.New("sync: device revoked")
	// ErrDeviceLimitReached indicates the business already holds max_devices
	// active devices.
	ErrDeviceLimitReached = errors.New("sync: device limit reached")
	// ErrTokenInvalid indicates a pairing token that does not exist, belongs
	// to another business, or was already consumed.
	ErrTokenInvalid = errors.New("sync: pairing token invalid")
	// ErrTokenExpired indicates a pairing token past its TTL.
	ErrTokenExpired = errors.New("sync: pairing token expired")
	// ErrInvalidCursor indicates a cursor that could not be decoded or was
	// minted for a different business. Callers must not treat it as "start
	// from zero".
	ErrInvalidCursor = errors.New("sync: invalid cursor")
	// ErrMalformedChange indicates a pushed change whose shape failed
	// validation before any conflict decision.
	ErrMalformedChange = errors.New("sync: malformed change")
	// ErrEntityNotFound indicates an update or delete referencing an entity
	// the authoritative store has never seen.
	ErrEntityNotFound = errors.New("sync: entity not found")
	// ErrDuplicateKey indicates a create for an entity id that already holds
	// a live authoritative record.
	ErrDuplicateKey = errors.New("sync: duplicate key")
)

// ServiceError carries a dotted operation code alongside the cause so HTTP
// handlers can emit stable error identifiers.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code, e.g. "sync.push.append_failed".
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
