package keepsake

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the keepsake sync core.
var (
	// ErrAuthenticationFailed is returned when a pairing code does not match.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDuplicateDevice is returned when pairing an already-paired device.
	ErrDuplicateDevice = errors.New("device already paired")

	// ErrDeviceNotFound is returned when a device id is not in the registry.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidState is returned on an illegal session state transition.
	ErrInvalidState = errors.New("invalid session state")

	// ErrVersionMismatch is returned when protocol versions are incompatible.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrKeyExchangeFailed is returned for malformed key exchange material.
	ErrKeyExchangeFailed = errors.New("key exchange failed")

	// ErrInvalidData is returned for a malformed delta payload.
	ErrInvalidData = errors.New("invalid delta payload")

	// ErrConnectionFailed is returned when a peer cannot be reached.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrTimeout is returned when a network operation exceeds its budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrSessionActive is returned when a sync for the device is already running.
	ErrSessionActive = errors.New("sync session already active")

	// ErrStoreClosed is returned for operations on a closed sync store.
	ErrStoreClosed = errors.New("sync store is closed")

	// ErrConflictResolved is returned when resolving an already-resolved conflict.
	ErrConflictResolved = errors.New("conflict already resolved")
)

// SyncErrorType categorizes synchronization errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeNetwork indicates a transport-level failure (retryable).
	SyncErrorTypeNetwork
	// SyncErrorTypeTimeout indicates a network operation timed out (retryable).
	SyncErrorTypeTimeout
	// SyncErrorTypeAuth indicates pairing authentication failed.
	SyncErrorTypeAuth
	// SyncErrorTypeState indicates an illegal state machine transition.
	SyncErrorTypeState
	// SyncErrorTypeVersion indicates incompatible protocol versions.
	SyncErrorTypeVersion
	// SyncErrorTypeKeyExchange indicates bad key exchange material.
	SyncErrorTypeKeyExchange
	// SyncErrorTypeData indicates a malformed delta payload.
	SyncErrorTypeData
)

// SyncError provides detailed information about a sync failure.
type SyncError struct {
	Type     SyncErrorType
	Message  string
	DeviceID string
	Cause    error
}

func (e *SyncError) Error() string {
	if e.DeviceID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [device %s]: %v", e.Message, e.DeviceID, e.Cause)
		}
		return fmt.Sprintf("%s [device %s]", e.Message, e.DeviceID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeNetwork:
		return target == ErrConnectionFailed
	case SyncErrorTypeTimeout:
		return target == ErrTimeout
	case SyncErrorTypeAuth:
		return target == ErrAuthenticationFailed
	case SyncErrorTypeState:
		return target == ErrInvalidState
	case SyncErrorTypeVersion:
		return target == ErrVersionMismatch
	case SyncErrorTypeKeyExchange:
		return target == ErrKeyExchangeFailed
	case SyncErrorTypeData:
		return target == ErrInvalidData
	}
	return false
}

// Retryable reports whether the caller may retry the operation with backoff.
// Authentication, state, and version errors need new input instead.
func (e *SyncError) Retryable() bool {
	return e.Type == SyncErrorTypeNetwork || e.Type == SyncErrorTypeTimeout
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message, deviceID string, cause error) *SyncError {
	return &SyncError{
		Type:     errType,
		Message:  message,
		DeviceID: deviceID,
		Cause:    cause,
	}
}
