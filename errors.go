package graphmesh

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the graphmesh package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrSyncDisabled is returned when an exchange targets a graph whose
	// sync flag is off.
	ErrSyncDisabled = errors.New("sync disabled for graph")

	// ErrUnknownGraph is returned when a session/graph pair is not known to
	// the store.
	ErrUnknownGraph = errors.New("unknown graph")

	// ErrPayloadSchema is returned when a sync payload fails validation.
	// The payload is rejected whole; nothing from it is applied.
	ErrPayloadSchema = errors.New("sync payload schema validation failed")

	// ErrPeerUnavailable is returned when a peer cannot be reached or its
	// circuit breaker is open.
	ErrPeerUnavailable = errors.New("peer unavailable")

	// ErrSnapshotNotFound is returned when a requested archive snapshot
	// does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// SyncErrorType categorizes sync exchange errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeTransport indicates a network failure talking to a peer.
	// Transport errors are recoverable and safe to retry.
	SyncErrorTypeTransport
	// SyncErrorTypeSchema indicates a malformed payload. Not retryable.
	SyncErrorTypeSchema
	// SyncErrorTypeStorage indicates a storage fault during apply.
	SyncErrorTypeStorage
	// SyncErrorTypeDisabled indicates the target graph has sync turned off.
	SyncErrorTypeDisabled
)

// SyncError provides detailed information about sync exchange failures.
type SyncError struct {
	Type      SyncErrorType
	Message   string
	Peer      string
	SessionID string
	GraphName string
	Cause     error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if e.Peer != "" {
		msg = fmt.Sprintf("%s [peer %s]", msg, e.Peer)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeTransport:
		return target == ErrPeerUnavailable
	case SyncErrorTypeSchema:
		return target == ErrPayloadSchema
	case SyncErrorTypeDisabled:
		return target == ErrSyncDisabled
	}
	return false
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message, peer string, cause error) *SyncError {
	return &SyncError{
		Type:    errType,
		Message: message,
		Peer:    peer,
		Cause:   cause,
	}
}

// SchemaError describes exactly which part of a payload failed validation.
type SchemaError struct {
	Message string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid sync payload: %s", e.Message)
}

// Is implements error matching for SchemaError.
func (e *SchemaError) Is(target error) bool {
	return target == ErrPayloadSchema
}

// newSchemaError creates a new SchemaError.
func newSchemaError(message string) *SchemaError {
	return &SchemaError{Message: message}
}

// StorageOpError wraps a storage fault with the operation and entity it hit.
// An apply that encounters one aborts the remainder of the payload and
// reports the stats accumulated up to that point.
type StorageOpError struct {
	Op       string
	EntityID string
	Cause    error
}

func (e *StorageOpError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("storage %s failed for %q: %v", e.Op, e.EntityID, e.Cause)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Cause)
}

func (e *StorageOpError) Unwrap() error {
	return e.Cause
}

// newStorageOpError creates a new StorageOpError.
func newStorageOpError(op, entityID string, cause error) *StorageOpError {
	return &StorageOpError{
		Op:       op,
		EntityID: entityID,
		Cause:    cause,
	}
}
