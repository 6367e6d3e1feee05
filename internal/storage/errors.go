package storage

import "errors"

// Common storage errors
var (
	// ErrChangeNotFound indicates that change record was not found
	ErrChangeNotFound = errors.New("change record not found")

	// ErrDocumentNotFound indicates that CRDT document was not found
	ErrDocumentNotFound = errors.New("CRDT document not found")

	// ErrConflictNotFound indicates that sync conflict was not found
	ErrConflictNotFound = errors.New("sync conflict not found")

	// ErrConflictResolved indicates an attempt to resolve a terminal conflict
	ErrConflictResolved = errors.New("sync conflict already resolved")

	// ErrDeviceNotFound indicates that device was not found
	ErrDeviceNotFound = errors.New("device not found")

	// ErrStatusNotFound indicates that no sync status row exists for the table
	ErrStatusNotFound = errors.New("sync status not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
