package port

import "errors"

// Error taxonomy surfaced to clients and callers. Transient peer failures
// are retried in the background and never map to these.
var (
	// ErrNotFound: unknown path or user.
	ErrNotFound = errors.New("not found")

	// ErrRecordUnavailable: the record exists but no replica holder is
	// currently reachable.
	ErrRecordUnavailable = errors.New("no live replica available")

	// ErrPermissionDenied: unauthenticated request or cross-user access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAuthFailed: wrong client password.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrStorageIO: local durability failure. Fatal for the operation,
	// never for the node.
	ErrStorageIO = errors.New("local storage failure")
)
