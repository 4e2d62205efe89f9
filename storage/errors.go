package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a guarded update loses to a
	// concurrent writer.
	ErrConflict = errors.New("revision conflict")

	// ErrAlreadyClaimed is returned when a job stage already has a live
	// claim held by another worker.
	ErrAlreadyClaimed = errors.New("stage already claimed")

	// ErrStaleLease is returned when a release presents a lease token
	// that no longer matches the live claim.
	ErrStaleLease = errors.New("stale lease token")
)
