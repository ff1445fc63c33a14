package store

import "errors"

var (
	// ErrValidation is returned when an argument fails validation before any I/O
	// (empty partition key, non-positive page size, nil entity).
	ErrValidation = errors.New("lattice: validation failed")

	// ErrContainerNameEmpty is returned when a container name is empty or blank.
	ErrContainerNameEmpty = errors.New("lattice: container name is empty")

	// ErrInvalidCursor is returned when a continuation cursor is reused with a
	// query signature different from the one that issued it.
	ErrInvalidCursor = errors.New("lattice: cursor does not match query signature")

	// ErrNotFound is returned when a single-item lookup finds nothing.
	ErrNotFound = errors.New("lattice: document not found")

	// ErrAlreadyExists is returned when creating a document whose id already exists
	// in the target partition.
	ErrAlreadyExists = errors.New("lattice: document already exists")

	// ErrConflict is returned when a concurrency tag no longer matches the stored
	// document. Callers should re-read and retry.
	ErrConflict = errors.New("lattice: concurrency tag mismatch")

	// ErrUnavailable is returned when the backend rejects a request due to
	// throttling or capacity. This layer performs no retries of its own.
	ErrUnavailable = errors.New("lattice: backend unavailable")
)
