package storage

import "errors"

var (
	// ErrNotFound indicates the requested document or header does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an insert collided with an existing entry.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCorrupted indicates a document failed its integrity check. A
	// corrupted shadow is discarded; a corrupted committed document is an
	// integrity failure the protocol core escalates.
	ErrCorrupted = errors.New("document corrupted")

	// ErrNoShadow indicates no shadow document is pending.
	ErrNoShadow = errors.New("no pending shadow")
)
