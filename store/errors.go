package store

import "errors"

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness or
	// reference constraint (duplicate branch/tag name, channel already
	// bound to a game).
	ErrConflict = errors.New("conflict")
)
