package models

import "errors"

// Error taxonomy shared by the store, the manager and the gateway. Wrap with %w and test
// with errors.Is.
var (
	// ErrNotFound means the lobby or player is absent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists means a lobby id is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState means a business rule forbids the operation right now.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidInput means the caller supplied something malformed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPersistenceCorruption is raised inside the store while salvaging; Read absorbs it.
	ErrPersistenceCorruption = errors.New("persisted record is corrupt")
)
