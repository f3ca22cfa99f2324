package domain

import "errors"

var (
	// ErrNotFound means an operation referenced a record absent from the
	// store. Surfaced to the caller, never retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict means an attempt to close or claim a position that is
	// already closed (or already claimed). It signals a benign race: another
	// actor won.
	ErrConflict = errors.New("position already closed")

	// ErrValidation means a payload failed boundary validation (non-numeric
	// size, zero leverage, negative collateral, ...). Rejected before any
	// store mutation.
	ErrValidation = errors.New("validation failed")

	// ErrExternal means the ledger gateway or price oracle was unreachable or
	// answered badly. Batch operations capture it per item and continue.
	ErrExternal = errors.New("external collaborator failed")

	// ErrLockHeld means a distributed lock is already held by another party.
	ErrLockHeld = errors.New("lock already held")
)
