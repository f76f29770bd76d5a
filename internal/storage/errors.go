package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero. The transaction is rolled back; no partial movement occurs.
	ErrInsufficientFunds = errors.New("storage: insufficient funds")

	// ErrInvalidTransition is returned when a conditional status update
	// matched no row: either the entity is missing or it is no longer in the
	// state the caller observed.
	ErrInvalidTransition = errors.New("storage: invalid state transition")

	// ErrClaimConflict is returned when a bounty already has an unexpired
	// active claim.
	ErrClaimConflict = errors.New("storage: bounty already claimed")
)
