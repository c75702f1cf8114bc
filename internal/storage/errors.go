package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a unique key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientBalance is returned when a debit exceeds the stored amount.
	// The balance is left untouched.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrSupplyBounds is returned when a supply adjustment would leave
	// the range [0, max_supply].
	ErrSupplyBounds = errors.New("supply out of bounds")

	// ErrLocked is returned by Locker.TryLock when another writer holds the lock.
	ErrLocked = errors.New("ledger writer lock held")
)
