package ledger

import "errors"

// Store errors. Every backend maps its native failures onto these.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert collides with a unique key,
	// most importantly the commission idempotency key.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConflict is returned when a conditional update finds a newer version
	// than the one read, or the backend aborted the transaction on contention.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidInput is returned when a record fails basic validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvariantViolation is returned when a mutation would corrupt the
	// ledger, e.g. drive a balance negative. It is never clamped.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrNotPending is returned when resolving a transaction that was
	// already completed or failed.
	ErrNotPending = errors.New("transaction already processed")

	// ErrStoreUnavailable is returned when the store itself cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
