package repository

import "errors"

// Sentinel errors surfaced by the repositories. The service layer maps
// these to user-facing outcomes with errors.Is.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessed is returned when the conditional completion
	// update matched zero rows: another writer already moved the
	// booking out of a payable status. Idempotent callers re-read and
	// return the winner's tickets.
	ErrAlreadyProcessed = errors.New("booking already processed")

	// ErrConflict is returned when a conditional state transition
	// (e.g. PAID → CANCELLED) matched zero rows.
	ErrConflict = errors.New("conflicting booking state")
)
