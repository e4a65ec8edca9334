package mysql

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEmail is returned when an insert or update would violate
	// the unique email constraint.
	ErrDuplicateEmail = errors.New("email already in use")

	// ErrConflict is returned when a guarded update finds the row in a
	// state that forbids the transition.
	ErrConflict = errors.New("conflicting state")
)
