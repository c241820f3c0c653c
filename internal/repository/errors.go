package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates a uniqueness or constraint violation.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrConflict indicates a conditional update matched no row.
	ErrConflict = errors.New("repository: conflict")
)
