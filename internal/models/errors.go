package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by the storage, registry and service
// layers wraps exactly one of these, so callers can classify with errors.Is.
var (
	ErrInvalid         = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrCapacity        = errors.New("capacity exceeded")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("not logged in")
)

var (
	ErrUserNotFound  = fmt.Errorf("user %w", ErrNotFound)
	ErrGroupNotFound = fmt.Errorf("group %w", ErrNotFound)

	ErrUsernameTaken = fmt.Errorf("%w: username already registered", ErrConflict)
	ErrAlreadyMember = fmt.Errorf("%w: user is already a member of the group", ErrConflict)

	ErrGroupFull = fmt.Errorf("%w: group is full", ErrCapacity)

	ErrNotMember = fmt.Errorf("%w: user is not a member of the group", ErrForbidden)

	// ErrDuplicateID is returned by stores when a generated group ID is
	// already taken. The registry retries on it; it never reaches clients.
	ErrDuplicateID = fmt.Errorf("%w: group id already exists", ErrConflict)
)

// Invalidf builds a validation error with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
