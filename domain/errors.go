package domain

import "errors"

var (
	// ErrNotAuthenticated is returned when a call carries no user.
	ErrNotAuthenticated = errors.New("user not authenticated")
	// ErrNoActiveScope is returned when no organization is selected.
	ErrNoActiveScope = errors.New("no active organization selected")
	// ErrAccessDenied is returned when the user is not a member of the active organization.
	ErrAccessDenied = errors.New("organization not found or access denied")
	// ErrTaskNotFound covers both missing tasks and tasks outside the caller's scope
	// so that existence never leaks across tenants.
	ErrTaskNotFound = errors.New("task not found or access denied")
	// ErrProjectNotFound is returned when a project is not part of the organization.
	ErrProjectNotFound = errors.New("project not found or access denied")
	// ErrConcurrencyConflict indicates that the underlying storage rejected a
	// write because a row it depends on changed after it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrColumnTooLarge is returned by backends that cannot apply a move atomically
	// because the column exceeds their batch limit.
	ErrColumnTooLarge = errors.New("column too large for a single transaction")
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
