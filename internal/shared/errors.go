package shared

import "errors"

var (
	// ErrNotFound indicates the requested resource does not exist for the tenant.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates the request is well formed but semantically invalid.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a duplicate submission or a state-machine race.
	ErrConflict = errors.New("conflict")
	// ErrDataCorruption indicates stored data no longer matches its schema,
	// e.g. an enum value written by a newer or buggy writer.
	ErrDataCorruption = errors.New("data corruption")
)

// UserSafeMessage returns a message safe to surface to API clients.
// Internal errors are collapsed so driver and SQL details never leak.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict):
		return err.Error()
	default:
		return "internal error"
	}
}
