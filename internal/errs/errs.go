// Package errs defines the failure taxonomy shared by the store adapters,
// the chat services and the identity provider. Callers match with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrDuplicateConversation = errors.New("conversation already exists")
	ErrConflict              = errors.New("already exists")
	ErrLiveUnsupported       = errors.New("backend does not support live subscriptions")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
)

// Validation returns an error matching ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Forbidden returns an error matching ErrForbidden.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// NotFound returns an error matching ErrNotFound for the given entity kind.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

// Conflict returns an error matching ErrConflict for the given entity kind.
func Conflict(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrConflict, kind, id)
}

// Unavailable wraps a backend failure so it matches ErrStorageUnavailable
// while keeping the driver error in the chain. Errors that already carry
// one of the taxonomy sentinels pass through untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrNotFound, ErrStorageUnavailable,
		ErrDuplicateConversation, ErrConflict, ErrLiveUnsupported, ErrUnauthorized, ErrForbidden,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Code names the class of err for clients that cannot match sentinels,
// such as websocket frames. Unclassified errors are "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateConversation):
		return "conflict"
	case errors.Is(err, ErrLiveUnsupported):
		return "live_unsupported"
	default:
		return "internal"
	}
}
