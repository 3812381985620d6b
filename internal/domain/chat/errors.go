package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a missing or malformed required field. Never retried.
	ErrValidation = errors.New("chat: invalid input")
	// ErrNotFound is returned for unknown conversation or message identifiers.
	ErrNotFound = errors.New("chat: not found")
	// ErrPersistence wraps failures of the underlying store.
	ErrPersistence = errors.New("chat: store unavailable")
)

// Invalid builds a validation error with a caller-facing reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound builds a not-found error for the given entity and id.
func NotFound(entity, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, entity, id)
}

// Persistence wraps a driver error so callers can classify it with errors.Is.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Reason strips the sentinel prefix so the message can be shown to a client.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, sentinel := range []error{ErrValidation, ErrNotFound, ErrPersistence} {
		prefix := sentinel.Error() + ": "
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
	}
	return msg
}
