package messaging

import (
	"errors"

	"marketchat/internal/domain/chat"
)

const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodePersistence = "persistence"
	CodeForbidden   = "forbidden"
)

// ErrForbidden is returned when the authenticated user differs from the acting user.
var ErrForbidden = errors.New("messaging: acting user does not match identity")

// CheckActor fails when an authenticated identity is present and differs from actorID.
func CheckActor(identity, actorID string) error {
	if identity != "" && actorID != "" && identity != actorID {
		return ErrForbidden
	}
	return nil
}

// ErrorCode classifies err for clients of the gateway.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, chat.ErrValidation):
		return CodeValidation
	case errors.Is(err, chat.ErrNotFound):
		return CodeNotFound
	default:
		return CodePersistence
	}
}
