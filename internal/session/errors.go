package session

import "errors"

var (
	ErrNotFound       = errors.New("session not found")
	ErrNotHost        = errors.New("only the session host may perform this action")
	ErrNotParticipant = errors.New("user is not an invited participant")
	ErrConflict       = errors.New("session overlaps an existing session")
	ErrTerminal       = errors.New("session already ended or cancelled")
	ErrJoinTooEarly   = errors.New("too early to join this session")

	// ErrValidation is the base for request-shape failures; callers match it
	// with errors.Is and surface the wrapped detail.
	ErrValidation = errors.New("invalid session request")

	// ErrIllegalTransition covers legal-state violations that are not
	// terminal re-entry, e.g. starting an already live session.
	ErrIllegalTransition = errors.New("operation not allowed in current session status")
)
