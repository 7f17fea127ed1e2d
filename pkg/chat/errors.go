package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the core wraps exactly one of them so
// callers can branch with errors.Is.
var (
	// ErrConnection is returned when the transport is unavailable. The
	// connection manager recovers from it by reconnecting.
	ErrConnection = errors.New("connection unavailable")
	// ErrAckTimeout is returned when the server did not acknowledge an emitted
	// action in time. The action is not retried automatically.
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrInvalidState is returned when an action targets a state machine in
	// the wrong state, e.g. accepting an expired quote.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation is returned for malformed local input. Nothing is emitted.
	ErrValidation = errors.New("validation failed")
	// ErrUpstream is returned when a REST collaborator fails.
	ErrUpstream = errors.New("upstream failure")
	// ErrForbiddenRole is returned when the acting role may not perform the action.
	ErrForbiddenRole = errors.New("action not allowed for role")
	// ErrNotFound is returned when a room, message or quote is unknown.
	ErrNotFound = errors.New("not found")
)

var (
	errEmptyMessage         = errors.New("message needs text or at least one file")
	errDuplicateParticipant = errors.New("duplicate participant")
	errParticipantCount     = errors.New("direct and guide rooms need exactly two participants")
)

func errFileTooLarge(name string, limit int64) error {
	return fmt.Errorf("file %q exceeds %d bytes", name, limit)
}

// Error annotates a kind with the operation that failed and the cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

// E builds an *Error. err may be nil.
func E(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.Error())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Notice is the text shown to the user for a non-fatal failure.
func Notice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return "Reconnecting..."
	case errors.Is(err, ErrAckTimeout):
		return "The server did not respond. Tap to retry."
	case errors.Is(err, ErrInvalidState):
		return "This action is no longer available."
	case errors.Is(err, ErrForbiddenRole):
		return "You are not allowed to do that."
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUpstream):
		var e *Error
		if errors.As(err, &e) && e.Err != nil {
			return e.Err.Error()
		}
		return err.Error()
	default:
		return "Something went wrong."
	}
}
