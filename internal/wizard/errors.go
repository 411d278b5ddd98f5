package wizard

import (
	"errors"
)

// Kind classifies a failure by how it is surfaced to the user.
type Kind string

const (
	KindConnection  Kind = "connection"
	KindDataLoad    Kind = "data-load"
	KindValidation  Kind = "validation"
	KindPersistence Kind = "persistence"
	KindConsistency Kind = "consistency"
)

var (
	ErrBusy        = errors.New("another action is still running")
	ErrClosed      = errors.New("wizard session is closed")
	ErrNotOnStep   = errors.New("action is not available on this step")
	ErrUnsupported = errors.New("not supported by this provider")
)

// Error is a user-facing failure. Message is what the UI shows.
type Error struct {
	Kind    Kind
	Step    StepID
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a wizard error, or "" for anything else.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}

func validationError(step StepID, msg string) *Error {
	return &Error{Kind: KindValidation, Step: step, Message: msg}
}

// Notice is a dismissable notification kept on the session.
type Notice struct {
	ID      int    `json:"id"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}
