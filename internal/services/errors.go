package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the recoverable failure conditions of the board.
type ErrorKind string

const (
	KindAuthenticationFailed ErrorKind = "AuthenticationFailed"
	KindSyncFailed           ErrorKind = "SyncFailed"
	KindValidation           ErrorKind = "ValidationError"
	KindWriteFailed          ErrorKind = "WriteFailed"
)

// Sentinels for errors.Is matching on the kind of a BoardError.
var (
	ErrAuthenticationFailed = &BoardError{Kind: KindAuthenticationFailed}
	ErrSyncFailed           = &BoardError{Kind: KindSyncFailed}
	ErrValidation           = &BoardError{Kind: KindValidation}
	ErrWriteFailed          = &BoardError{Kind: KindWriteFailed}
)

// BoardError is a user-visible, non-fatal condition.
type BoardError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *BoardError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *BoardError) Unwrap() error { return e.Err }

// Is matches any BoardError of the same kind.
func (e *BoardError) Is(target error) bool {
	t, ok := target.(*BoardError)
	return ok && t.Kind == e.Kind
}

func boardError(kind ErrorKind, message string, err error) *BoardError {
	return &BoardError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" if err is not a BoardError.
func KindOf(err error) ErrorKind {
	var be *BoardError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
