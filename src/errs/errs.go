// Package errs carries classified failures to callers as data.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and presentation decisions.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindAuthentication    Kind = "authentication"
	KindFatalSession      Kind = "fatal_session"
	KindDataInconsistency Kind = "data_inconsistency"
	KindBackend           Kind = "backend"
	KindInvalidArgument   Kind = "invalid_argument"
)

// Status codes reported alongside a Kind when the backend gave none.
const (
	CodeSuccess        = 200
	CodeUnknown        = 500
	CodeConnectError   = 10001
	CodeNoUserID       = 10002
	CodeLoginExpired   = 10003
	CodeNoConversation = 10004
	CodeParams         = 10008
	CodeLoginError     = 10103
)

// Error is a classified failure.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

// New builds an Error.
func New(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, code int, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Invalid reports a failed precondition.
func Invalid(format string, args ...any) *Error {
	return Newf(KindInvalidArgument, CodeParams, format, args...)
}

// NotLoggedIn is returned by operations that need a session.
func NotLoggedIn() *Error {
	return New(KindAuthentication, CodeLoginExpired, "not logged in")
}

// From classifies an arbitrary error. Errors that are already classified
// are returned unchanged; anything else is treated as a network failure.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(KindNetwork, CodeUnknown, err.Error())
}

// IsKind reports whether err is an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
