package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can tell "fix your input",
// "will retry automatically", and "needs operator escalation" apart.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindForbidden        ErrorKind = "forbidden"
	KindConflict         ErrorKind = "conflict"
	KindPlatform         ErrorKind = "platform"
	KindExhaustedRetries ErrorKind = "exhausted_retries"
)

type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is (or wraps) a service error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func validationErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func forbiddenErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

func conflictErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func platformErr(msg string, err error) *Error {
	return &Error{Kind: KindPlatform, Msg: msg, Err: err}
}

func exhaustedErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindExhaustedRetries, Msg: fmt.Sprintf(format, args...)}
}
