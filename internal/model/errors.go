package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every classified error matches exactly one of them with
// errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrExecution     = errors.New("execution error")
	ErrTimeout       = errors.New("timeout")
	ErrMove          = errors.New("move error")
)

// Error is a failure classified by Kind.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func ConfigurationError(format string, args ...any) error {
	return newError(ErrConfiguration, format, args...)
}

func ValidationError(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

func AuthorizationError(format string, args ...any) error {
	return newError(ErrAuthorization, format, args...)
}

func ExecutionError(format string, args ...any) error {
	return newError(ErrExecution, format, args...)
}

func TimeoutError(format string, args ...any) error {
	return newError(ErrTimeout, format, args...)
}

func MoveError(format string, args ...any) error {
	return newError(ErrMove, format, args...)
}

// Kind returns a short name of the error kind for logs, "unknown" for
// unclassified errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExecution):
		return "execution"
	case errors.Is(err, ErrMove):
		return "move"
	}
	return "unknown"
}
