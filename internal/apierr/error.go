// Package apierr defines the error taxonomy shared by all git hosting
// service adapters.
package apierr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConnectionFailed is returned on transport errors and on
	// unexpected API responses. Operations failing with it can be
	// retried.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrTooManyRequests is returned when the API rate limit of the
	// service is exceeded.
	ErrTooManyRequests = errors.New("too many requests")
)

// Error wraps an error returned by a hosting service client together with
// its classification.
// errors.Is(err, ErrNotFound) etc. can be used to check the kind.
type Error struct {
	// Kind is one of ErrNotFound, ErrConnectionFailed, ErrTooManyRequests.
	Kind error
	// Err is the original error
	Err error
}

func NotFound(err error) *Error {
	return &Error{Kind: ErrNotFound, Err: err}
}

func ConnectionFailed(err error) *Error {
	return &Error{Kind: ErrConnectionFailed, Err: err}
}

func TooManyRequests(err error) *Error {
	return &Error{Kind: ErrTooManyRequests, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

// Unwrap only returns Kind, errors.As can not extract provider specific
// error types from the cause.
func (e *Error) Unwrap() error {
	return e.Kind
}

// Is reports whether the cause matches target, this allows checking for
// sentinel errors like context.Canceled.
func (e *Error) Is(target error) bool {
	return e.Err != nil && errors.Is(e.Err, target)
}
