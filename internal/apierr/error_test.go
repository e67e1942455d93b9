package apierr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindsAreDistinguishable(t *testing.T) {
	orig := errors.New("http 404")
	err := fmt.Errorf("fetching branch failed: %w", NotFound(orig))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, orig)
	assert.NotErrorIs(t, err, ErrConnectionFailed)
	assert.NotErrorIs(t, err, ErrTooManyRequests)

	var apiErr *Error
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not found: http 404", apiErr.Error())
}

type providerError struct {
	status int
}

func (e *providerError) Error() string {
	return fmt.Sprintf("status %d", e.status)
}

func TestCauseTypeIsNotExposed(t *testing.T) {
	err := fmt.Errorf("listing failed: %w", ConnectionFailed(fmt.Errorf("request: %w", &providerError{status: 502})))

	var provErr *providerError
	assert.False(t, errors.As(err, &provErr))
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Contains(t, err.Error(), "status 502")
}

func TestContextErrorsAreMatched(t *testing.T) {
	err := ConnectionFailed(fmt.Errorf("get: %w", context.Canceled))

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestErrorWithoutCause(t *testing.T) {
	err := &Error{Kind: ErrTooManyRequests}
	assert.ErrorIs(t, err, ErrTooManyRequests)
	assert.Equal(t, "too many requests", err.Error())
}
