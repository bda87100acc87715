package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrStepExecution, "step failed").
		WithCause(root).
		WithHTTPStatus(500).
		WithRetryable(true).
		WithErrorType("step_error")

	assert.Equal(t, ErrStepExecution, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "step_error", err.ErrorType)
	assert.Contains(t, err.Error(), "step failed")
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("resolve: %w", NewError(ErrAlreadyResolved, "interrupt already resolved"))

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrAlreadyResolved, e.Code)
	assert.True(t, IsErrorCode(wrapped, ErrAlreadyResolved))
	assert.False(t, IsErrorCode(wrapped, ErrNotFound))
	assert.True(t, errors.Is(wrapped, NewError(ErrAlreadyResolved, "")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrNotCancelable, http.StatusConflict},
		{ErrAlreadyResolved, http.StatusConflict},
		{ErrInvalidResolution, http.StatusUnprocessableEntity},
		{ErrTimeout, http.StatusGatewayTimeout},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrStepExecution, http.StatusInternalServerError},
		{ErrorCode("UNKNOWN"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFor(tt.code))
		})
	}
}
