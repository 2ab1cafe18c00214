// internal/errors/errors_test.go
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindName(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not ready", NewNotReadyError("stage 3 missing"), "NotReady"},
		{"unparseable", NewUnparseableError("bad json", nil), "UnparseableOutput"},
		{"invalid target", NewInvalidTargetError("rollback to 9"), "InvalidTarget"},
		{"missing dependency", NewMissingDependencyError("no scenes", nil), "MissingDependency"},
		{"rate limited", NewGenerationFailure(FailureRateLimited, "429", nil), "RateLimited"},
		{"auth", NewGenerationFailure(FailureAuth, "401", nil), "AuthError"},
		{"wrapped", fmt.Errorf("scene 2: %w", NewUnparseableError("x", nil)), "UnparseableOutput"},
		{"plain", errors.New("boom"), "Error"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindName(tt.err))
		})
	}
}

func TestGenerationFailureHint(t *testing.T) {
	err := NewGenerationFailure(FailureAuth, "provider rejected the request", nil)

	assert.True(t, IsGenerationFailure(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "API key")
	assert.Equal(t, "GENERATION_FAILURE", err.Code)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewGenerationFailure(FailureNetwork, "dial", nil)))
	assert.True(t, IsTransient(NewGenerationFailure(FailureRateLimited, "429", nil)))
	assert.False(t, IsTransient(NewGenerationFailure(FailureOther, "500", nil)))
	assert.False(t, IsTransient(NewNotReadyError("x")))
}

func TestWrapErrorKeepsType(t *testing.T) {
	base := NewGenerationFailure(FailureRateLimited, "slow down", nil).WithStage(4)
	wrapped := WrapError(base, "advance", ErrorTypeError)

	kind, ok := FailureKindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, FailureRateLimited, kind)

	var appErr *AppError
	assert.True(t, errors.As(wrapped, &appErr))
	assert.Equal(t, 4, appErr.Stage)
	assert.Contains(t, appErr.Message, "advance")

	assert.Nil(t, WrapError(nil, "x", ErrorTypeError))
	assert.True(t, IsNotFoundError(WrapError(errors.New("gone"), "load", ErrorTypeNotFound)))
}
