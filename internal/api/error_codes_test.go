// internal/api/error_codes_test.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not ready", apperrors.NewNotReadyError("x"), http.StatusConflict, ErrorNotReady},
		{"invalid target", apperrors.NewInvalidTargetError("x"), http.StatusBadRequest, ErrorInvalidTarget},
		{"validation", apperrors.NewValidationError("x", nil), http.StatusBadRequest, ErrorBadRequest},
		{"missing dependency", apperrors.NewMissingDependencyError("x", nil), http.StatusFailedDependency, ErrorMissingDependency},
		{"unparseable", apperrors.NewUnparseableError("x", nil), http.StatusUnprocessableEntity, ErrorUnparseable},
		{"auth", apperrors.NewGenerationFailure(apperrors.FailureAuth, "x", nil), http.StatusUnauthorized, ErrorAPIKeyMissing},
		{"rate limited", apperrors.NewGenerationFailure(apperrors.FailureRateLimited, "x", nil), http.StatusTooManyRequests, ErrorRateLimited},
		{"network", apperrors.NewGenerationFailure(apperrors.FailureNetwork, "x", nil), http.StatusBadGateway, ErrorGenerationFailed},
		{"other", apperrors.NewGenerationFailure(apperrors.FailureOther, "x", nil), http.StatusBadGateway, ErrorGenerationFailed},
		{"not found", apperrors.NewNotFoundError("x", nil), http.StatusNotFound, ErrorNotFound},
		{"conflict", apperrors.NewConflictError("x", nil), http.StatusConflict, ErrorConflict},
		{"wrapped", fmt.Errorf("outer: %w", apperrors.NewNotReadyError("x")), http.StatusConflict, ErrorNotReady},
		{"plain", errors.New("boom"), http.StatusInternalServerError, ErrorInternalError},
		{"cancelled", context.Canceled, 499, ErrorCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "stage 3 not ready", sanitizeErrorMessage("stage 3 not ready"))
	assert.Equal(t, "An internal error occurred", sanitizeErrorMessage("401: invalid key sk-abc123"))
}
