// internal/api/error_codes.go
package api

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorUnauthorized  = "UNAUTHORIZED"
	ErrorCancelled     = "CANCELLED"

	// 故事相关错误
	ErrorStoryNotFound = "STORY_NOT_FOUND"
	ErrorTaskNotFound  = "TASK_NOT_FOUND"

	// 编排相关错误
	ErrorNotReady          = "NOT_READY"
	ErrorInvalidTarget     = "INVALID_TARGET"
	ErrorMissingDependency = "MISSING_DEPENDENCY"
	ErrorUnparseable       = "UNPARSEABLE_OUTPUT"

	// 模型相关错误
	ErrorAPIKeyMissing     = "API_KEY_MISSING"
	ErrorRateLimited       = "RATE_LIMITED"
	ErrorGenerationFailed  = "GENERATION_FAILED"
	ErrorRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// statusFor 将应用错误映射为 HTTP 状态码和错误代码
func statusFor(err error) (int, string) {
	if errors.Is(err, context.Canceled) {
		// nginx 的 499，客户端已离开
		return 499, ErrorCancelled
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorInternalError
	}

	switch appErr.Type {
	case apperrors.ErrorTypeNotReady:
		return http.StatusConflict, ErrorNotReady
	case apperrors.ErrorTypeInvalidTarget:
		return http.StatusBadRequest, ErrorInvalidTarget
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorBadRequest
	case apperrors.ErrorTypeMissingDependency:
		return http.StatusFailedDependency, ErrorMissingDependency
	case apperrors.ErrorTypeUnparseable:
		return http.StatusUnprocessableEntity, ErrorUnparseable
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, ErrorConflict
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, ErrorGenerationFailed
	case apperrors.ErrorTypeGeneration:
		switch appErr.Kind {
		case apperrors.FailureAuth:
			return http.StatusUnauthorized, ErrorAPIKeyMissing
		case apperrors.FailureRateLimited:
			return http.StatusTooManyRequests, ErrorRateLimited
		default:
			return http.StatusBadGateway, ErrorGenerationFailed
		}
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}
