// internal/llm/failure.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
)

const maxErrorBody = 200

// StatusError 提供者返回的非 2xx 响应
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return fmt.Sprintf("%s API错误(%d): %s", e.Provider, e.StatusCode, body)
}

// NewStatusError 由 HTTP 响应构造错误
func NewStatusError(provider string, statusCode int, body []byte) *StatusError {
	return &StatusError{Provider: provider, StatusCode: statusCode, Body: string(body)}
}

// KindForStatus 将 HTTP 状态码映射为失败类型
func KindForStatus(code int) apperrors.FailureKind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return apperrors.FailureAuth
	case code == http.StatusTooManyRequests:
		return apperrors.FailureRateLimited
	case code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return apperrors.FailureNetwork
	default:
		return apperrors.FailureOther
	}
}

// Classify 将提供者错误转换为 generation_failure，取消错误原样返回
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if apperrors.IsGenerationFailure(err) {
		return err
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		kind := KindForStatus(statusErr.StatusCode)
		return apperrors.NewGenerationFailure(kind, "模型调用失败", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewGenerationFailure(apperrors.FailureNetwork, "模型调用超时", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.NewGenerationFailure(apperrors.FailureNetwork, "无法连接模型服务", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperrors.NewGenerationFailure(apperrors.FailureNetwork, "无法连接模型服务", err)
	}

	return apperrors.NewGenerationFailure(apperrors.FailureOther, "模型调用失败", err)
}
