// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gin-gonic/gin"
)

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Stage   int    `json:"stage,omitempty"`
	Key     string `json:"key,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct {
	logger *utils.Logger
}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{logger: utils.GetLogger()}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusOK, data, message...)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusCreated, data, message...)
}

// Accepted 后台任务已启动
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusAccepted, data, message...)
}

func (rh *ResponseHelper) respond(c *gin.Context, status int, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: c.GetString(requestIDKey),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(status, response)
}

var apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{4,}`)

// sanitizeErrorMessage 去掉可能泄露密钥的错误信息
func sanitizeErrorMessage(message string) string {
	if apiKeyPattern.MatchString(message) {
		return "An internal error occurred"
	}
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key=", "bearer ", "secret"} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string) {
	rh.write(c, statusCode, &APIError{Code: errorCode, Message: sanitizeErrorMessage(message)})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, code, message string) {
	rh.Error(c, http.StatusNotFound, code, message)
}

// FromError 按错误类型选择状态码，附带阶段、子项和修复建议
func (rh *ResponseHelper) FromError(c *gin.Context, err error) {
	status, code := statusFor(err)
	apiErr := &APIError{
		Code:    code,
		Kind:    apperrors.KindName(err),
		Message: sanitizeErrorMessage(err.Error()),
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		apiErr.Message = sanitizeErrorMessage(appErr.Message)
		apiErr.Stage = appErr.Stage
		apiErr.Key = appErr.Key
		apiErr.Hint = appErr.Hint
		if appErr.Type == apperrors.ErrorTypeNotFound && strings.HasSuffix(c.FullPath(), "/stories/:id") {
			apiErr.Code = ErrorStoryNotFound
		}
	}

	if status >= http.StatusInternalServerError {
		rh.logger.Error("request failed", map[string]interface{}{
			"path":       c.Request.URL.Path,
			"request_id": c.GetString(requestIDKey),
			"error":      err.Error(),
		})
	}
	rh.write(c, status, apiErr)
}

func (rh *ResponseHelper) write(c *gin.Context, status int, apiErr *APIError) {
	c.JSON(status, &APIResponse{
		Success:   false,
		Error:     apiErr,
		Timestamp: time.Now(),
		RequestID: c.GetString(requestIDKey),
	})
}
