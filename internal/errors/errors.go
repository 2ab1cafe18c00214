// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 编排相关错误类型
	ErrorTypeNotReady          ErrorType = "not_ready"
	ErrorTypeGeneration        ErrorType = "generation_failure"
	ErrorTypeUnparseable       ErrorType = "unparseable_output"
	ErrorTypeInvalidTarget     ErrorType = "invalid_target"
	ErrorTypeMissingDependency ErrorType = "missing_dependency"
)

// FailureKind 生成失败的细分类型
type FailureKind string

const (
	FailureNetwork     FailureKind = "NetworkError"
	FailureAuth        FailureKind = "AuthError"
	FailureRateLimited FailureKind = "RateLimited"
	FailureOther       FailureKind = "Other"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码

	Kind  FailureKind // 仅 generation_failure 使用
	Stage int         // 出错的阶段，0 表示未知
	Key   string      // 出错的子项键
	Hint  string      // 可操作的修复建议
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := e.Message
	if e.Hint != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Hint)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStage 附加阶段信息
func (e *AppError) WithStage(stage int) *AppError {
	e.Stage = stage
	return e
}

// WithKey 附加子项信息
func (e *AppError) WithKey(key string) *AppError {
	e.Key = key
	return e
}

// WithHint 设置修复建议
func (e *AppError) WithHint(hint string) *AppError {
	e.Hint = hint
	return e
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewNotReadyError 依赖阶段未完成
func NewNotReadyError(message string) *AppError {
	return NewAppError(ErrorTypeNotReady, message, nil)
}

// NewInvalidTargetError 非法的回滚/精修目标
func NewInvalidTargetError(message string) *AppError {
	return NewAppError(ErrorTypeInvalidTarget, message, nil)
}

// NewMissingDependencyError 扇出枚举来源缺失
func NewMissingDependencyError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeMissingDependency, message, originalError)
}

// NewUnparseableError 输出无法解析为期望结构
func NewUnparseableError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeUnparseable, message, originalError)
}

// NewGenerationFailure 创建生成失败错误
func NewGenerationFailure(kind FailureKind, message string, originalError error) *AppError {
	e := NewAppError(ErrorTypeGeneration, message, originalError)
	e.Kind = kind
	e.Hint = defaultHint(kind)
	return e
}

func defaultHint(kind FailureKind) string {
	switch kind {
	case FailureAuth:
		return "check that the API key for the selected model is set"
	case FailureRateLimited:
		return "rate limited by the provider, wait and retry"
	case FailureNetwork:
		return "provider unreachable, check the network and retry"
	default:
		return ""
	}
}

func typeOf(err error) (ErrorType, bool) {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type, true
	}
	return "", false
}

func isType(err error, t ErrorType) bool {
	got, ok := typeOf(err)
	return ok && got == t
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsNotReady 检查是否为依赖未就绪
func IsNotReady(err error) bool { return isType(err, ErrorTypeNotReady) }

// IsInvalidTarget 检查是否为非法目标
func IsInvalidTarget(err error) bool { return isType(err, ErrorTypeInvalidTarget) }

// IsMissingDependency 检查是否为依赖缺失
func IsMissingDependency(err error) bool { return isType(err, ErrorTypeMissingDependency) }

// IsUnparseable 检查是否为无法解析的输出
func IsUnparseable(err error) bool { return isType(err, ErrorTypeUnparseable) }

// IsGenerationFailure 检查是否为生成失败
func IsGenerationFailure(err error) bool { return isType(err, ErrorTypeGeneration) }

// FailureKindOf 返回生成失败的细分类型
func FailureKindOf(err error) (FailureKind, bool) {
	var appError *AppError
	if errors.As(err, &appError) && appError.Type == ErrorTypeGeneration {
		return appError.Kind, true
	}
	return "", false
}

// IsTransient 可自动重试的失败（网络、限流）
func IsTransient(err error) bool {
	kind, ok := FailureKindOf(err)
	return ok && (kind == FailureNetwork || kind == FailureRateLimited)
}

// KindName 返回错误的简短标签，用于批量错误列表
func KindName(err error) string {
	var appError *AppError
	if !errors.As(err, &appError) {
		if err == nil {
			return ""
		}
		return "Error"
	}
	switch appError.Type {
	case ErrorTypeNotReady:
		return "NotReady"
	case ErrorTypeGeneration:
		if appError.Kind != "" {
			return string(appError.Kind)
		}
		return "GenerationFailure"
	case ErrorTypeUnparseable:
		return "UnparseableOutput"
	case ErrorTypeInvalidTarget:
		return "InvalidTarget"
	case ErrorTypeMissingDependency:
		return "MissingDependency"
	case ErrorTypeNotFound:
		return "NotFound"
	case ErrorTypeConflict:
		return "Conflict"
	case ErrorTypeValidation:
		return "Validation"
	case ErrorTypeTimeout:
		return "Timeout"
	default:
		return "Error"
	}
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeNotReady:
		return "NOT_READY"
	case ErrorTypeGeneration:
		return "GENERATION_FAILURE"
	case ErrorTypeUnparseable:
		return "UNPARSEABLE_OUTPUT"
	case ErrorTypeInvalidTarget:
		return "INVALID_TARGET"
	case ErrorTypeMissingDependency:
		return "MISSING_DEPENDENCY"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，保留类型和细节，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError.Err,
			Code:    appError.Code,
			Kind:    appError.Kind,
			Stage:   appError.Stage,
			Key:     appError.Key,
			Hint:    appError.Hint,
		}
	}

	return NewAppError(errType, message, err)
}
