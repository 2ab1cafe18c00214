// internal/llm/retry.go
package llm

import (
	"context"
	"math/rand/v2"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
)

// RetryConfig 模型调用的重试配置
type RetryConfig struct {
	// MaxAttempts 最大尝试次数，包含首次调用
	MaxAttempts int

	// BackoffBase 首次退避时长
	BackoffBase time.Duration

	// BackoffMultiplier 每次重试的退避倍数
	BackoffMultiplier float64

	// MaxBackoff 退避上限
	MaxBackoff time.Duration

	// Jitter 为 true 时对退避加入 ±25% 抖动
	Jitter bool
}

// DefaultRetryConfig 默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
		Jitter:            true,
	}
}

// Backoff 计算第 attempt 次失败后的等待时长
func (c RetryConfig) Backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.BackoffBase) * multiplier)
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	if c.Jitter && backoff > 0 {
		jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
		backoff += time.Duration(jitter)
	}
	return backoff
}

// Retry 执行 fn，只有网络错误和限流才会重试，返回尝试次数
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !apperrors.IsTransient(err) || attempt == attempts {
			return zero, attempt, err
		}

		select {
		case <-ctx.Done():
			return zero, attempt, ctx.Err()
		case <-time.After(cfg.Backoff(attempt)):
		}
	}
	return zero, attempts, lastErr
}
