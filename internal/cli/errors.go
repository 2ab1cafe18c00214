// internal/cli/errors.go
package cli

import (
	"errors"
	"fmt"
)

// ExitError 携带退出码的命令失败，由 Execute 转换为进程退出码
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewExitError 创建指定退出码的错误
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// IsExitError 提取 ExitError 的退出码
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// ErrNoCurrentStory 没有活动故事
var ErrNoCurrentStory = errors.New("no current story, use 'storyforge new <slug> <idea>' to create one")
