// internal/models/task.go
package models

import "time"

// TaskStatus 后台任务状态
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task 长时间运行操作的快照
type Task struct {
	ID        string      `json:"task_id"`
	Type      string      `json:"type"`
	StoryID   string      `json:"story_id,omitempty"`
	Status    TaskStatus  `json:"status"`
	Progress  float64     `json:"progress"`
	Message   string      `json:"message,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
