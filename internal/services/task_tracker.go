// internal/services/task_tracker.go
package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/google/uuid"
)

// 进度检查点
const (
	ProgressStarted   = 0.1
	ProgressValidated = 0.3
	ProgressGenerated = 0.8
	ProgressPersisted = 1.0
)

// TaskUpdate 推送给订阅者的任务快照
type TaskUpdate = models.Task

// TaskFunc 任务主体，通过 progress 报告检查点
type TaskFunc func(ctx context.Context, progress ProgressFunc) (interface{}, error)

// ProgressFunc 报告进度
type ProgressFunc func(p float64, message string)

// taskEntry 单个任务的可变状态
type taskEntry struct {
	mu          sync.Mutex
	task        models.Task
	cancel      context.CancelFunc
	subscribers map[chan TaskUpdate]bool
	done        chan struct{}
}

// TaskTracker 管理长时间运行的后台任务
type TaskTracker struct {
	tasks   map[string]*taskEntry
	mutex   sync.RWMutex
	metrics *utils.MetricsCollector
	logger  *utils.Logger
}

// NewTaskTracker 创建任务跟踪器
func NewTaskTracker(metrics *utils.MetricsCollector) *TaskTracker {
	if metrics == nil {
		metrics = utils.GetMetricsCollector()
	}
	return &TaskTracker{
		tasks:   make(map[string]*taskEntry),
		metrics: metrics,
		logger:  utils.GetLogger(),
	}
}

// Create 创建 pending 任务
func (t *TaskTracker) Create(taskType, storyID string) models.Task {
	now := time.Now().UTC()
	entry := &taskEntry{
		task: models.Task{
			ID:        uuid.NewString(),
			Type:      taskType,
			StoryID:   storyID,
			Status:    models.TaskPending,
			Message:   "任务初始化中...",
			CreatedAt: now,
			UpdatedAt: now,
		},
		subscribers: make(map[chan TaskUpdate]bool),
		done:        make(chan struct{}),
	}

	t.mutex.Lock()
	t.tasks[entry.task.ID] = entry
	t.mutex.Unlock()

	t.metrics.CountTask(taskType, string(models.TaskPending))
	return entry.task
}

// Run 在后台执行任务，timeout 为 0 时不设超时
func (t *TaskTracker) Run(taskID string, timeout time.Duration, fn TaskFunc) error {
	entry, ok := t.entry(taskID)
	if !ok {
		return apperrors.NewNotFoundError("任务不存在: "+taskID, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}

	entry.mu.Lock()
	if entry.task.Status != models.TaskPending {
		entry.mu.Unlock()
		cancel()
		return apperrors.NewConflictError("任务已启动", nil)
	}
	entry.cancel = cancel
	entry.mu.Unlock()

	t.update(entry, func(task *models.Task) {
		task.Status = models.TaskProcessing
		task.Progress = ProgressStarted
		task.Message = "任务已开始"
	})
	t.metrics.TaskStarted()

	go func() {
		defer cancel()
		defer t.metrics.TaskFinished()

		started := time.Now()
		result, err := fn(ctx, func(p float64, message string) {
			t.Progress(taskID, p, message)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
				t.finish(entry, nil, errors.New("cancelled"))
			} else {
				t.finish(entry, nil, err)
			}
		} else {
			t.finish(entry, result, nil)
		}

		snapshot, _ := t.Get(taskID)
		t.logger.Info("task finished", map[string]interface{}{
			"task_id":  taskID,
			"type":     snapshot.Type,
			"story_id": snapshot.StoryID,
			"status":   snapshot.Status,
			"duration": time.Since(started).String(),
		})
	}()
	return nil
}

// Progress 报告进度，进度只增不减，终态任务忽略
func (t *TaskTracker) Progress(taskID string, p float64, message string) {
	entry, ok := t.entry(taskID)
	if !ok {
		return
	}
	t.update(entry, func(task *models.Task) {
		if p > task.Progress {
			task.Progress = min(p, 1.0)
		}
		if message != "" {
			task.Message = message
		}
	})
}

// Get 返回任务快照
func (t *TaskTracker) Get(taskID string) (models.Task, bool) {
	entry, ok := t.entry(taskID)
	if !ok {
		return models.Task{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task, true
}

// List 按创建时间列出任务
func (t *TaskTracker) List() []models.Task {
	t.mutex.RLock()
	entries := make([]*taskEntry, 0, len(t.tasks))
	for _, e := range t.tasks {
		entries = append(entries, e)
	}
	t.mutex.RUnlock()

	out := make([]models.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cancel 取消任务并标记为失败，终态任务不受影响
func (t *TaskTracker) Cancel(taskID string) error {
	entry, ok := t.entry(taskID)
	if !ok {
		return apperrors.NewNotFoundError("任务不存在: "+taskID, nil)
	}

	entry.mu.Lock()
	terminal := entry.task.Status.IsTerminal()
	cancel := entry.cancel
	entry.mu.Unlock()
	if terminal {
		return nil
	}

	t.finish(entry, nil, errors.New("cancelled"))
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait 阻塞直到任务结束或 ctx 取消
func (t *TaskTracker) Wait(ctx context.Context, taskID string) (models.Task, error) {
	entry, ok := t.entry(taskID)
	if !ok {
		return models.Task{}, apperrors.NewNotFoundError("任务不存在: "+taskID, nil)
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return models.Task{}, ctx.Err()
	}
	snapshot, _ := t.Get(taskID)
	return snapshot, nil
}

// Subscribe 订阅任务更新，立即收到当前状态，任务结束后通道关闭
func (t *TaskTracker) Subscribe(taskID string) (chan TaskUpdate, bool) {
	entry, ok := t.entry(taskID)
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// 缓冲区设为10以避免阻塞
	subscriber := make(chan TaskUpdate, 10)
	subscriber <- entry.task
	if entry.task.Status.IsTerminal() {
		close(subscriber)
		return subscriber, true
	}
	entry.subscribers[subscriber] = true
	return subscriber, true
}

// Unsubscribe 取消订阅
func (t *TaskTracker) Unsubscribe(taskID string, subscriber chan TaskUpdate) {
	entry, ok := t.entry(taskID)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.subscribers[subscriber] {
		delete(entry.subscribers, subscriber)
		close(subscriber)
	}
}

// Cleanup 清理超过 maxAge 的终态任务
func (t *TaskTracker) Cleanup(maxAge time.Duration) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range t.tasks {
		entry.mu.Lock()
		old := entry.task.Status.IsTerminal() && now.Sub(entry.task.UpdatedAt) > maxAge
		entry.mu.Unlock()
		if old {
			delete(t.tasks, id)
			removed++
		}
	}
	return removed
}

// StartCleanup 周期性清理，ctx 取消时停止
func (t *TaskTracker) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Cleanup(maxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *TaskTracker) entry(taskID string) (*taskEntry, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	e, ok := t.tasks[taskID]
	return e, ok
}

// update 修改非终态任务并通知订阅者
func (t *TaskTracker) update(entry *taskEntry, mutate func(*models.Task)) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.task.Status.IsTerminal() {
		return
	}
	mutate(&entry.task)
	entry.task.UpdatedAt = time.Now().UTC()
	entry.broadcast()
}

// finish 将任务置为终态，只生效一次
func (t *TaskTracker) finish(entry *taskEntry, result interface{}, err error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.task.Status.IsTerminal() {
		return
	}
	if err != nil {
		entry.task.Status = models.TaskFailed
		entry.task.Error = err.Error()
		entry.task.Message = "任务失败: " + err.Error()
	} else {
		entry.task.Status = models.TaskCompleted
		entry.task.Progress = ProgressPersisted
		entry.task.Result = result
		entry.task.Message = "任务已完成"
	}
	entry.task.UpdatedAt = time.Now().UTC()
	t.metrics.CountTask(entry.task.Type, string(entry.task.Status))

	entry.broadcast()
	for subscriber := range entry.subscribers {
		close(subscriber)
	}
	entry.subscribers = make(map[chan TaskUpdate]bool)
	close(entry.done)
}

// broadcast 非阻塞通知，调用方持有 entry.mu
func (e *taskEntry) broadcast() {
	for subscriber := range e.subscribers {
		select {
		case subscriber <- e.task:
		default:
		}
	}
}
