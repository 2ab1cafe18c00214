// internal/api/task_handlers.go
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 15 * time.Second

// ListTasks 列出任务
func (h *Handler) ListTasks(c *gin.Context) {
	h.Response.Success(c, h.Tasks.Tracker().List())
}

// GetTask 轮询任务状态
func (h *Handler) GetTask(c *gin.Context) {
	task, ok := h.Tasks.Tracker().Get(c.Param("taskID"))
	if !ok {
		h.Response.NotFound(c, ErrorTaskNotFound, "任务不存在")
		return
	}
	h.Response.Success(c, task)
}

// CancelTask 取消正在运行的任务
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.Tasks.Tracker().Cancel(c.Param("taskID")); err != nil {
		h.Response.FromError(c, err)
		return
	}
	task, _ := h.Tasks.Tracker().Get(c.Param("taskID"))
	h.Response.Success(c, task, "任务已取消")
}

// SubscribeTask 订阅任务进度的SSE端点，任务结束后关闭连接
func (h *Handler) SubscribeTask(c *gin.Context) {
	taskID := c.Param("taskID")
	tracker := h.Tasks.Tracker()

	updates, ok := tracker.Subscribe(taskID)
	if !ok {
		h.Response.NotFound(c, ErrorTaskNotFound, "任务不存在")
		return
	}
	defer tracker.Unsubscribe(taskID, updates)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			data, _ := json.Marshal(update)
			fmt.Fprintf(c.Writer, "event: progress\ndata: %s\n\n", data)
			c.Writer.Flush()
			if update.Status.IsTerminal() {
				return
			}
		case <-ticker.C:
			fmt.Fprintf(c.Writer, "event: heartbeat\ndata: {\"time\":%d}\n\n", time.Now().Unix())
			c.Writer.Flush()
		}
	}
}
