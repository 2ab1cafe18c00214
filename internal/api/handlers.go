// internal/api/handlers.go
package api

import (
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	Stories  *services.StoryService      // 故事存取
	Workflow *services.WorkflowEngine    // 阶段推进
	FanOut   *services.FanOutCoordinator // 扇出阶段
	Analysis *services.AnalysisEngine    // 分析报告
	Chapters *services.ChapterService    // 章节流式生成
	Tasks    *services.StoryTasks        // 后台任务
	Response *ResponseHelper             // 响应助手
}

// CreateStoryRequest 创建故事的请求结构
type CreateStoryRequest struct {
	Idea         string `json:"idea" binding:"required"`
	Slug         string `json:"slug"`
	WritingStyle string `json:"writing_style"`
}

// RefineRequest 精修阶段的请求结构
type RefineRequest struct {
	Stage        int    `json:"stage"` // 0 表示当前阶段
	Instructions string `json:"instructions" binding:"required"`
}

// CommitRequest 直接写入阶段内容的请求结构
type CommitRequest struct {
	Content string `json:"content" binding:"required"`
}

// RollbackRequest 回滚请求结构
type RollbackRequest struct {
	Target int `json:"target" binding:"required"`
}

// FanOutRequest 扇出生成请求，keys 为空时生成全部子项
type FanOutRequest struct {
	Keys []string `json:"keys"`
}

// FanOutAcceptRequest 接受扇出子项的请求结构
type FanOutAcceptRequest struct {
	Items map[string]models.SubItem `json:"items" binding:"required"`
}

// ImproveRequest 改进请求，selection 为空时按分析报告解析目标
type ImproveRequest struct {
	Selection string `json:"selection"`
}

// WritingStyleRequest 设置写作风格
type WritingStyleRequest struct {
	WritingStyle string `json:"writing_style"`
}

// StoryResponse 故事及其进度
type StoryResponse struct {
	Story  *models.Story         `json:"story"`
	Status *services.StoryStatus `json:"status"`
}

// bind 解析 JSON 请求体，失败时写入 400 响应
func (h *Handler) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.Response.BadRequest(c, "无效的请求参数: "+err.Error())
		return false
	}
	return true
}

// stageParam 解析路径中的阶段编号
func (h *Handler) stageParam(c *gin.Context) (int, bool) {
	stage, err := strconv.Atoi(c.Param("stage"))
	if err != nil || stage < 1 {
		h.Response.FromError(c, apperrors.NewInvalidTargetError("无效的阶段编号: "+c.Param("stage")))
		return 0, false
	}
	return stage, true
}

// ListStages 返回阶段定义
func (h *Handler) ListStages(c *gin.Context) {
	h.Response.Success(c, h.Workflow.Registry().All())
}

// CreateStory 创建故事并生成第 1 阶段
func (h *Handler) CreateStory(c *gin.Context) {
	var req CreateStoryRequest
	if !h.bind(c, &req) {
		return
	}

	story, err := h.Workflow.CreateStory(c.Request.Context(), req.Slug, req.Idea)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	if style := strings.TrimSpace(req.WritingStyle); style != "" {
		if story, err = h.Stories.SetWritingStyle(c.Request.Context(), story.ID, style); err != nil {
			h.Response.FromError(c, err)
			return
		}
	}
	h.Response.Created(c, story, "故事已创建")
}

// ListStories 列出所有故事
func (h *Handler) ListStories(c *gin.Context) {
	summaries, err := h.Stories.List(c.Request.Context())
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, summaries)
}

// GetStory 通过 ID 或 slug 获取故事
func (h *Handler) GetStory(c *gin.Context) {
	story, err := h.Stories.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	status, err := h.Workflow.Status(c.Request.Context(), story.ID)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, StoryResponse{Story: story, Status: status})
}

// DeleteStory 删除故事
func (h *Handler) DeleteStory(c *gin.Context) {
	if err := h.Stories.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, nil, "故事已删除")
}

// SetWritingStyle 设置章节写作风格
func (h *Handler) SetWritingStyle(c *gin.Context) {
	var req WritingStyleRequest
	if !h.bind(c, &req) {
		return
	}
	story, err := h.Stories.SetWritingStyle(c.Request.Context(), c.Param("id"), req.WritingStyle)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, story)
}

// AdvanceStory 启动生成下一阶段的任务
func (h *Handler) AdvanceStory(c *gin.Context) {
	task, err := h.Tasks.StartAdvance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Accepted(c, task, "任务已启动")
}

// AcceptProposal 接受提案并写入下一阶段
func (h *Handler) AcceptProposal(c *gin.Context) {
	var proposal services.Proposal
	if !h.bind(c, &proposal) {
		return
	}
	story, err := h.Workflow.Accept(c.Request.Context(), c.Param("id"), proposal)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, story, "提案已接受")
}

// RefineStage 启动精修任务
func (h *Handler) RefineStage(c *gin.Context) {
	var req RefineRequest
	if !h.bind(c, &req) {
		return
	}
	task, err := h.Tasks.StartRefine(c.Request.Context(), c.Param("id"), req.Stage, req.Instructions)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Accepted(c, task, "任务已启动")
}

// CommitStage 直接写入阶段内容，丢弃之后的阶段
func (h *Handler) CommitStage(c *gin.Context) {
	stage, ok := h.stageParam(c)
	if !ok {
		return
	}
	var req CommitRequest
	if !h.bind(c, &req) {
		return
	}
	story, err := h.Workflow.Commit(c.Request.Context(), c.Param("id"), stage, req.Content)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, story, "阶段已保存")
}

// RollbackStory 回滚到目标阶段
func (h *Handler) RollbackStory(c *gin.Context) {
	var req RollbackRequest
	if !h.bind(c, &req) {
		return
	}
	story, err := h.Workflow.Rollback(c.Request.Context(), c.Param("id"), req.Target)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, story, "已回滚")
}

// RunFanOut 启动扇出生成任务
func (h *Handler) RunFanOut(c *gin.Context) {
	stage, ok := h.stageParam(c)
	if !ok {
		return
	}
	var req FanOutRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	task, err := h.Tasks.StartFanOut(c.Request.Context(), c.Param("id"), stage, req.Keys)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Accepted(c, task, "任务已启动")
}

// AcceptFanOut 合并已审阅的子项
func (h *Handler) AcceptFanOut(c *gin.Context) {
	stage, ok := h.stageParam(c)
	if !ok {
		return
	}
	var req FanOutAcceptRequest
	if !h.bind(c, &req) {
		return
	}
	story, err := h.FanOut.Accept(c.Request.Context(), c.Param("id"), stage, req.Items)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, story, "子项已保存")
}

// AnalyzeStory 启动分析任务
func (h *Handler) AnalyzeStory(c *gin.Context) {
	task, err := h.Tasks.StartAnalyze(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Accepted(c, task, "任务已启动")
}

// GetAnalysis 返回最近一次分析报告
func (h *Handler) GetAnalysis(c *gin.Context) {
	report, err := h.Analysis.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Success(c, report)
}

// ImproveScenes 启动场景改进任务
func (h *Handler) ImproveScenes(c *gin.Context) {
	var req ImproveRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	task, err := h.Tasks.StartImprove(c.Request.Context(), c.Param("id"), req.Selection)
	if err != nil {
		h.Response.FromError(c, err)
		return
	}
	h.Response.Accepted(c, task, "任务已启动")
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"stages": h.Workflow.Registry().Last(),
		"tasks":  len(h.Tasks.Tracker().List()),
	})
}
