// internal/api/router.go
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/Corphon/StoryForge/internal/config"
	"github.com/Corphon/StoryForge/internal/di"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gin-gonic/gin"
)

// 生成类端点每个客户端每分钟的请求上限
const generationRateLimit = 30

// NewHandler 从容器中取出服务创建处理器
func NewHandler(container *di.Container) (*Handler, error) {
	h := &Handler{Response: NewResponseHelper()}
	var err error
	if h.Stories, err = di.Resolve[*services.StoryService](container, "stories"); err != nil {
		return nil, err
	}
	if h.Workflow, err = di.Resolve[*services.WorkflowEngine](container, "workflow"); err != nil {
		return nil, err
	}
	if h.FanOut, err = di.Resolve[*services.FanOutCoordinator](container, "fanout"); err != nil {
		return nil, err
	}
	if h.Analysis, err = di.Resolve[*services.AnalysisEngine](container, "analysis"); err != nil {
		return nil, err
	}
	if h.Chapters, err = di.Resolve[*services.ChapterService](container, "chapters"); err != nil {
		return nil, err
	}
	if h.Tasks, err = di.Resolve[*services.StoryTasks](container, "tasks"); err != nil {
		return nil, err
	}
	return h, nil
}

// SetupRouter 配置HTTP路由，ctx 结束时停止限流器的清理协程
func SetupRouter(ctx context.Context, container *di.Container) (*gin.Engine, error) {
	handler, err := NewHandler(container)
	if err != nil {
		return nil, fmt.Errorf("创建处理器失败: %w", err)
	}
	metrics, err := di.Resolve[*utils.MetricsCollector](container, "metrics")
	if err != nil {
		return nil, err
	}

	cfg := config.GetCurrentConfig()
	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(utils.GetLogger()), corsMiddleware())

	limiter := NewRateLimiter(ctx, generationRateLimit, time.Minute)
	generation := limiter.Middleware()

	r.GET("/health", handler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// 章节流
	r.GET("/ws/stories/:id/chapters/:n", generation, handler.StreamChapter)

	api := r.Group("/api")
	{
		api.GET("/stages", handler.ListStages)

		// ===============================
		// 故事相关路由
		// ===============================
		stories := api.Group("/stories")
		{
			stories.POST("", generation, handler.CreateStory)
			stories.GET("", handler.ListStories)
			stories.GET("/:id", handler.GetStory)
			stories.DELETE("/:id", handler.DeleteStory)
			stories.PUT("/:id/writing-style", handler.SetWritingStyle)

			stories.POST("/:id/advance", generation, handler.AdvanceStory)
			stories.POST("/:id/accept", handler.AcceptProposal)
			stories.POST("/:id/refine", generation, handler.RefineStage)
			stories.PUT("/:id/stages/:stage", handler.CommitStage)
			stories.POST("/:id/rollback", handler.RollbackStory)

			stories.POST("/:id/fanout/:stage", generation, handler.RunFanOut)
			stories.POST("/:id/fanout/:stage/accept", handler.AcceptFanOut)

			stories.POST("/:id/analyze", generation, handler.AnalyzeStory)
			stories.GET("/:id/analysis", handler.GetAnalysis)
			stories.POST("/:id/improve", generation, handler.ImproveScenes)
		}

		// ===============================
		// 任务相关路由
		// ===============================
		tasks := api.Group("/tasks")
		{
			tasks.GET("", handler.ListTasks)
			tasks.GET("/:taskID", handler.GetTask)
			tasks.GET("/:taskID/events", handler.SubscribeTask)
			tasks.POST("/:taskID/cancel", handler.CancelTask)
		}
	}

	return r, nil
}
