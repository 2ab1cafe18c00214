// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/StoryForge/internal/api"
	"github.com/Corphon/StoryForge/internal/config"
	"github.com/Corphon/StoryForge/internal/di"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/storage/sqlite"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gin-gonic/gin"

	// 注册模型提供者
	_ "github.com/Corphon/StoryForge/internal/llm/providers/anthropic"
	_ "github.com/Corphon/StoryForge/internal/llm/providers/openai"
)

const taskCleanupInterval = 5 * time.Minute

// Services 一组连接好的编排服务
type Services struct {
	Store    storage.StoryStore
	Locks    *services.LockManager
	Registry *services.StageRegistry
	Client   *services.GenerationClient
	Stories  *services.StoryService
	Workflow *services.WorkflowEngine
	FanOut   *services.FanOutCoordinator
	Analysis *services.AnalysisEngine
	Improver *services.ImprovementCoordinator
	Chapters *services.ChapterService
	Tracker  *services.TaskTracker
	Tasks    *services.StoryTasks
	Metrics  *utils.MetricsCollector
}

// OpenStore 按配置的后端打开存储
func OpenStore(cfg *config.AppConfig) (storage.StoryStore, error) {
	switch cfg.StorageBackend {
	case "", "file":
		return storage.NewFileStorage(cfg.DataDir)
	case "sqlite":
		path := cfg.DatabasePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "storyforge.db")
		}
		return sqlite.Open(path)
	default:
		return nil, fmt.Errorf("未知的存储后端: %s", cfg.StorageBackend)
	}
}

// NewServices 按依赖顺序创建所有服务
func NewServices(cfg *config.AppConfig, opts ...services.GenerationOption) (*Services, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	registry, err := services.NewStageRegistry()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	metrics := utils.GetMetricsCollector()
	opts = append([]services.GenerationOption{services.WithMetrics(metrics)}, opts...)

	s := &Services{
		Store:    store,
		Locks:    services.NewLockManager(),
		Registry: registry,
		Client:   services.NewGenerationClient(registry, opts...),
		Metrics:  metrics,
	}
	s.Stories = services.NewStoryService(store, s.Locks)
	s.Workflow = services.NewWorkflowEngine(s.Stories, registry, s.Client)
	s.FanOut = services.NewFanOutCoordinator(s.Stories, registry, s.Client, cfg.FanOutConcurrency)
	s.Analysis = services.NewAnalysisEngine(s.Stories, registry, s.Client)
	s.Improver = services.NewImprovementCoordinator(s.Stories, registry, s.Client, cfg.FanOutConcurrency)
	s.Chapters = services.NewChapterService(s.Stories, registry, s.Client)
	s.Tracker = services.NewTaskTracker(metrics)
	s.Tasks = services.NewStoryTasks(s.Tracker, s.Stories, s.Workflow, s.FanOut, s.Analysis, s.Improver, cfg.GenerationTimeout)
	return s, nil
}

// Register 把服务注册到容器
func (s *Services) Register(container *di.Container) {
	container.Register("store", s.Store)
	container.Register("registry", s.Registry)
	container.Register("client", s.Client)
	container.Register("stories", s.Stories)
	container.Register("workflow", s.Workflow)
	container.Register("fanout", s.FanOut)
	container.Register("analysis", s.Analysis)
	container.Register("improver", s.Improver)
	container.Register("chapters", s.Chapters)
	container.Register("tasks", s.Tasks)
	container.Register("metrics", s.Metrics)
}

// Close 释放锁管理器和存储
func (s *Services) Close() error {
	s.Locks.Stop()
	return s.Store.Close()
}

// App 服务进程
type App struct {
	config    *config.AppConfig
	container *di.Container
	services  *Services
	router    *gin.Engine
	ctx       context.Context
	cancel    context.CancelFunc
}

var (
	instance *App
	appOnce  sync.Once
)

// GetApp 获取应用单例
func GetApp() *App {
	appOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		instance = &App{container: di.GetContainer(), ctx: ctx, cancel: cancel}
	})
	return instance
}

// InitServices 初始化日志、配置、服务和路由
func (a *App) InitServices(base *config.Config) error {
	logger := utils.GetLogger()
	logger.SetLogLevel(utils.ParseLogLevel(base.LogLevel))
	if err := utils.InitLogger(filepath.Join(base.LogDir, "storyforge.log")); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	if err := os.MkdirAll(base.DataDir, 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := config.InitConfigFrom(base, base.DataDir); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}
	a.config = config.GetCurrentConfig()

	svc, err := NewServices(a.config)
	if err != nil {
		return err
	}
	a.services = svc
	svc.Register(a.container)
	svc.Tracker.StartCleanup(a.ctx, taskCleanupInterval, a.config.TaskRetention)

	router, err := api.SetupRouter(a.ctx, a.container)
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	a.router = router

	logger.Info("services initialized", map[string]interface{}{
		"backend":   a.config.StorageBackend,
		"model":     a.config.DefaultModel,
		"providers": llm.ListProviders(),
		"services":  a.container.GetNames(),
	})
	return nil
}

// Router 返回 HTTP 路由
func (a *App) Router() *gin.Engine {
	return a.router
}

// Run 启动 HTTP 服务，收到中断信号后优雅关闭
func (a *App) Run() error {
	if a.router == nil {
		return errors.New("应用尚未初始化")
	}
	logger := utils.GetLogger()
	srv := &http.Server{
		Addr:              ":" + a.config.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", map[string]interface{}{"port": a.config.Port})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("启动服务器失败: %w", err)
		}
	case <-quit:
		logger.Info("shutting down", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("服务器强制关闭: %w", err)
	}
	return nil
}

// Cleanup 停止后台协程并关闭存储
func (a *App) Cleanup() {
	a.cancel()
	if a.services != nil {
		if err := a.services.Close(); err != nil {
			utils.GetLogger().Warn("close services", map[string]interface{}{"error": err.Error()})
		}
	}
	_ = utils.GetLogger().Close()
}
