// internal/cli/root.go
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Corphon/StoryForge/internal/app"
	"github.com/Corphon/StoryForge/internal/config"
	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/spf13/cobra"
)

// App 命令共享的依赖，每次执行命令时按设置初始化
type App struct {
	Settings *config.CLISettings
	Services *app.Services
	State    *StateStore
	Prompter *Prompter
	Out      io.Writer
	ErrOut   io.Writer

	configPath string
	opts       []services.GenerationOption
}

// NewApp 创建命令行应用，opts 传给生成客户端
func NewApp(in io.Reader, out, errOut io.Writer, opts ...services.GenerationOption) *App {
	return &App{
		Prompter: NewPrompter(in, out),
		Out:      out,
		ErrOut:   errOut,
		opts:     opts,
	}
}

// NewRootCommand 构建 storyforge 根命令
func NewRootCommand(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "storyforge",
		Short: "Grow a one-line story idea into a full manuscript, stage by stage",
		Long: `storyforge develops a story through ten stages, from a one-sentence
summary to written chapters. Each generated stage is shown for review
before it is saved, and the active story is remembered between commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "settings file (default ./storyforge.yaml)")
	flags.String("data-dir", "", "directory for story files")
	flags.String("backend", "", "storage backend: file or sqlite")
	flags.String("db", "", "sqlite database path")
	flags.String("model", "", "model for this run, e.g. openai/gpt-4o-mini")
	flags.String("state-dir", "", "directory for the active story and saved settings")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Int("concurrency", 0, "parallel generations for fan-out stages")

	root.SetOut(a.Out)
	root.SetErr(a.ErrOut)

	root.AddCommand(
		newNewCommand(a),
		newListCommand(a),
		newSwitchCommand(a),
		newCurrentCommand(a),
		newStatusCommand(a),
		newDeleteCommand(a),
		newStyleCommand(a),
		newNextCommand(a),
		newFanOutCommand(a),
		newRefineCommand(a),
		newEditCommand(a),
		newRollbackCommand(a),
		newAnalyzeCommand(a),
		newImproveCommand(a),
		newWriteCommand(a),
		newSetModelCommand(a),
		newSetKeyCommand(a),
		newModelsCommand(a),
	)
	return root
}

// Execute 运行命令行并返回进程退出码
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewApp(os.Stdin, os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
}

// Run 执行一次命令，相当于一次进程调用
func (a *App) Run(ctx context.Context, args []string) int {
	root := NewRootCommand(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if closeErr := a.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err == nil {
		return 0
	}
	if code, ok := IsExitError(err); ok {
		return code
	}
	fmt.Fprintln(a.ErrOut, renderError(err))
	return 1
}

func (a *App) setup(cmd *cobra.Command) error {
	if a.Services != nil {
		return nil
	}
	settings, err := config.LoadCLISettings(cmd.Flags(), a.configPath)
	if err != nil {
		return err
	}
	base, err := config.Load()
	if err != nil {
		return err
	}
	utils.GetLogger().SetLogLevel(utils.ParseLogLevel(settings.LogLevel))

	if err := config.InitConfigFrom(settings.ToConfig(base), settings.StateDir); err != nil {
		return fmt.Errorf("init config: %w", err)
	}
	cfg := config.GetCurrentConfig()
	cfg.DataDir = settings.DataDir

	svc, err := app.NewServices(cfg, a.opts...)
	if err != nil {
		return err
	}
	a.Settings = settings
	a.Services = svc
	a.State = NewStateStore(settings.StateDir)
	return nil
}

// Close 释放本次执行打开的服务
func (a *App) Close() error {
	if a.Services == nil {
		return nil
	}
	err := a.Services.Close()
	a.Services = nil
	return err
}

// currentStory 读取活动故事，故事已被删除时清除状态
func (a *App) currentStory(ctx context.Context) (*models.Story, error) {
	state, err := a.State.Load()
	if err != nil {
		return nil, err
	}
	if state.CurrentStory == "" {
		return nil, ErrNoCurrentStory
	}
	story, err := a.Services.Stories.Get(ctx, state.CurrentStory)
	if apperrors.IsNotFoundError(err) {
		_ = a.State.Clear()
		return nil, ErrNoCurrentStory
	}
	return story, err
}

func (a *App) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.Out, format, args...)
}

func (a *App) println(s string) {
	fmt.Fprintln(a.Out, s)
}
