// internal/services/story_tasks.go
package services

import (
	"context"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
)

// 任务类型
const (
	TaskAdvance = "advance"
	TaskRefine  = "refine"
	TaskFanOut  = "fanout"
	TaskAnalyze = "analyze"
	TaskImprove = "improve"
)

// StoryTasks 将编排操作包装为可取消的后台任务
type StoryTasks struct {
	tracker  *TaskTracker
	workflow *WorkflowEngine
	fanout   *FanOutCoordinator
	analysis *AnalysisEngine
	improver *ImprovementCoordinator
	stories  *StoryService
	timeout  time.Duration
}

// NewStoryTasks 创建任务包装器，timeout 为单个任务的最长执行时间
func NewStoryTasks(tracker *TaskTracker, stories *StoryService, workflow *WorkflowEngine, fanout *FanOutCoordinator,
	analysis *AnalysisEngine, improver *ImprovementCoordinator, timeout time.Duration) *StoryTasks {
	return &StoryTasks{
		tracker:  tracker,
		workflow: workflow,
		fanout:   fanout,
		analysis: analysis,
		improver: improver,
		stories:  stories,
		timeout:  timeout,
	}
}

// Tracker 返回任务跟踪器
func (st *StoryTasks) Tracker() *TaskTracker {
	return st.tracker
}

// start 先确认故事存在，再启动任务
func (st *StoryTasks) start(ctx context.Context, taskType, storyID string, fn TaskFunc) (models.Task, error) {
	story, err := st.stories.Get(ctx, storyID)
	if err != nil {
		return models.Task{}, err
	}
	task := st.tracker.Create(taskType, story.ID)
	if err := st.tracker.Run(task.ID, st.timeout, fn); err != nil {
		return models.Task{}, err
	}
	snapshot, _ := st.tracker.Get(task.ID)
	return snapshot, nil
}

// StartAdvance 后台生成下一阶段提案
func (st *StoryTasks) StartAdvance(ctx context.Context, storyID string) (models.Task, error) {
	return st.start(ctx, TaskAdvance, storyID, func(ctx context.Context, progress ProgressFunc) (interface{}, error) {
		progress(ProgressValidated, "正在生成下一阶段")
		proposal, err := st.workflow.Advance(ctx, storyID)
		if err != nil {
			return nil, err
		}
		progress(ProgressGenerated, proposal.Message)
		return proposal, nil
	})
}

// StartRefine 后台精修阶段
func (st *StoryTasks) StartRefine(ctx context.Context, storyID string, stage int, instructions string) (models.Task, error) {
	return st.start(ctx, TaskRefine, storyID, func(ctx context.Context, progress ProgressFunc) (interface{}, error) {
		progress(ProgressValidated, "正在精修阶段")
		proposal, err := st.workflow.Refine(ctx, storyID, stage, instructions)
		if err != nil {
			return nil, err
		}
		progress(ProgressGenerated, proposal.Message)
		return proposal, nil
	})
}

// StartFanOut 后台生成扇出阶段的子项，结果需要单独接受
func (st *StoryTasks) StartFanOut(ctx context.Context, storyID string, stage int, keys []string) (models.Task, error) {
	return st.start(ctx, TaskFanOut, storyID, func(ctx context.Context, progress ProgressFunc) (interface{}, error) {
		progress(ProgressValidated, "正在生成子项")
		result, err := st.fanout.RunKeys(ctx, storyID, stage, keys)
		if err != nil {
			return nil, err
		}
		progress(ProgressGenerated, "子项生成完成")
		return result, nil
	})
}

// StartAnalyze 后台分析故事并保存报告
func (st *StoryTasks) StartAnalyze(ctx context.Context, storyID string) (models.Task, error) {
	return st.start(ctx, TaskAnalyze, storyID, func(ctx context.Context, progress ProgressFunc) (interface{}, error) {
		progress(ProgressValidated, "正在分析故事")
		report, err := st.analysis.Analyze(ctx, storyID)
		if err != nil {
			return nil, err
		}
		progress(ProgressPersisted, "分析报告已保存")
		return report, nil
	})
}

// StartImprove 后台改进场景，selection 为空时按分析报告解析目标
func (st *StoryTasks) StartImprove(ctx context.Context, storyID, selection string) (models.Task, error) {
	return st.start(ctx, TaskImprove, storyID, func(ctx context.Context, progress ProgressFunc) (interface{}, error) {
		report, err := st.analysis.Latest(ctx, storyID)
		if err != nil {
			return nil, err
		}
		scenes, err := st.SelectScenes(ctx, storyID, report, selection)
		if err != nil {
			return nil, err
		}
		progress(ProgressValidated, "正在改进场景")
		result, err := st.improver.Improve(ctx, storyID, scenes, report)
		if err != nil {
			return nil, err
		}
		progress(ProgressPersisted, "场景改进已保存")
		return result, nil
	})
}

// SelectScenes 解析改进目标，无法从报告推导时要求手动选择
func (st *StoryTasks) SelectScenes(ctx context.Context, storyID string, report *models.AnalysisReport, selection string) ([]int, error) {
	story, err := st.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	outlines, err := StoryScenes(story)
	if err != nil {
		return nil, err
	}
	if selection != "" {
		return ParseSelection(selection, outlines)
	}
	scenes, found := Resolve(report, outlines)
	if !found {
		return nil, apperrors.NewValidationError("分析报告没有指向具体场景", nil).
			WithHint(`select scenes manually, e.g. "all", "1,3,5" or "2-4"`)
	}
	return scenes, nil
}
