// internal/services/analysis_engine.go
package services

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
)

const analysisInstruction = `Analyze the complete story development below as an experienced developmental editor.
Return a JSON object with these keys:
  "pov_analysis": {"distribution": {character: scene_count}, "balance_issues": [], "missing_perspectives": []},
  "character_analysis": {"consistency_issues": [], "underdeveloped": [], "arc_gaps": []},
  "subplot_analysis": {"threads": [], "dropped_threads": [], "integration_issues": []},
  "story_structure": {"pacing_issues": [], "act_balance": "", "turning_points": []},
  "consistency_checks": {"continuity_errors": [], "timeline_issues": [], "world_rules": []},
  "completeness_analysis": {"unresolved_threads": [], "missing_scenes": [], "character_motivations": [], "thematic_coherence": ""},
  "recommendations": {"high_priority": [], "medium_priority": [], "low_priority": [],
    "scene_improvements": [{"scene_number": 0, "priority": "high|medium|low", "issue": "", "suggestion": ""}]},
  "overall_assessment": {"strengths": [], "weaknesses": [], "readiness_score": 0.0, "key_strengths": [], "improvement_areas": []}
When a recommendation concerns a particular scene, write "Scene N" in the text.`

// AnalysisEngine 对完成的故事做整体分析
type AnalysisEngine struct {
	stories  *StoryService
	registry *StageRegistry
	client   *GenerationClient
	logger   *utils.Logger
	now      func() time.Time
}

// NewAnalysisEngine 创建分析引擎
func NewAnalysisEngine(stories *StoryService, registry *StageRegistry, client *GenerationClient) *AnalysisEngine {
	return &AnalysisEngine{
		stories:  stories,
		registry: registry,
		client:   client,
		logger:   utils.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Analyze 生成分析报告并覆盖之前保存的报告
func (a *AnalysisEngine) Analyze(ctx context.Context, storyID string) (*models.AnalysisReport, error) {
	story, err := a.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	current := story.CurrentStage()
	if current < AnalysisRequiredStage {
		return nil, apperrors.NewNotReadyError(fmt.Sprintf("分析需要先完成阶段 %d (%s)，当前为阶段 %d",
			AnalysisRequiredStage, a.registry.Name(AnalysisRequiredStage), current)).WithStage(AnalysisRequiredStage)
	}

	started := time.Now()
	result, err := a.client.Generate(ctx, GenerationRequest{
		Stage:       current,
		Context:     BuildContext(story, a.registry, current),
		Expect:      ExpectStructured,
		Instruction: analysisInstruction,
	})
	if err != nil {
		return nil, err
	}

	var report models.AnalysisReport
	if _, err := llm.UnmarshalRepaired(result.Text, &report); err != nil {
		return nil, err
	}
	report.AnalyzedAt = a.now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.stories.SaveAnalysis(ctx, story.ID, &report); err != nil {
		return nil, err
	}

	a.logger.Info("story analyzed", map[string]interface{}{
		"story_id":        story.ID,
		"stage":           current,
		"high_priority":   len(report.Recommendations.HighPriority),
		"medium_priority": len(report.Recommendations.MediumPriority),
		"duration":        time.Since(started).String(),
	})
	return &report, nil
}

// Latest 返回最近一次分析报告
func (a *AnalysisEngine) Latest(ctx context.Context, storyID string) (*models.AnalysisReport, error) {
	return a.stories.LoadAnalysis(ctx, storyID)
}
