// internal/services/improvement_coordinator.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Corphon/StoryForge/internal/config"
	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
	"golang.org/x/sync/errgroup"
)

// 指导文本中的标签
const (
	TagSpecific  = "SPECIFIC"
	TagCharacter = "CHARACTER"
	TagThematic  = "THEMATIC"
	TagGeneral   = "GENERAL"
)

const genericGuidance = "Strengthen this scene: sharpen the conflict, deepen the POV character's motivation and make every beat move the story forward."

var guidanceStopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "because": true, "been": true,
	"before": true, "being": true, "between": true, "could": true, "does": true, "each": true,
	"from": true, "have": true, "into": true, "more": true, "most": true, "much": true,
	"need": true, "needs": true, "only": true, "other": true, "over": true, "should": true,
	"some": true, "story": true, "than": true, "that": true, "their": true, "them": true,
	"then": true, "there": true, "these": true, "they": true, "this": true, "those": true,
	"very": true, "were": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "with": true, "would": true, "your": true, "scene": true, "scenes": true,
}

// ImprovementResult 一批场景改进的结果
type ImprovementResult struct {
	StoryID  string   `json:"story_id"`
	Improved int      `json:"improved"`
	Updated  []int    `json:"updated"`
	Errors   []string `json:"errors"`
}

// ImprovementCoordinator 按分析建议重新生成场景扩写
type ImprovementCoordinator struct {
	stories     *StoryService
	registry    *StageRegistry
	client      *GenerationClient
	logger      *utils.Logger
	concurrency int
	policy      func() config.ImprovementPolicy
}

// NewImprovementCoordinator 创建改进协调器
func NewImprovementCoordinator(stories *StoryService, registry *StageRegistry, client *GenerationClient, concurrency int) *ImprovementCoordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ImprovementCoordinator{
		stories:     stories,
		registry:    registry,
		client:      client,
		logger:      utils.GetLogger(),
		concurrency: concurrency,
		policy: func() config.ImprovementPolicy {
			return config.GetCurrentConfig().Improvement
		},
	}
}

// Policy 返回当前生效的改进规则
func (ic *ImprovementCoordinator) Policy() config.ImprovementPolicy {
	return ic.policy()
}

// SetPolicy 用固定规则覆盖配置中的改进规则
func (ic *ImprovementCoordinator) SetPolicy(policy config.ImprovementPolicy) {
	ic.policy = func() config.ImprovementPolicy { return policy }
}

// Improve 逐场景改进，失败的场景保持原值，所有成功结果一次性提交
func (ic *ImprovementCoordinator) Improve(ctx context.Context, storyID string, sceneNumbers []int, report *models.AnalysisReport) (*ImprovementResult, error) {
	story, err := ic.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	expansions, ok := story.Stage(StageSceneExpansions)
	if !ok {
		return nil, apperrors.NewNotReadyError("改进需要先完成场景扩写").WithStage(StageSceneExpansions)
	}
	if report == nil {
		if report, err = ic.stories.LoadAnalysis(ctx, story.ID); err != nil {
			return nil, err
		}
	}
	scenes := uniqueSorted(sceneNumbers)
	if len(scenes) == 0 {
		return nil, apperrors.NewValidationError("没有选择任何场景", nil)
	}

	policy := ic.policy()
	started := time.Now()
	improved := make([]models.SubItem, len(scenes))
	failures := make([]error, len(scenes))

	g := new(errgroup.Group)
	g.SetLimit(ic.concurrency)
	for i, n := range scenes {
		g.Go(func() error {
			item, ok := expansions.Items[models.SceneKey(n)]
			if !ok {
				failures[i] = apperrors.NewInvalidTargetError(fmt.Sprintf("场景 %d 没有扩写", n))
				return nil
			}
			improved[i], failures[i] = ic.improveScene(ctx, story, n, item, report, policy)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ImprovementResult{StoryID: story.ID, Updated: []int{}, Errors: []string{}}
	updates := make(map[string]models.SubItem)
	for i, n := range scenes {
		if failures[i] != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("scene %d: %s", n, apperrors.KindName(failures[i])))
			ic.logger.Warn("scene improvement failed", map[string]interface{}{
				"story_id": story.ID,
				"key":      models.SceneKey(n),
				"error":    failures[i].Error(),
			})
			continue
		}
		updates[models.SceneKey(n)] = improved[i]
		result.Updated = append(result.Updated, n)
	}

	if len(updates) > 0 {
		_, err := ic.stories.Update(ctx, story.ID, func(fresh *models.Story) (bool, error) {
			current, ok := fresh.Stage(StageSceneExpansions)
			if !ok {
				return false, apperrors.NewConflictError("场景扩写已被回滚", nil).WithStage(StageSceneExpansions)
			}
			for key := range updates {
				if _, exists := current.Items[key]; !exists {
					return false, apperrors.NewConflictError("场景扩写已被修改", nil).
						WithStage(StageSceneExpansions).WithKey(key)
				}
			}
			if err := fresh.MergeItems(StageSceneExpansions, updates); err != nil {
				return false, apperrors.NewConflictError("场景扩写已被回滚", err).WithStage(StageSceneExpansions)
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	result.Improved = len(result.Updated)

	ic.logger.Info("scene improvement complete", map[string]interface{}{
		"story_id": story.ID,
		"stage":    StageSceneExpansions,
		"improved": result.Improved,
		"failed":   len(result.Errors),
		"duration": time.Since(started).String(),
	})
	return result, nil
}

func (ic *ImprovementCoordinator) improveScene(ctx context.Context, story *models.Story, n int, item models.SubItem, report *models.AnalysisReport, policy config.ImprovementPolicy) (models.SubItem, error) {
	var current models.SceneExpansion
	if err := item.Decode(&current); err != nil {
		return models.SubItem{}, apperrors.NewUnparseableError(fmt.Sprintf("场景 %d 的现有记录无法解析", n), err)
	}
	current.SceneNumber = n

	guidance := BuildGuidance(report, current.Outline(), policy)
	existing, _ := json.MarshalIndent(current, "", "  ")

	result, err := ic.client.Generate(ctx, GenerationRequest{
		Stage:   StageSceneExpansions,
		Context: BuildContext(story, ic.registry, StageSceneExpansions-1),
		Detail:  fmt.Sprintf("Current expansion of scene %d:\n%s\n\nImprovement guidance:\n%s", n, existing, guidance),
		Instructions: "Rewrite this scene expansion so it addresses the guidance. " +
			"Keep the same scene_number and pov_character and return the complete record.",
		Expect: ExpectStructured,
	})
	if err != nil {
		return models.SubItem{}, err
	}

	var next models.SceneExpansion
	if _, err := llm.UnmarshalRepaired(result.Text, &next); err != nil {
		return models.SubItem{}, err
	}
	next.SceneNumber = n
	next.POVCharacter = current.POVCharacter
	if next.EstimatedPages == 0 {
		next.EstimatedPages = current.EstimatedPages
	}
	ApplyTitlePolicy(policy, current.Title, &next, guidance)

	updated, err := models.RecordItem(next)
	if err != nil {
		return models.SubItem{}, apperrors.NewUnparseableError("场景记录序列化失败", err)
	}
	return updated, nil
}

// ApplyTitlePolicy 按规则恢复原标题
func ApplyTitlePolicy(policy config.ImprovementPolicy, previous string, next *models.SceneExpansion, guidance string) {
	if !policy.PreserveTitles || previous == "" {
		return
	}
	if next.Title == "" {
		next.Title = previous
		return
	}
	for _, pattern := range policy.PlaceholderPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(previous) {
			return
		}
	}
	lower := strings.ToLower(guidance)
	for _, kw := range policy.TitleKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return
		}
	}
	next.Title = previous
}

// BuildGuidance 汇总与场景相关的建议，每条带有来源标签
func BuildGuidance(report *models.AnalysisReport, scene models.SceneOutline, policy config.ImprovementPolicy) string {
	if report == nil {
		return genericGuidance
	}
	maxThematic := policy.MaxThematic
	if maxThematic <= 0 {
		maxThematic = 2
	}
	minOverlap := policy.MinThematicOverlap
	if minOverlap <= 0 {
		minOverlap = 2
	}

	var lines []string
	used := make(map[string]bool)
	add := func(tag, text string) {
		if used[text] {
			return
		}
		used[text] = true
		lines = append(lines, fmt.Sprintf("[%s] %s", tag, text))
	}

	actionable := report.Recommendations.Actionable()
	for _, rec := range actionable {
		for _, n := range mentionedScenes(rec) {
			if n == scene.SceneNumber {
				add(TagSpecific, rec)
				break
			}
		}
	}
	for _, si := range report.Recommendations.SceneImprovements {
		if si.SceneNumber == scene.SceneNumber {
			add(TagSpecific, strings.TrimSpace(si.Issue+" "+si.Suggestion))
		}
	}
	if scene.POVCharacter != "" {
		for _, rec := range actionable {
			if strings.Contains(rec, scene.POVCharacter) {
				add(TagCharacter, rec)
			}
		}
	}

	general := 0
	sceneWords := keywords(scene.SceneDescription)
	for _, rec := range actionable {
		if general >= maxThematic {
			break
		}
		if used[rec] || len(mentionedScenes(rec)) > 0 {
			continue
		}
		if overlap(sceneWords, keywords(rec)) >= minOverlap {
			add(TagThematic, rec)
			general++
		}
	}
	if len(lines) == 0 {
		for _, rec := range report.Recommendations.HighPriority {
			if general >= maxThematic {
				break
			}
			if len(mentionedScenes(rec)) > 0 {
				continue
			}
			add(TagGeneral, rec)
			general++
		}
	}

	if len(lines) == 0 {
		return genericGuidance
	}
	return strings.Join(lines, "\n")
}

// keywords 小写、长度不少于 4 且不是停用词的词
func keywords(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len([]rune(w)) >= 4 && !guidanceStopwords[w] {
			set[w] = true
		}
	}
	return set
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

func uniqueSorted(nums []int) []int {
	seen := make(map[int]bool, len(nums))
	out := make([]int, 0, len(nums))
	for _, n := range nums {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}
