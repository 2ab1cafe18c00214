// internal/services/fanout_coordinator.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Corphon/StoryForge/internal/config"
	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
	"golang.org/x/sync/errgroup"
)

// FanOutResult 一次扇出运行的结果，部分成功也算成功
type FanOutResult struct {
	StoryID    string                    `json:"story_id"`
	Stage      int                       `json:"stage"`
	Keys       []string                  `json:"keys"`
	Accepted   map[string]models.SubItem `json:"accepted"`
	Errors     []string                  `json:"errors"`
	FailedKeys []string                  `json:"failed_keys,omitempty"`
}

// Success accepted 非空时为成功
func (r *FanOutResult) Success() bool {
	return len(r.Accepted) > 0
}

// FanOutCoordinator 逐子项生成扇出阶段
type FanOutCoordinator struct {
	stories     *StoryService
	registry    *StageRegistry
	client      *GenerationClient
	metrics     *utils.MetricsCollector
	logger      *utils.Logger
	concurrency int
}

// NewFanOutCoordinator 创建扇出协调器，concurrency 小于 1 时使用配置值
func NewFanOutCoordinator(stories *StoryService, registry *StageRegistry, client *GenerationClient, concurrency int) *FanOutCoordinator {
	if concurrency < 1 {
		concurrency = config.GetCurrentConfig().FanOutConcurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &FanOutCoordinator{
		stories:     stories,
		registry:    registry,
		client:      client,
		metrics:     utils.GetMetricsCollector(),
		logger:      utils.GetLogger(),
		concurrency: concurrency,
	}
}

func (c *FanOutCoordinator) fanOutDef(stage int) (StageDef, error) {
	def, err := c.registry.Get(stage)
	if err != nil {
		return StageDef{}, err
	}
	if !def.IsFanOut() {
		return StageDef{}, apperrors.NewInvalidTargetError(fmt.Sprintf("阶段 %d 不是扇出阶段", stage)).WithStage(stage)
	}
	return def, nil
}

// EnumerateKeys 从来源阶段推导子项键，顺序确定
func (c *FanOutCoordinator) EnumerateKeys(story *models.Story, stage int) ([]string, error) {
	def, err := c.fanOutDef(stage)
	if err != nil {
		return nil, err
	}
	sourceDef, err := c.registry.Get(def.SourceStage)
	if err != nil {
		return nil, err
	}
	source, ok := story.Stage(def.SourceStage)
	if !ok {
		return nil, apperrors.NewMissingDependencyError(
			fmt.Sprintf("阶段 %d 需要先完成阶段 %d (%s)", stage, sourceDef.Index, sourceDef.Name), nil).WithStage(stage)
	}

	var keys []string
	switch {
	case source.Kind == models.ContentFanOut:
		// 章节来自场景扩写
		for _, key := range source.Keys() {
			if n, ok := models.ParseSceneKey(key); ok {
				keys = append(keys, models.ChapterKey(n))
			}
		}
	case sourceDef.Format == FormatJSONObject:
		var obj map[string]json.RawMessage
		if _, err := llm.UnmarshalRepaired(source.Text, &obj); err != nil {
			return nil, apperrors.NewMissingDependencyError(
				fmt.Sprintf("阶段 %d (%s) 无法解析", sourceDef.Index, sourceDef.Name), err).WithStage(stage)
		}
		for name := range obj {
			if strings.TrimSpace(name) != "" {
				keys = append(keys, name)
			}
		}
		sort.Strings(keys)
	case sourceDef.Format == FormatJSONArray:
		outlines, err := parseOutlines(source.Text)
		if err != nil {
			return nil, apperrors.NewMissingDependencyError(
				fmt.Sprintf("阶段 %d (%s) 无法解析", sourceDef.Index, sourceDef.Name), err).WithStage(stage)
		}
		for _, o := range outlines {
			keys = append(keys, models.SceneKey(o.SceneNumber))
		}
	}

	if len(keys) == 0 {
		return nil, apperrors.NewMissingDependencyError(
			fmt.Sprintf("阶段 %d (%s) 没有可用的子项", sourceDef.Index, sourceDef.Name), nil).WithStage(stage)
	}
	models.SortNumberedKeys(keys)
	return keys, nil
}

// MissingKeys 返回扇出阶段中尚未保存的子项键
func (c *FanOutCoordinator) MissingKeys(story *models.Story, stage int) ([]string, error) {
	all, err := c.EnumerateKeys(story, stage)
	if err != nil {
		return nil, err
	}
	existing, _ := story.Stage(stage)
	missing := make([]string, 0, len(all))
	for _, key := range all {
		if item, ok := existing.Items[key]; !ok || item.IsEmpty() {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// parseOutlines 解析场景分解，编号缺失时按顺序补齐
func parseOutlines(text string) ([]models.SceneOutline, error) {
	var outlines []models.SceneOutline
	if _, err := llm.UnmarshalRepaired(text, &outlines); err != nil {
		return nil, err
	}
	if len(outlines) == 0 {
		return nil, apperrors.NewUnparseableError("场景分解为空", nil)
	}
	seen := make(map[int]bool, len(outlines))
	for i := range outlines {
		if outlines[i].SceneNumber < 1 {
			outlines[i].SceneNumber = i + 1
		}
		if seen[outlines[i].SceneNumber] {
			return nil, apperrors.NewUnparseableError(fmt.Sprintf("场景 %d 重复", outlines[i].SceneNumber), nil)
		}
		seen[outlines[i].SceneNumber] = true
	}
	sort.Slice(outlines, func(i, j int) bool { return outlines[i].SceneNumber < outlines[j].SceneNumber })
	return outlines, nil
}

// sceneOutline 查找场景分解中的一行
func sceneOutline(story *models.Story, n int) (models.SceneOutline, error) {
	source, ok := story.Stage(StageSceneBreakdown)
	if !ok {
		return models.SceneOutline{}, apperrors.NewMissingDependencyError("场景分解尚未完成", nil)
	}
	outlines, err := parseOutlines(source.Text)
	if err != nil {
		return models.SceneOutline{}, apperrors.NewMissingDependencyError("场景分解无法解析", err)
	}
	for _, o := range outlines {
		if o.SceneNumber == n {
			return o, nil
		}
	}
	return models.SceneOutline{}, apperrors.NewInvalidTargetError(fmt.Sprintf("场景 %d 不在场景分解中", n))
}

// itemRequest 构建单个子项的生成请求
func (c *FanOutCoordinator) itemRequest(story *models.Story, def StageDef, key, instructions string) (GenerationRequest, error) {
	req := GenerationRequest{
		Stage:        def.Index,
		Context:      BuildContext(story, c.registry, def.Index-1),
		Instructions: instructions,
	}

	switch def.Index {
	case StageCharacterCharts:
		summary := ""
		if source, ok := story.Stage(StageCharacters); ok {
			var obj map[string]json.RawMessage
			if _, err := llm.UnmarshalRepaired(source.Text, &obj); err == nil {
				summary = rawText(obj[key])
			}
		}
		req.Detail = fmt.Sprintf("Character: %s\nSummary: %s", key, summary)
	case StageSceneExpansions:
		n, ok := models.ParseSceneKey(key)
		if !ok {
			return req, apperrors.NewInvalidTargetError("无效的场景键: " + key)
		}
		outline, err := sceneOutline(story, n)
		if err != nil {
			return req, err
		}
		data, _ := json.Marshal(outline)
		req.Detail = fmt.Sprintf("Expand scene %d from this outline:\n%s", n, data)
		req.Expect = ExpectStructured
	case StageChapters:
		n, ok := models.ParseChapterKey(key)
		if !ok {
			return req, apperrors.NewInvalidTargetError("无效的章节键: " + key)
		}
		return buildChapterRequest(story, c.registry, n, instructions)
	default:
		req.Detail = fmt.Sprintf("Item: %s", key)
		if def.IsStructured() {
			req.Expect = ExpectStructured
		}
	}
	return req, nil
}

// rawText JSON 字符串取其值，其他类型保持原样
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// GenerateOne 生成单个子项
func (c *FanOutCoordinator) GenerateOne(ctx context.Context, story *models.Story, stage int, key, instructions string) (models.SubItem, error) {
	def, err := c.fanOutDef(stage)
	if err != nil {
		return models.SubItem{}, err
	}
	req, err := c.itemRequest(story, def, key, instructions)
	if err != nil {
		return models.SubItem{}, withKey(err, key)
	}

	result, err := c.client.Generate(ctx, req)
	if err != nil {
		return models.SubItem{}, withKey(err, key)
	}

	if def.Index != StageSceneExpansions {
		return models.TextItem(result.Text), nil
	}

	n, _ := models.ParseSceneKey(key)
	outline, err := sceneOutline(story, n)
	if err != nil {
		return models.SubItem{}, withKey(err, key)
	}
	var exp models.SceneExpansion
	if _, err := llm.UnmarshalRepaired(result.Text, &exp); err != nil {
		return models.SubItem{}, withKey(err, key)
	}
	exp.SceneNumber = outline.SceneNumber
	exp.POVCharacter = outline.POVCharacter
	if exp.EstimatedPages == 0 {
		exp.EstimatedPages = outline.EstimatedPages
	}
	item, err := models.RecordItem(exp)
	if err != nil {
		return models.SubItem{}, withKey(apperrors.NewUnparseableError("场景记录序列化失败", err), key)
	}
	return item, nil
}

// withKey 为应用错误附加子项键
func withKey(err error, key string) error {
	if appErr, ok := err.(*apperrors.AppError); ok && appErr.Key == "" {
		return appErr.WithKey(key)
	}
	return err
}

// Run 为所有键生成子项
func (c *FanOutCoordinator) Run(ctx context.Context, storyID string, stage int) (*FanOutResult, error) {
	return c.RunKeys(ctx, storyID, stage, nil)
}

// RunKeys 为指定键并发生成子项，keys 为空时生成全部，单个失败不影响其他子项
func (c *FanOutCoordinator) RunKeys(ctx context.Context, storyID string, stage int, keys []string) (*FanOutResult, error) {
	story, err := c.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if _, err := c.fanOutDef(stage); err != nil {
		return nil, err
	}
	if current := story.CurrentStage(); stage > current+1 {
		return nil, apperrors.NewNotReadyError(fmt.Sprintf("阶段 %d 需要先完成阶段 %d", stage, stage-1)).WithStage(stage)
	}
	all, err := c.EnumerateKeys(story, stage)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		keys = all
	} else if keys, err = selectKeys(all, keys); err != nil {
		return nil, err
	}

	started := time.Now()
	items := make([]models.SubItem, len(keys))
	failures := make([]error, len(keys))

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				failures[i] = err
				return nil
			}
			item, err := c.GenerateOne(ctx, story, stage, key, "")
			if err != nil {
				failures[i] = err
				c.metrics.CountFanOutItem(stage, apperrors.KindName(err))
				return nil
			}
			items[i] = item
			c.metrics.CountFanOutItem(stage, "success")
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &FanOutResult{
		StoryID:  story.ID,
		Stage:    stage,
		Keys:     keys,
		Accepted: make(map[string]models.SubItem),
		Errors:   []string{},
	}
	for i, key := range keys {
		if failures[i] != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", models.KeyLabel(key), apperrors.KindName(failures[i])))
			result.FailedKeys = append(result.FailedKeys, key)
			c.logger.Warn("fan-out item failed", map[string]interface{}{
				"story_id": story.ID,
				"stage":    stage,
				"key":      key,
				"error":    failures[i].Error(),
			})
			continue
		}
		result.Accepted[key] = items[i]
	}

	c.logger.Info("fan-out run complete", map[string]interface{}{
		"story_id": story.ID,
		"stage":    stage,
		"accepted": len(result.Accepted),
		"failed":   len(result.Errors),
		"duration": time.Since(started).String(),
	})
	return result, nil
}

// selectKeys 按枚举顺序保留请求的键，未知键返回错误
func selectKeys(all, requested []string) ([]string, error) {
	want := make(map[string]bool, len(requested))
	for _, k := range requested {
		want[k] = true
	}
	selected := make([]string, 0, len(requested))
	for _, k := range all {
		if want[k] {
			selected = append(selected, k)
			delete(want, k)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for k := range want {
			unknown = append(unknown, k)
		}
		sort.Strings(unknown)
		return nil, apperrors.NewInvalidTargetError("未知的子项: " + strings.Join(unknown, ", "))
	}
	return selected, nil
}

// Accept 将接受的子项合并进扇出阶段，不截断之后的阶段
func (c *FanOutCoordinator) Accept(ctx context.Context, storyID string, stage int, items map[string]models.SubItem) (*models.Story, error) {
	if _, err := c.fanOutDef(stage); err != nil {
		return nil, err
	}

	nonEmpty := make(map[string]models.SubItem, len(items))
	for k, v := range items {
		if !v.IsEmpty() {
			nonEmpty[k] = v
		}
	}

	return c.stories.Update(ctx, storyID, func(story *models.Story) (bool, error) {
		current := story.CurrentStage()
		if stage > current+1 {
			return false, apperrors.NewInvalidTargetError(fmt.Sprintf("阶段 %d 超出范围 1..%d", stage, current+1)).WithStage(stage)
		}
		if len(nonEmpty) == 0 {
			return false, nil
		}
		all, err := c.EnumerateKeys(story, stage)
		if err != nil {
			return false, err
		}
		requested := make([]string, 0, len(nonEmpty))
		for k := range nonEmpty {
			requested = append(requested, k)
		}
		if _, err := selectKeys(all, requested); err != nil {
			return false, err
		}
		if err := story.MergeItems(stage, nonEmpty); err != nil {
			return false, apperrors.NewInvalidTargetError(err.Error()).WithStage(stage)
		}
		c.logger.Info("fan-out items accepted", map[string]interface{}{
			"story_id": story.ID,
			"stage":    stage,
			"items":    len(nonEmpty),
		})
		return true, nil
	})
}

// ReviewDecision 审阅结果
type ReviewDecision int

const (
	DecisionAccept ReviewDecision = iota
	DecisionReject
	DecisionRegenerate
)

// Reviewer 逐项决定是否接受生成结果
type Reviewer interface {
	Review(ctx context.Context, key string, item models.SubItem, canRegenerate bool) (ReviewDecision, error)
}

// Review 逐项交给审阅者，每个键最多重新生成一次，返回接受的子项
func (c *FanOutCoordinator) Review(ctx context.Context, storyID string, result *FanOutResult, reviewer Reviewer) (map[string]models.SubItem, error) {
	story, err := c.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(result.Accepted))
	for k := range result.Accepted {
		keys = append(keys, k)
	}
	models.SortNumberedKeys(keys)

	accepted := make(map[string]models.SubItem)
	for _, key := range keys {
		item := result.Accepted[key]
		regenerated := false
		for {
			decision, err := reviewer.Review(ctx, key, item, !regenerated)
			if err != nil {
				return nil, err
			}
			if decision == DecisionAccept {
				accepted[key] = item
				break
			}
			if decision == DecisionReject || regenerated {
				break
			}
			regenerated = true
			fresh, err := c.GenerateOne(ctx, story, result.Stage, key, "")
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				c.logger.Warn("regeneration failed, keeping previous item", map[string]interface{}{
					"story_id": story.ID,
					"stage":    result.Stage,
					"key":      key,
					"error":    err.Error(),
				})
				continue
			}
			item = fresh
		}
	}
	return accepted, nil
}
