// internal/services/workflow_engine.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
)

// ProposalKind 提案类型
type ProposalKind string

const (
	// ProposalScalar 已生成的单值内容，等待接受
	ProposalScalar ProposalKind = "scalar"
	// ProposalFanOutRequired 下一阶段需要通过扇出协调器逐项生成
	ProposalFanOutRequired ProposalKind = "fanout_required"
)

// Proposal 尚未持久化的阶段内容
type Proposal struct {
	StoryID   string       `json:"story_id"`
	Stage     int          `json:"stage"`
	StageName string       `json:"stage_name"`
	Message   string       `json:"message"`
	Kind      ProposalKind `json:"kind"`
	Content   string       `json:"content,omitempty"`
	Model     string       `json:"model,omitempty"`
	Repair    string       `json:"repair,omitempty"` // 结构化输出使用的修复步骤
}

// StageStatus 阶段完成情况
type StageStatus struct {
	Index    int                `json:"index"`
	Name     string             `json:"name"`
	Kind     models.ContentKind `json:"kind"`
	Complete bool               `json:"complete"`
	Items    int                `json:"items,omitempty"`
}

// StoryStatus 故事进度概览
type StoryStatus struct {
	Story        models.StorySummary `json:"story"`
	CurrentStage int                 `json:"current_stage"`
	NextStage    int                 `json:"next_stage,omitempty"`
	Stages       []StageStatus       `json:"stages"`
}

// WorkflowEngine 逐阶段推进故事
type WorkflowEngine struct {
	stories  *StoryService
	registry *StageRegistry
	client   *GenerationClient
	logger   *utils.Logger
}

// NewWorkflowEngine 创建工作流引擎
func NewWorkflowEngine(stories *StoryService, registry *StageRegistry, client *GenerationClient) *WorkflowEngine {
	return &WorkflowEngine{
		stories:  stories,
		registry: registry,
		client:   client,
		logger:   utils.GetLogger(),
	}
}

// Registry 返回阶段表
func (e *WorkflowEngine) Registry() *StageRegistry {
	return e.registry
}

// CreateStory 生成第一阶段并保存新故事
func (e *WorkflowEngine) CreateStory(ctx context.Context, slug, idea string) (*models.Story, error) {
	story, err := e.stories.Prepare(ctx, slug, idea)
	if err != nil {
		return nil, err
	}

	proposal, err := e.propose(ctx, story, 1)
	if err != nil {
		return nil, err
	}
	if err := story.SetStage(1, models.Scalar(proposal.Content)); err != nil {
		return nil, apperrors.NewProcessingError("写入第一阶段失败", err)
	}
	if err := e.stories.Create(ctx, story); err != nil {
		return nil, err
	}
	return story.Clone(), nil
}

// Status 返回故事的阶段进度
func (e *WorkflowEngine) Status(ctx context.Context, storyID string) (*StoryStatus, error) {
	story, err := e.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}
	current := story.CurrentStage()
	status := &StoryStatus{Story: story.Summary(), CurrentStage: current}
	if current < e.registry.Last() {
		status.NextStage = current + 1
	}
	for _, def := range e.registry.All() {
		st := StageStatus{Index: def.Index, Name: def.Name, Kind: def.Kind}
		if content, ok := story.Stage(def.Index); ok && def.Index <= current {
			st.Complete = true
			st.Items = len(content.Items)
		}
		status.Stages = append(status.Stages, st)
	}
	return status, nil
}

// Advance 生成下一阶段的提案，不修改故事
func (e *WorkflowEngine) Advance(ctx context.Context, storyID string) (*Proposal, error) {
	story, err := e.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}

	var proposal *Proposal
	err = e.stories.Locks().ExecuteWithStoryLock(story.ID, func() error {
		// 锁内重新读取，避免使用过期的阶段
		story, err = e.stories.Get(ctx, story.ID)
		if err != nil {
			return err
		}
		current := story.CurrentStage()
		if gap := story.FirstGap(); gap != 0 {
			return apperrors.NewNotReadyError(fmt.Sprintf("阶段 %d 有内容但阶段 %d 为空", gap, current+1)).WithStage(current + 1)
		}
		next := current + 1
		if next > e.registry.Last() {
			return apperrors.NewInvalidTargetError("所有阶段都已完成").WithStage(next)
		}
		proposal, err = e.propose(ctx, story, next)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

// propose 为阶段 next 生成提案，上下文只包含 1..next-1
func (e *WorkflowEngine) propose(ctx context.Context, story *models.Story, next int) (*Proposal, error) {
	def, err := e.registry.Get(next)
	if err != nil {
		return nil, err
	}

	if def.IsFanOut() {
		return &Proposal{
			StoryID:   story.ID,
			Stage:     next,
			StageName: def.Name,
			Kind:      ProposalFanOutRequired,
			Message:   fmt.Sprintf("stage %d (%s) is generated per item, run the fan-out for it", next, def.Name),
		}, nil
	}

	started := time.Now()
	expect := ExpectText
	if def.IsStructured() {
		expect = ExpectStructured
	}
	result, err := e.client.Generate(ctx, GenerationRequest{
		Stage:   next,
		Context: BuildContext(story, e.registry, next-1),
		Expect:  expect,
	})
	if err != nil {
		return nil, err
	}

	content := result.Text
	if def.IsStructured() {
		if content, err = normalizeStructured(def, result.Text); err != nil {
			return nil, err
		}
	}

	e.logger.Info("stage proposed", map[string]interface{}{
		"story_id": story.ID,
		"stage":    next,
		"model":    result.Model,
		"duration": time.Since(started).String(),
	})
	return &Proposal{
		StoryID:   story.ID,
		Stage:     next,
		StageName: def.Name,
		Kind:      ProposalScalar,
		Message:   fmt.Sprintf("generated stage %d (%s)", next, def.Name),
		Content:   content,
		Model:     result.Model,
		Repair:    result.Strategy,
	}, nil
}

// normalizeStructured 修复 JSON 并检查顶层结构
func normalizeStructured(def StageDef, raw string) (string, error) {
	text, _, err := llm.RepairJSON(raw)
	if err != nil {
		return "", apperrors.NewUnparseableError(fmt.Sprintf("阶段 %d 的输出无法解析", def.Index), err).WithStage(def.Index)
	}

	switch def.Format {
	case FormatJSONObject:
		var obj map[string]interface{}
		if _, err := llm.UnmarshalRepaired(text, &obj); err != nil || len(obj) == 0 {
			return "", apperrors.NewUnparseableError(fmt.Sprintf("阶段 %d 需要非空的 JSON 对象", def.Index), err).WithStage(def.Index)
		}
	case FormatJSONArray:
		var arr []interface{}
		if _, err := llm.UnmarshalRepaired(text, &arr); err != nil || len(arr) == 0 {
			return "", apperrors.NewUnparseableError(fmt.Sprintf("阶段 %d 需要非空的 JSON 数组", def.Index), err).WithStage(def.Index)
		}
		if def.Index == StageSceneBreakdown {
			if _, err := parseOutlines(text); err != nil {
				return "", err
			}
		}
	}
	return text, nil
}

// Accept 将提案写入下一阶段，提案过期时返回冲突
func (e *WorkflowEngine) Accept(ctx context.Context, storyID string, proposal Proposal) (*models.Story, error) {
	if proposal.Kind == ProposalFanOutRequired {
		return nil, apperrors.NewInvalidTargetError("扇出阶段需要通过扇出接受").WithStage(proposal.Stage)
	}
	def, err := e.registry.Get(proposal.Stage)
	if err != nil {
		return nil, err
	}
	if def.IsFanOut() {
		return nil, apperrors.NewInvalidTargetError(fmt.Sprintf("阶段 %d 是扇出阶段", def.Index)).WithStage(def.Index)
	}
	content, err := e.checkContent(def, proposal.Content)
	if err != nil {
		return nil, err
	}

	story, err := e.stories.Update(ctx, storyID, func(story *models.Story) (bool, error) {
		current := story.CurrentStage()
		if proposal.Stage != current+1 {
			return false, apperrors.NewConflictError(
				fmt.Sprintf("提案针对阶段 %d，但当前阶段为 %d", proposal.Stage, current), nil).WithStage(proposal.Stage)
		}
		if err := story.SetStage(proposal.Stage, models.Scalar(content)); err != nil {
			return false, apperrors.NewInvalidTargetError(err.Error()).WithStage(proposal.Stage)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("stage accepted", map[string]interface{}{"story_id": story.ID, "stage": proposal.Stage})
	return story, nil
}

func (e *WorkflowEngine) checkContent(def StageDef, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperrors.NewValidationError("阶段内容不能为空", nil).WithStage(def.Index)
	}
	if def.IsStructured() {
		return normalizeStructured(def, content)
	}
	return content, nil
}

// Refine 按指令重写阶段内容，stage 为 0 表示当前阶段，结果不持久化
func (e *WorkflowEngine) Refine(ctx context.Context, storyID string, stage int, instructions string) (*Proposal, error) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return nil, apperrors.NewValidationError("修改指令不能为空", nil)
	}
	story, err := e.stories.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}

	current := story.CurrentStage()
	if stage == 0 {
		stage = current
	}
	if stage < 1 || stage > current {
		return nil, apperrors.NewInvalidTargetError(fmt.Sprintf("只能精修已完成的阶段 1..%d", current)).WithStage(stage)
	}
	def, err := e.registry.Get(stage)
	if err != nil {
		return nil, err
	}
	if def.IsFanOut() {
		return nil, apperrors.NewInvalidTargetError(fmt.Sprintf("阶段 %d 是扇出阶段，请重新生成单个子项", stage)).WithStage(stage)
	}
	existing, _ := story.Stage(stage)

	expect := ExpectText
	if def.IsStructured() {
		expect = ExpectStructured
	}
	result, err := e.client.Generate(ctx, GenerationRequest{
		Stage:        stage,
		Context:      BuildContext(story, e.registry, stage-1),
		Detail:       fmt.Sprintf("Current %s:\n%s", def.RefineLabel, existing.Text),
		Instructions: fmt.Sprintf("Revise the %s above. %s", def.RefineLabel, instructions),
		Expect:       expect,
	})
	if err != nil {
		return nil, err
	}
	content := result.Text
	if def.IsStructured() {
		if content, err = normalizeStructured(def, result.Text); err != nil {
			return nil, err
		}
	}

	message := fmt.Sprintf("refined stage %d (%s)", stage, def.Name)
	if stage < current {
		message += fmt.Sprintf("; committing will discard stages %d-%d", stage+1, current)
	}
	return &Proposal{
		StoryID:   story.ID,
		Stage:     stage,
		StageName: def.Name,
		Kind:      ProposalScalar,
		Message:   message,
		Content:   content,
		Model:     result.Model,
		Repair:    result.Strategy,
	}, nil
}

// Commit 写入阶段内容并丢弃之后的所有阶段
func (e *WorkflowEngine) Commit(ctx context.Context, storyID string, stage int, content string) (*models.Story, error) {
	def, err := e.registry.Get(stage)
	if err != nil {
		return nil, err
	}
	if def.IsFanOut() {
		return nil, apperrors.NewInvalidTargetError(fmt.Sprintf("阶段 %d 是扇出阶段", stage)).WithStage(stage)
	}
	normalized, err := e.checkContent(def, content)
	if err != nil {
		return nil, err
	}

	var discarded int
	story, err := e.stories.Update(ctx, storyID, func(story *models.Story) (bool, error) {
		current := story.CurrentStage()
		if stage < 1 || stage > current+1 {
			return false, apperrors.NewInvalidTargetError(fmt.Sprintf("阶段 %d 超出范围 1..%d", stage, current+1)).WithStage(stage)
		}
		if current > stage {
			discarded = current - stage
		}
		if err := story.SetStage(stage, models.Scalar(normalized)); err != nil {
			return false, apperrors.NewInvalidTargetError(err.Error()).WithStage(stage)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("stage committed", map[string]interface{}{
		"story_id":  story.ID,
		"stage":     stage,
		"discarded": discarded,
	})
	return story, nil
}

// Rollback 丢弃 target 之后的阶段，target 等于当前阶段时不做任何修改
func (e *WorkflowEngine) Rollback(ctx context.Context, storyID string, target int) (*models.Story, error) {
	story, err := e.stories.Update(ctx, storyID, func(story *models.Story) (bool, error) {
		current := story.CurrentStage()
		if target == current && current >= 1 {
			return false, nil
		}
		if target < 1 || target >= current {
			return false, apperrors.NewInvalidTargetError(fmt.Sprintf("回滚目标必须在 1..%d 之间", current-1)).WithStage(target)
		}
		story.Truncate(target)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("story rolled back", map[string]interface{}{"story_id": story.ID, "stage": target})
	return story, nil
}
