// internal/services/stage_registry.go
package services

import (
	_ "embed"
	"fmt"
	"sort"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"gopkg.in/yaml.v3"
)

// StageFormat 阶段输出格式
type StageFormat string

const (
	FormatText       StageFormat = "text"
	FormatJSONObject StageFormat = "json_object"
	FormatJSONArray  StageFormat = "json_array"
)

// 需要特殊处理的阶段
const (
	StageCharacters       = 3
	StageCharacterCharts  = 7
	StageSceneBreakdown   = 8
	StageSceneExpansions  = 9
	StageChapters         = 10
	AnalysisRequiredStage = StageSceneExpansions
)

// StageDef 一个阶段的定义
type StageDef struct {
	Index       int                `yaml:"index" json:"index"`
	Name        string             `yaml:"name" json:"name"`
	Kind        models.ContentKind `yaml:"kind" json:"kind"`
	Format      StageFormat        `yaml:"format" json:"format"`
	DependsOn   int                `yaml:"depends_on" json:"depends_on,omitempty"`
	SourceStage int                `yaml:"source_stage" json:"source_stage,omitempty"`
	Streaming   bool               `yaml:"streaming" json:"streaming,omitempty"`
	RefineLabel string             `yaml:"refine_label" json:"refine_label"`
	Instruction string             `yaml:"instruction" json:"-"`
}

// IsFanOut 是否为扇出阶段
func (d StageDef) IsFanOut() bool {
	return d.Kind == models.ContentFanOut
}

// IsStructured 是否需要 JSON 输出
func (d StageDef) IsStructured() bool {
	return d.Format == FormatJSONObject || d.Format == FormatJSONArray
}

//go:embed stages.yaml
var stagesYAML []byte

// StageRegistry 阶段索引到定义的静态表
type StageRegistry struct {
	stages map[int]StageDef
	last   int
}

// NewStageRegistry 解析内嵌的阶段表
func NewStageRegistry() (*StageRegistry, error) {
	return ParseStageRegistry(stagesYAML)
}

// MustStageRegistry 解析失败时 panic，用于内嵌表
func MustStageRegistry() *StageRegistry {
	r, err := NewStageRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// ParseStageRegistry 从 YAML 构建并校验阶段表
func ParseStageRegistry(data []byte) (*StageRegistry, error) {
	var doc struct {
		Stages []StageDef `yaml:"stages"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse stage table: %w", err)
	}
	if len(doc.Stages) == 0 {
		return nil, fmt.Errorf("stage table is empty")
	}

	r := &StageRegistry{stages: make(map[int]StageDef, len(doc.Stages))}
	for _, def := range doc.Stages {
		if _, dup := r.stages[def.Index]; dup {
			return nil, fmt.Errorf("duplicate stage %d", def.Index)
		}
		switch def.Kind {
		case models.ContentScalar, models.ContentFanOut:
		default:
			return nil, fmt.Errorf("stage %d: unknown kind %q", def.Index, def.Kind)
		}
		if def.IsFanOut() && (def.SourceStage < 1 || def.SourceStage >= def.Index) {
			return nil, fmt.Errorf("stage %d: fan-out source must be an earlier stage", def.Index)
		}
		if def.DependsOn >= def.Index {
			return nil, fmt.Errorf("stage %d: dependency must be an earlier stage", def.Index)
		}
		r.stages[def.Index] = def
		if def.Index > r.last {
			r.last = def.Index
		}
	}
	for k := 1; k <= r.last; k++ {
		if _, ok := r.stages[k]; !ok {
			return nil, fmt.Errorf("stage table has a gap at %d", k)
		}
	}
	return r, nil
}

// Get 返回阶段定义，未知阶段返回 InvalidTarget
func (r *StageRegistry) Get(index int) (StageDef, error) {
	def, ok := r.stages[index]
	if !ok {
		return StageDef{}, apperrors.NewInvalidTargetError(fmt.Sprintf("未知阶段: %d", index)).WithStage(index)
	}
	return def, nil
}

// Last 最后一个阶段
func (r *StageRegistry) Last() int {
	return r.last
}

// All 按索引排序的全部阶段
func (r *StageRegistry) All() []StageDef {
	out := make([]StageDef, 0, len(r.stages))
	for _, def := range r.stages {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Name 阶段名称，未知阶段返回 "Stage N"
func (r *StageRegistry) Name(index int) string {
	if def, ok := r.stages[index]; ok {
		return def.Name
	}
	return fmt.Sprintf("Stage %d", index)
}
