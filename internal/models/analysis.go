// internal/models/analysis.go
package models

import "time"

// AnalysisReport 整体故事分析报告
type AnalysisReport struct {
	POVAnalysis          POVAnalysis          `json:"pov_analysis"`
	CharacterAnalysis    CharacterAnalysis    `json:"character_analysis"`
	SubplotAnalysis      SubplotAnalysis      `json:"subplot_analysis"`
	StoryStructure       StoryStructure       `json:"story_structure"`
	ConsistencyChecks    ConsistencyChecks    `json:"consistency_checks"`
	CompletenessAnalysis CompletenessAnalysis `json:"completeness_analysis"`
	Recommendations      Recommendations      `json:"recommendations"`
	OverallAssessment    OverallAssessment    `json:"overall_assessment"`
	AnalyzedAt           time.Time            `json:"analyzed_at"`
}

// POVAnalysis 视角分布
type POVAnalysis struct {
	Distribution    map[string]int `json:"distribution"`
	Issues          []string       `json:"issues"`
	Recommendations []string       `json:"recommendations"`
}

// CharacterAnalysis 角色一致性
type CharacterAnalysis struct {
	MainCharacters        []string `json:"main_characters"`
	ForgottenCharacters   []string `json:"forgotten_characters"`
	CharacterArcIssues    []string `json:"character_arc_issues"`
	RelationshipTracking  []string `json:"relationship_tracking"`
}

// SubplotAnalysis 支线追踪
type SubplotAnalysis struct {
	IdentifiedSubplots []string `json:"identified_subplots"`
	IncompleteSubplots []string `json:"incomplete_subplots"`
	MissingConnections []string `json:"missing_connections"`
	ResolutionIssues   []string `json:"resolution_issues"`
}

// StoryStructure 结构与节奏
type StoryStructure struct {
	PacingIssues          []string `json:"pacing_issues"`
	PlotHoles             []string `json:"plot_holes"`
	ForeshadowingAnalysis []string `json:"foreshadowing_analysis"`
	ClimaxBuildup         string   `json:"climax_buildup"`
}

// ConsistencyChecks 连贯性检查
type ConsistencyChecks struct {
	TimelineIssues     []string `json:"timeline_issues"`
	SettingConsistency []string `json:"setting_consistency"`
	CharacterVoice     []string `json:"character_voice"`
	ToneShifts         []string `json:"tone_shifts"`
}

// CompletenessAnalysis 完整度
type CompletenessAnalysis struct {
	UnresolvedThreads    []string `json:"unresolved_threads"`
	MissingScenes        []string `json:"missing_scenes"`
	CharacterMotivations []string `json:"character_motivations"`
	ThematicCoherence    string   `json:"thematic_coherence"`
}

// Recommendations 按优先级划分的建议
type Recommendations struct {
	HighPriority      []string           `json:"high_priority"`
	MediumPriority    []string           `json:"medium_priority"`
	LowPriority       []string           `json:"low_priority"`
	SceneImprovements []SceneImprovement `json:"scene_improvements,omitempty"`
}

// SceneImprovement 生成方直接给出的场景级建议
type SceneImprovement struct {
	SceneNumber int    `json:"scene_number"`
	Priority    string `json:"priority"`
	Issue       string `json:"issue"`
	Suggestion  string `json:"suggestion"`
}

// Actionable 高、中优先级建议，依次排列
func (r Recommendations) Actionable() []string {
	out := make([]string, 0, len(r.HighPriority)+len(r.MediumPriority))
	out = append(out, r.HighPriority...)
	out = append(out, r.MediumPriority...)
	return out
}

// OverallAssessment 总体评价
type OverallAssessment struct {
	Strengths        []string `json:"strengths"`
	Weaknesses       []string `json:"weaknesses"`
	ReadinessScore   float64  `json:"readiness_score"`
	KeyStrengths     []string `json:"key_strengths"`
	ImprovementAreas []string `json:"improvement_areas"`
}
