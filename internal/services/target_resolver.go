// internal/services/target_resolver.go
package services

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
)

// TargetRule 目标解析规则
type TargetRule string

const (
	RuleExplicitScene    TargetRule = "explicit_scene"
	RulePOVCharacter     TargetRule = "pov_character"
	RuleSceneImprovement TargetRule = "scene_improvement"
)

// TargetMatch 一条推荐命中的场景及命中规则
type TargetMatch struct {
	Scene          int        `json:"scene"`
	Rule           TargetRule `json:"rule"`
	Recommendation string     `json:"recommendation"`
}

var sceneMentionPattern = regexp.MustCompile(`(?i)\bscene\s+(\d+)`)

// mentionedScenes 提取文本中显式提到的场景编号
func mentionedScenes(text string) []int {
	var nums []int
	for _, m := range sceneMentionPattern.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}

// ResolveTargets 依次应用显式编号、POV 角色和 scene_improvements 三条规则
func ResolveTargets(report *models.AnalysisReport, outlines []models.SceneOutline) []TargetMatch {
	if report == nil {
		return nil
	}
	known := make(map[int]bool, len(outlines))
	for _, o := range outlines {
		known[o.SceneNumber] = true
	}

	var matches []TargetMatch
	for _, rec := range report.Recommendations.Actionable() {
		for _, n := range mentionedScenes(rec) {
			if known[n] {
				matches = append(matches, TargetMatch{Scene: n, Rule: RuleExplicitScene, Recommendation: rec})
			}
		}
		for _, o := range outlines {
			if o.POVCharacter != "" && strings.Contains(rec, o.POVCharacter) {
				matches = append(matches, TargetMatch{Scene: o.SceneNumber, Rule: RulePOVCharacter, Recommendation: rec})
			}
		}
	}
	for _, si := range report.Recommendations.SceneImprovements {
		if !known[si.SceneNumber] || !isActionablePriority(si.Priority) {
			continue
		}
		matches = append(matches, TargetMatch{Scene: si.SceneNumber, Rule: RuleSceneImprovement, Recommendation: si.Issue})
	}
	return matches
}

func isActionablePriority(p string) bool {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "high", "medium":
		return true
	default:
		return false
	}
}

// Resolve 返回升序去重的场景编号，found 为 false 时调用方应改用手动选择
func Resolve(report *models.AnalysisReport, outlines []models.SceneOutline) ([]int, bool) {
	seen := make(map[int]bool)
	var scenes []int
	for _, m := range ResolveTargets(report, outlines) {
		if !seen[m.Scene] {
			seen[m.Scene] = true
			scenes = append(scenes, m.Scene)
		}
	}
	sort.Ints(scenes)
	return scenes, len(scenes) > 0
}

// ParseSelection 解析手动选择："all"、"1,3,5" 或 "2-4"
func ParseSelection(input string, outlines []models.SceneOutline) ([]int, error) {
	known := make(map[int]bool, len(outlines))
	all := make([]int, 0, len(outlines))
	for _, o := range outlines {
		if !known[o.SceneNumber] {
			known[o.SceneNumber] = true
			all = append(all, o.SceneNumber)
		}
	}
	sort.Ints(all)

	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return nil, apperrors.NewValidationError("没有选择任何场景", nil)
	}
	if input == "all" {
		return all, nil
	}

	seen := make(map[int]bool)
	var scenes []int
	add := func(n int) error {
		if !known[n] {
			return apperrors.NewInvalidTargetError(fmt.Sprintf("场景 %d 不存在", n))
		}
		if !seen[n] {
			seen[n] = true
			scenes = append(scenes, n)
		}
		return nil
	}

	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || start > end {
				return nil, apperrors.NewValidationError("无效的范围: "+part, nil)
			}
			for n := start; n <= end; n++ {
				if err := add(n); err != nil {
					return nil, err
				}
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, apperrors.NewValidationError("无效的场景编号: "+part, err)
		}
		if err := add(n); err != nil {
			return nil, err
		}
	}
	if len(scenes) == 0 {
		return nil, apperrors.NewValidationError("没有选择任何场景", nil)
	}
	sort.Ints(scenes)
	return scenes, nil
}

// StoryScenes 返回故事的场景概要，扩写中的 POV 优先于场景分解
func StoryScenes(story *models.Story) ([]models.SceneOutline, error) {
	byNumber := make(map[int]models.SceneOutline)
	if source, ok := story.Stage(StageSceneBreakdown); ok {
		if outlines, err := parseOutlines(source.Text); err == nil {
			for _, o := range outlines {
				byNumber[o.SceneNumber] = o
			}
		}
	}
	if expansions, ok := story.Stage(StageSceneExpansions); ok {
		for key, item := range expansions.Items {
			n, ok := models.ParseSceneKey(key)
			if !ok {
				continue
			}
			var exp models.SceneExpansion
			if err := item.Decode(&exp); err != nil {
				continue
			}
			exp.SceneNumber = n
			outline := exp.Outline()
			if base, ok := byNumber[n]; ok {
				if outline.POVCharacter == "" {
					outline.POVCharacter = base.POVCharacter
				}
				if base.SceneDescription != "" {
					outline.SceneDescription = base.SceneDescription + ". " + outline.SceneDescription
				}
			}
			byNumber[n] = outline
		}
	}
	if len(byNumber) == 0 {
		return nil, apperrors.NewMissingDependencyError("故事还没有场景", nil)
	}

	outlines := make([]models.SceneOutline, 0, len(byNumber))
	for _, o := range byNumber {
		outlines = append(outlines, o)
	}
	sort.Slice(outlines, func(i, j int) bool { return outlines[i].SceneNumber < outlines[j].SceneNumber })
	return outlines, nil
}
