// internal/models/scene.go
package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SceneOutline 场景分解阶段中的一行
type SceneOutline struct {
	SceneNumber      int    `json:"scene_number"`
	POVCharacter     string `json:"pov_character"`
	SceneDescription string `json:"scene_description"`
	EstimatedPages   int    `json:"estimated_pages"`
}

// SceneExpansion 场景扩写阶段的结构化记录
type SceneExpansion struct {
	SceneNumber            int      `json:"scene_number"`
	Title                  string   `json:"title"`
	POVCharacter           string   `json:"pov_character"`
	Setting                string   `json:"setting"`
	SceneGoal              string   `json:"scene_goal"`
	CharacterGoal          string   `json:"character_goal"`
	CharacterMotivation    string   `json:"character_motivation"`
	Obstacles              []string `json:"obstacles"`
	ConflictType           string   `json:"conflict_type"`
	KeyBeats               []string `json:"key_beats"`
	EmotionalArc           string   `json:"emotional_arc"`
	SceneOutcome           string   `json:"scene_outcome"`
	SubplotElements        []string `json:"subplot_elements"`
	CharacterRelationships string   `json:"character_relationships"`
	Foreshadowing          string   `json:"foreshadowing"`
	EstimatedPages         int      `json:"estimated_pages"`
}

// Outline 提取改进与目标解析所需的场景概要
func (e SceneExpansion) Outline() SceneOutline {
	parts := make([]string, 0, 4)
	for _, p := range []string{e.Title, e.SceneGoal, e.CharacterGoal, e.SceneOutcome} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return SceneOutline{
		SceneNumber:      e.SceneNumber,
		POVCharacter:     e.POVCharacter,
		SceneDescription: strings.Join(parts, ". "),
		EstimatedPages:   e.EstimatedPages,
	}
}

// ContextLine 将扩写压缩为供后续阶段使用的摘要
func (e SceneExpansion) ContextLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scene %d: '%s' (POV: %s)", e.SceneNumber, e.Title, e.POVCharacter)
	if e.SceneGoal != "" {
		fmt.Fprintf(&b, "\n  Goal: %s", e.SceneGoal)
	}
	if e.CharacterMotivation != "" {
		fmt.Fprintf(&b, "\n  Character Motivation: %s", e.CharacterMotivation)
	}
	if len(e.KeyBeats) > 0 {
		beats := e.KeyBeats
		suffix := ""
		if len(beats) > 3 {
			beats = beats[:3]
			suffix = "..."
		}
		fmt.Fprintf(&b, "\n  Key Beats: %s%s", strings.Join(beats, "; "), suffix)
	}
	return b.String()
}

const (
	scenePrefix   = "scene_"
	chapterPrefix = "chapter_"
)

// SceneKey 场景子项的键
func SceneKey(n int) string {
	return scenePrefix + strconv.Itoa(n)
}

// ChapterKey 章节子项的键
func ChapterKey(n int) string {
	return chapterPrefix + strconv.Itoa(n)
}

// ParseSceneKey 解析 scene_N
func ParseSceneKey(key string) (int, bool) {
	return parseNumbered(key, scenePrefix)
}

// ParseChapterKey 解析 chapter_N
func ParseChapterKey(key string) (int, bool) {
	return parseNumbered(key, chapterPrefix)
}

func parseNumbered(key, prefix string) (int, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// KeyLabel 子项的人类可读标签，用于错误信息
func KeyLabel(key string) string {
	if n, ok := ParseSceneKey(key); ok {
		return fmt.Sprintf("scene %d", n)
	}
	if n, ok := ParseChapterKey(key); ok {
		return fmt.Sprintf("chapter %d", n)
	}
	return key
}

// SortNumberedKeys 按数字顺序排序 scene_N / chapter_N 键，其他键按字典序排在后面
func SortNumberedKeys(keys []string) {
	num := func(k string) (int, bool) {
		if n, ok := ParseSceneKey(k); ok {
			return n, true
		}
		return ParseChapterKey(k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, aok := num(keys[i])
		b, bok := num(keys[j])
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		default:
			return keys[i] < keys[j]
		}
	})
}
