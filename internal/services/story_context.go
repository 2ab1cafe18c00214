// internal/services/story_context.go
package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Corphon/StoryForge/internal/models"
)

const fanOutTextLimit = 600

// BuildContext 拼接故事创意和阶段 1..upTo 的内容，扇出阶段压缩为短行
func BuildContext(story *models.Story, registry *StageRegistry, upTo int) string {
	parts := []string{fmt.Sprintf("Original story idea: %s", story.StoryIdea)}

	for k := 1; k <= upTo; k++ {
		content, ok := story.Stage(k)
		if !ok {
			break
		}
		name := registry.Name(k)
		switch content.Kind {
		case models.ContentFanOut:
			parts = append(parts, fmt.Sprintf("%s:\n%s", name, flattenFanOut(content)))
		default:
			parts = append(parts, fmt.Sprintf("%s: %s", name, content.Text))
		}
	}
	if story.WritingStyle != "" {
		parts = append(parts, fmt.Sprintf("Writing style: %s", story.WritingStyle))
	}
	return strings.Join(parts, "\n\n")
}

// flattenFanOut 把子项压缩为每项一段
func flattenFanOut(content models.StageContent) string {
	keys := content.Keys()
	models.SortNumberedKeys(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		item := content.Items[key]
		if len(item.Record) > 0 {
			var exp models.SceneExpansion
			if err := item.Decode(&exp); err == nil && exp.SceneNumber > 0 {
				lines = append(lines, exp.ContextLine())
				continue
			}
			lines = append(lines, fmt.Sprintf("%s: %s", key, truncate(string(item.Record), fanOutTextLimit)))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", models.KeyLabel(key), truncate(item.Text, fanOutTextLimit)))
	}
	return strings.Join(lines, "\n\n")
}

// truncate 按字符截断并追加省略号
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
