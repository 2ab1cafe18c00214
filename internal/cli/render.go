// internal/cli/render.go
package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Corphon/StoryForge/internal/config"
	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/charmbracelet/lipgloss"
)

const previewRunes = 160

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

func clip(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// renderStoryList 故事列表，活动故事带标记
func renderStoryList(stories []models.StorySummary, currentID string, lastStage int) string {
	if len(stories) == 0 {
		return mutedStyle.Render("No stories yet. Use 'storyforge new <slug> <idea>' to create one.")
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Stories") + "\n")
	for _, s := range stories {
		marker := "  "
		if s.ID == currentID {
			marker = okStyle.Render("*") + " "
		}
		fmt.Fprintf(&b, "%s%s  %s  %s\n",
			marker,
			labelStyle.Render(s.Slug),
			mutedStyle.Render(fmt.Sprintf("stage %d/%d", s.CurrentStage, lastStage)),
			clip(s.StoryIdea, 60))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderOverview 故事概览及每个已完成阶段的内容
func renderOverview(story *models.Story, registry *services.StageRegistry) string {
	var b strings.Builder
	current := story.CurrentStage()
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Story:"), labelStyle.Render(story.Slug))
	fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render("Idea:"), story.StoryIdea)
	fmt.Fprintf(&b, "%s %d/%d (%s)\n", mutedStyle.Render("Stage:"), current, registry.Last(), registry.Name(current))
	if story.WritingStyle != "" {
		fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render("Style:"), story.WritingStyle)
	}

	for _, def := range registry.All() {
		if def.Index > current {
			break
		}
		content, ok := story.Stage(def.Index)
		if !ok {
			continue
		}
		b.WriteString("\n" + renderStageContent(def, content) + "\n")
	}
	if current < registry.Last() {
		next := registry.Name(current + 1)
		fmt.Fprintf(&b, "\n%s\n", mutedStyle.Render(fmt.Sprintf("Next: 'storyforge next' generates stage %d (%s)", current+1, next)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderStageContent(def services.StageDef, content models.StageContent) string {
	header := labelStyle.Render(fmt.Sprintf("Stage %d: %s", def.Index, def.Name))
	if content.Kind == models.ContentScalar {
		return boxStyle.Render(header + "\n" + content.Text)
	}

	keys := content.Keys()
	models.SortNumberedKeys(keys)
	lines := []string{header + mutedStyle.Render(fmt.Sprintf(" (%d items)", len(keys)))}
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", key, clip(itemText(content.Items[key]), previewRunes)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func itemText(item models.SubItem) string {
	if item.Text != "" {
		return item.Text
	}
	var expansion models.SceneExpansion
	if err := json.Unmarshal(item.Record, &expansion); err == nil && expansion.SceneNumber > 0 {
		return expansion.ContextLine()
	}
	return string(item.Record)
}

// renderItem 审阅时完整显示一个子项
func renderItem(stage, key string, item models.SubItem) string {
	header := labelStyle.Render(fmt.Sprintf("%s: %s", stage, models.KeyLabel(key)))
	body := item.Text
	if body == "" {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, item.Record, "", "  "); err == nil {
			body = pretty.String()
		}
	}
	return boxStyle.Render(header + "\n" + body)
}

// renderProposal 显示一个待接受的提案
func renderProposal(p *services.Proposal) string {
	header := titleStyle.Render(fmt.Sprintf("Stage %d: %s", p.Stage, p.StageName))
	meta := mutedStyle.Render(p.Message)
	if p.Model != "" {
		meta += mutedStyle.Render(" [" + p.Model + "]")
	}
	return header + "\n" + meta + "\n" + boxStyle.Render(p.Content)
}

// renderStatus 进度表
func renderStatus(status *services.StoryStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Progress:"), labelStyle.Render(status.Story.Slug))
	for _, st := range status.Stages {
		mark := mutedStyle.Render("○")
		if st.Complete {
			mark = okStyle.Render("●")
		}
		line := fmt.Sprintf("%s %2d %s", mark, st.Index, st.Name)
		if st.Items > 0 {
			line += mutedStyle.Render(fmt.Sprintf(" (%d items)", st.Items))
		}
		if st.Index == status.NextStage {
			line += warnStyle.Render("  <- next")
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderSystemStatus 模型、密钥与存储概况
func renderSystemStatus(cfg *config.AppConfig, storyCount int, currentSlug string) string {
	provider, _ := config.ProviderForModel(cfg.DefaultModel)
	key := config.APIKeyFor(cfg.DefaultModel)

	keyLine := okStyle.Render("set") + mutedStyle.Render(" ("+utils.MaskAPIKey(key)+")")
	if key == "" {
		keyLine = errorStyle.Render("missing") + mutedStyle.Render(" (export "+config.APIKeyEnvVar(provider)+")")
	}
	if currentSlug == "" {
		currentSlug = mutedStyle.Render("none")
	}

	rows := [][2]string{
		{"Default model", cfg.DefaultModel},
		{"Provider", provider},
		{"API key", keyLine},
		{"Storage", fmt.Sprintf("%s (%s)", cfg.StorageBackend, storageLocation(cfg))},
		{"Stories", fmt.Sprintf("%d", storyCount)},
		{"Current story", currentSlug},
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("StoryForge status") + "\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", row[0]+":")), row[1])
	}
	return strings.TrimRight(b.String(), "\n")
}

func storageLocation(cfg *config.AppConfig) string {
	if cfg.StorageBackend == "sqlite" {
		return cfg.DatabasePath
	}
	return cfg.DataDir
}

// renderModels 默认模型、阶段覆盖与各提供者的密钥状态
func renderModels(cfg *config.AppConfig, registry *services.StageRegistry, providers []string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Models") + "\n")
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("default:"), cfg.DefaultModel)
	for _, stage := range cfg.SortedStageModels() {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("stage %d (%s):", stage, registry.Name(stage))), cfg.StageModels[stage])
	}

	b.WriteString("\n" + titleStyle.Render("Providers") + "\n")
	for _, name := range providers {
		key := config.APIKeyForProvider(name)
		state := errorStyle.Render("no key") + mutedStyle.Render(" ("+config.APIKeyEnvVar(name)+")")
		if key != "" {
			state = okStyle.Render(utils.MaskAPIKey(key))
		}
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-11s", name)), state)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderAnalysis 分析报告摘要
func renderAnalysis(report *models.AnalysisReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Analysis"),
		mutedStyle.Render(fmt.Sprintf("readiness %.1f/10", report.OverallAssessment.ReadinessScore)))

	section := func(title string, items []string, style lipgloss.Style) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n" + labelStyle.Render(title) + "\n")
		for _, item := range items {
			b.WriteString(style.Render("- "+item) + "\n")
		}
	}
	section("Strengths", report.OverallAssessment.Strengths, okStyle)
	section("Weaknesses", report.OverallAssessment.Weaknesses, warnStyle)
	section("High priority", report.Recommendations.HighPriority, errorStyle)
	section("Medium priority", report.Recommendations.MediumPriority, warnStyle)
	section("Low priority", report.Recommendations.LowPriority, mutedStyle)

	if len(report.Recommendations.SceneImprovements) > 0 {
		b.WriteString("\n" + labelStyle.Render("Scene improvements") + "\n")
		for _, si := range report.Recommendations.SceneImprovements {
			fmt.Fprintf(&b, "- scene %d [%s] %s\n", si.SceneNumber, si.Priority, si.Suggestion)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderError 错误摘要，应用错误附带失败类型、阶段和修复建议
func renderError(err error) string {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return errorStyle.Render("Error: ") + err.Error()
	}

	var b strings.Builder
	b.WriteString(errorStyle.Render(apperrors.KindName(err)+": ") + appErr.Message)
	if appErr.Stage > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf(" (stage %d)", appErr.Stage)))
	}
	if appErr.Key != "" {
		b.WriteString(mutedStyle.Render(" [" + models.KeyLabel(appErr.Key) + "]"))
	}
	if appErr.Err != nil {
		b.WriteString("\n" + mutedStyle.Render("  cause: "+appErr.Err.Error()))
	}
	if appErr.Hint != "" {
		b.WriteString("\n" + warnStyle.Render("  hint: "+appErr.Hint))
	}
	return b.String()
}
