// internal/cli/analysis_commands.go
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/spf13/cobra"
)

func newAnalyzeCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Analyse the scene expansions for structure and consistency issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}
			a.println(mutedStyle.Render("Analysing story..."))
			report, err := a.Services.Analysis.Analyze(ctx, story.ID)
			if err != nil {
				return err
			}
			a.println(renderAnalysis(report))
			a.println(mutedStyle.Render("\nRun 'storyforge improve' to rework the scenes the analysis points at."))
			return nil
		},
	}
}

func newImproveCommand(a *App) *cobra.Command {
	var showLatest bool
	cmd := &cobra.Command{
		Use:   "improve [scenes|all]",
		Short: "Regenerate scenes using the latest analysis",
		Long: `Regenerate scene expansions guided by the latest analysis. Scenes can be
given as "all", a list "1,3,5" or a range "2-4". Without an argument the
scenes are taken from the analysis; if it names none you are asked to
choose.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}
			report, err := a.Services.Analysis.Latest(ctx, story.ID)
			if err != nil {
				return err
			}
			if showLatest {
				a.println(renderAnalysis(report))
			}

			selection := ""
			if len(args) == 1 {
				selection = args[0]
			}
			scenes, err := a.selectScenes(ctx, story.ID, report, selection)
			if err != nil {
				return err
			}
			a.println(mutedStyle.Render("Improving scenes " + joinInts(scenes) + "..."))

			result, err := a.Services.Improver.Improve(ctx, story.ID, scenes, report)
			if err != nil {
				return err
			}
			for _, msg := range result.Errors {
				a.println(warnStyle.Render("! " + msg))
			}
			if result.Improved == 0 {
				return apperrors.NewProcessingError("没有场景改进成功", nil).WithStage(services.StageSceneExpansions)
			}
			a.println(okStyle.Render(fmt.Sprintf("✓ Improved %d scene(s): %s", result.Improved, joinInts(result.Updated))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showLatest, "show", false, "print the analysis before improving")
	return cmd
}

// selectScenes 解析改进目标，报告没有指向场景时询问用户
func (a *App) selectScenes(ctx context.Context, storyID string, report *models.AnalysisReport, selection string) ([]int, error) {
	scenes, err := a.Services.Tasks.SelectScenes(ctx, storyID, report, selection)
	if err == nil || selection != "" || !apperrors.IsValidationError(err) {
		return scenes, err
	}

	a.println(warnStyle.Render("The analysis does not point at specific scenes."))
	answer, err := a.Prompter.Line(`Scenes to improve ("all", "1,3,5" or "2-4"): `)
	if err != nil {
		return nil, err
	}
	if answer == "" {
		return nil, apperrors.NewValidationError("没有选择任何场景", nil)
	}
	return a.Services.Tasks.SelectScenes(ctx, storyID, report, answer)
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func newWriteCommand(a *App) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "write <chapter>",
		Short: "Stream a chapter as it is written and save it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			chapter, err := strconv.Atoi(args[0])
			if err != nil || chapter < 1 {
				return apperrors.NewInvalidTargetError("无效的章节编号: " + args[0]).WithStage(services.StageChapters)
			}
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}

			chunks, err := a.Services.Chapters.Stream(ctx, story.ID, chapter)
			if err != nil {
				return err
			}
			a.println(titleStyle.Render(fmt.Sprintf("Chapter %d", chapter)))
			text, err := services.Collect(ctx, chunks, func(chunk string) {
				fmt.Fprint(a.Out, chunk)
			})
			a.println("")
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return apperrors.NewGenerationFailure(apperrors.FailureOther, "章节生成结果为空", nil).
					WithStage(services.StageChapters).WithKey(models.ChapterKey(chapter))
			}
			if dryRun {
				a.println(mutedStyle.Render(fmt.Sprintf("Chapter %d not saved (%d characters).", chapter, len([]rune(text)))))
				return nil
			}

			if _, err := a.Services.FanOut.Accept(ctx, story.ID, services.StageChapters, chapterItems(chapter, text)); err != nil {
				return err
			}
			a.println(okStyle.Render(fmt.Sprintf("✓ Chapter %d saved (%d characters).", chapter, len([]rune(text)))))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stream the chapter without saving it")
	return cmd
}
