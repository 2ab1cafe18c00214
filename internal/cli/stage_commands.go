// internal/cli/stage_commands.go
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

func newNextCommand(a *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Generate the next stage and review it before saving",
		Long: `Generate the next stage of the active story. Single-text stages are
shown as a whole; fan-out stages (character charts, scene expansions,
chapters) are generated item by item and each item can be accepted,
rejected or regenerated once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}
			if stage, missing := a.incompleteFanOut(story); len(missing) > 0 {
				a.println(warnStyle.Render(fmt.Sprintf("! Stage %d (%s) is missing %d item(s): %s",
					stage, a.Services.Registry.Name(stage), len(missing), strings.Join(missing, ", "))))
				fill := yes
				if !yes {
					if fill, err = a.Prompter.Confirm("Generate the missing items before moving on?"); err != nil {
						return err
					}
				}
				if fill {
					return a.runFanOut(ctx, story.ID, stage, missing, yes)
				}
			}
			a.println(mutedStyle.Render(fmt.Sprintf("Generating stage %d (%s)...",
				story.CurrentStage()+1, a.Services.Registry.Name(story.CurrentStage()+1))))

			proposal, err := a.Services.Workflow.Advance(ctx, story.ID)
			if err != nil {
				return err
			}
			if proposal.Kind == services.ProposalFanOutRequired {
				return a.runFanOut(ctx, story.ID, proposal.Stage, nil, yes)
			}

			a.println(renderProposal(proposal))
			if !yes {
				ok, err := a.Prompter.Confirm(fmt.Sprintf("Accept this %s?", strings.ToLower(proposal.StageName)))
				if err != nil {
					return err
				}
				if !ok {
					a.println(warnStyle.Render(fmt.Sprintf("✗ Rejected. Staying on stage %d.", proposal.Stage-1)))
					return nil
				}
			}
			if _, err := a.Services.Workflow.Accept(ctx, story.ID, *proposal); err != nil {
				return err
			}
			a.println(okStyle.Render(fmt.Sprintf("✓ Saved as stage %d.", proposal.Stage)))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept without reviewing")
	return cmd
}

// incompleteFanOut 当前阶段为扇出阶段且缺少子项时返回阶段和缺少的键
func (a *App) incompleteFanOut(story *models.Story) (int, []string) {
	stage := story.CurrentStage()
	def, err := a.Services.Registry.Get(stage)
	if err != nil || !def.IsFanOut() {
		return 0, nil
	}
	missing, err := a.Services.FanOut.MissingKeys(story, stage)
	if err != nil {
		return 0, nil
	}
	return stage, missing
}

// runFanOut 生成扇出阶段的子项，keys 为空时生成全部，逐项审阅后一次合并
func (a *App) runFanOut(ctx context.Context, storyID string, stage int, keys []string, acceptAll bool) error {
	result, err := a.Services.FanOut.RunKeys(ctx, storyID, stage, keys)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		a.println(warnStyle.Render("! " + msg))
	}
	if !result.Success() {
		return apperrors.NewProcessingError(fmt.Sprintf("阶段 %d 没有生成任何子项", stage), nil).WithStage(stage)
	}

	accepted := result.Accepted
	if !acceptAll {
		reviewer := &promptReviewer{prompter: a.Prompter, out: a.Out, stage: a.Services.Registry.Name(stage)}
		if accepted, err = a.Services.FanOut.Review(ctx, storyID, result, reviewer); err != nil {
			return err
		}
	}
	if len(accepted) == 0 {
		a.println(warnStyle.Render(fmt.Sprintf("✗ Nothing accepted. Stage %d unchanged.", stage)))
		return nil
	}

	if _, err := a.Services.FanOut.Accept(ctx, storyID, stage, accepted); err != nil {
		return err
	}
	a.println(okStyle.Render(fmt.Sprintf("✓ Saved %d of %d items for stage %d.", len(accepted), len(result.Keys), stage)))
	if len(result.FailedKeys) > 0 {
		a.println(mutedStyle.Render(fmt.Sprintf("Regenerate the failed items with 'storyforge fanout --stage %d %s'.",
			stage, strings.Join(result.FailedKeys, " "))))
	}
	return nil
}

func newFanOutCommand(a *App) *cobra.Command {
	var (
		stage int
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "fanout [keys...]",
		Short: "Regenerate items of a fan-out stage",
		Long: `Regenerate individual items of a fan-out stage (character charts, scene
expansions, chapters) without touching the others. Without keys the items
that are still missing are generated. Keys are character names, scene_N
or chapter_N.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}
			target := stage
			if target == 0 {
				target = story.CurrentStage()
			}
			def, err := a.Services.Registry.Get(target)
			if err != nil {
				return err
			}
			if !def.IsFanOut() {
				return apperrors.NewInvalidTargetError(fmt.Sprintf("阶段 %d (%s) 不是扇出阶段", target, def.Name)).WithStage(target)
			}

			keys := args
			if len(keys) == 0 {
				if keys, err = a.Services.FanOut.MissingKeys(story, target); err != nil {
					return err
				}
				if len(keys) == 0 {
					a.println(okStyle.Render(fmt.Sprintf("✓ Stage %d (%s) has every item.", target, def.Name)))
					return nil
				}
			}
			a.println(mutedStyle.Render(fmt.Sprintf("Generating %s for stage %d (%s)...",
				strings.Join(keys, ", "), target, def.Name)))
			return a.runFanOut(ctx, story.ID, target, keys, yes)
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "fan-out stage (default: current stage)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept without reviewing")
	return cmd
}

func newRefineCommand(a *App) *cobra.Command {
	var (
		stage int
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "refine <instructions>",
		Short: "Rewrite a completed stage following your instructions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}
			instructions := strings.Join(args, " ")
			a.println(mutedStyle.Render("Refining with instructions: '" + instructions + "'"))

			proposal, err := a.Services.Workflow.Refine(ctx, story.ID, stage, instructions)
			if err != nil {
				return err
			}
			a.println(renderProposal(proposal))
			if !yes {
				ok, err := a.Prompter.Confirm("Accept this refinement?")
				if err != nil {
					return err
				}
				if !ok {
					a.println(warnStyle.Render(fmt.Sprintf("✗ Refinement rejected. Stage %d unchanged.", proposal.Stage)))
					return nil
				}
			}
			if _, err := a.Services.Workflow.Commit(ctx, story.ID, proposal.Stage, proposal.Content); err != nil {
				return err
			}
			a.println(okStyle.Render(fmt.Sprintf("✓ Refinement saved for stage %d.", proposal.Stage)))
			return nil
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "stage to refine (default: current stage)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept without reviewing")
	return cmd
}

func newEditCommand(a *App) *cobra.Command {
	var stage int
	cmd := &cobra.Command{
		Use:   "edit <content>",
		Short: "Replace a stage's content by hand",
		Long: `Replace the content of a stage (default: the current stage). Editing an
earlier stage discards every stage after it. Stages that expect JSON
are checked before saving.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}
			target := stage
			if target == 0 {
				target = story.CurrentStage()
			}
			before := story.CurrentStage()

			updated, err := a.Services.Workflow.Commit(ctx, story.ID, target, strings.Join(args, " "))
			if err != nil {
				return err
			}
			a.println(okStyle.Render(fmt.Sprintf("✓ Updated stage %d (%s).", target, a.Services.Registry.Name(target))))
			if before > target {
				a.println(warnStyle.Render(fmt.Sprintf("Stages %d-%d were discarded.", target+1, before)))
			}
			content, _ := updated.Stage(target)
			a.println(content.Text)
			return nil
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "stage to edit (default: current stage)")
	return cmd
}

func newRollbackCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <stage>",
		Short: "Discard every stage after the given one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target, err := strconv.Atoi(args[0])
			if err != nil {
				return apperrors.NewInvalidTargetError("无效的阶段编号: " + args[0])
			}
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}
			before := story.CurrentStage()
			if _, err := a.Services.Workflow.Rollback(ctx, story.ID, target); err != nil {
				return err
			}
			if before == target {
				a.println(mutedStyle.Render(fmt.Sprintf("Already at stage %d.", target)))
				return nil
			}
			a.println(okStyle.Render(fmt.Sprintf("✓ Rolled back to stage %d (%s).", target, a.Services.Registry.Name(target))))
			return nil
		},
	}
}

// chapterItems 单个章节的扇出子项
func chapterItems(chapter int, text string) map[string]models.SubItem {
	return map[string]models.SubItem{models.ChapterKey(chapter): models.TextItem(text)}
}
