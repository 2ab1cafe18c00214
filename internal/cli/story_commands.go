// internal/cli/story_commands.go
package cli

import (
	"errors"
	"strings"

	"github.com/Corphon/StoryForge/internal/config"
	"github.com/spf13/cobra"
)

func newNewCommand(a *App) *cobra.Command {
	var style string
	cmd := &cobra.Command{
		Use:   "new <slug> <idea>",
		Short: "Create a story and generate its one-sentence summary",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			idea := strings.Join(args[1:], " ")

			a.println(mutedStyle.Render("Generating one-sentence summary..."))
			story, err := a.Services.Workflow.CreateStory(ctx, args[0], idea)
			if err != nil {
				return err
			}
			if style != "" {
				if story, err = a.Services.Stories.SetWritingStyle(ctx, story.ID, style); err != nil {
					return err
				}
			}
			if err := a.State.SetCurrent(story.ID); err != nil {
				return err
			}

			content, _ := story.Stage(1)
			a.println(boxStyle.Render(labelStyle.Render("Stage 1: "+a.Services.Registry.Name(1)) + "\n" + content.Text))
			a.println(okStyle.Render("✓ Story '" + story.Slug + "' created and active."))
			return nil
		},
	}
	cmd.Flags().StringVar(&style, "style", "", "writing style used when drafting chapters")
	return cmd
}

func newListCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stories, err := a.Services.Stories.List(cmd.Context())
			if err != nil {
				return err
			}
			state, err := a.State.Load()
			if err != nil {
				return err
			}
			a.println(renderStoryList(stories, state.CurrentStory, a.Services.Registry.Last()))
			return nil
		},
	}
}

func newSwitchCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <slug>",
		Short: "Make another story the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			story, err := a.Services.Stories.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.State.SetCurrent(story.ID); err != nil {
				return err
			}
			a.println(okStyle.Render("✓ Switched to story '" + story.Slug + "'."))
			return nil
		},
	}
}

func newCurrentCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:     "current",
		Aliases: []string{"show"},
		Short:   "Show the active story and its completed stages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			story, err := a.currentStory(cmd.Context())
			if err != nil {
				return err
			}
			a.println(renderOverview(story, a.Services.Registry))
			return nil
		},
	}
}

func newStatusCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, API key state and progress of the active story",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stories, err := a.Services.Stories.List(ctx)
			if err != nil {
				return err
			}

			slug := ""
			story, err := a.currentStory(ctx)
			switch {
			case err == nil:
				slug = story.Slug
			case !errors.Is(err, ErrNoCurrentStory):
				return err
			}

			cfg := config.GetCurrentConfig()
			cfg.DataDir = a.Settings.DataDir
			a.println(renderSystemStatus(cfg, len(stories), slug))
			if story == nil {
				return nil
			}
			status, err := a.Services.Workflow.Status(ctx, story.ID)
			if err != nil {
				return err
			}
			a.println("")
			a.println(renderStatus(status))
			return nil
		},
	}
}

func newDeleteCommand(a *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <slug>",
		Short: "Delete a story and its analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			story, err := a.Services.Stories.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if !yes {
				ok, err := a.Prompter.Confirm("Delete story '" + story.Slug + "'?")
				if err != nil {
					return err
				}
				if !ok {
					a.println(mutedStyle.Render("Delete cancelled."))
					return nil
				}
			}
			if err := a.Services.Stories.Delete(ctx, story.ID); err != nil {
				return err
			}
			state, err := a.State.Load()
			if err != nil {
				return err
			}
			if state.CurrentStory == story.ID {
				if err := a.State.Clear(); err != nil {
					return err
				}
			}
			a.println(okStyle.Render("✓ Story '" + story.Slug + "' deleted."))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "delete without asking")
	return cmd
}

func newStyleCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "style <description>",
		Short: "Set the writing style of the active story",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			story, err := a.currentStory(ctx)
			if err != nil {
				return err
			}
			story, err = a.Services.Stories.SetWritingStyle(ctx, story.ID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			a.println(okStyle.Render("✓ Writing style set to: " + story.WritingStyle))
			return nil
		},
	}
}
