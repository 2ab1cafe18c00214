// internal/cli/model_commands.go
package cli

import (
	"fmt"
	"strings"

	"github.com/Corphon/StoryForge/internal/config"
	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/spf13/cobra"
)

func newSetModelCommand(a *App) *cobra.Command {
	var stage int
	cmd := &cobra.Command{
		Use:   "set-model <model>",
		Short: "Set the default model, or the model for one stage",
		Long: `Set the model used for generation, e.g. openai/gpt-4o-mini,
anthropic/claude-3-5-haiku-latest or openrouter/google/gemini-2.5-flash.
With --stage only that stage uses the model; pass "default" to clear a
stage override.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := strings.TrimSpace(args[0])
			if model == "" {
				return apperrors.NewValidationError("模型名称不能为空", nil)
			}

			if stage == 0 {
				if err := config.UpdateModels(model, nil); err != nil {
					return err
				}
				a.println(okStyle.Render("✓ Default model set to: " + model))
			} else {
				if _, err := a.Services.Registry.Get(stage); err != nil {
					return err
				}
				if model == "default" {
					model = ""
				}
				if err := config.UpdateModels("", map[int]string{stage: model}); err != nil {
					return err
				}
				if model == "" {
					a.println(okStyle.Render(fmt.Sprintf("✓ Stage %d now uses the default model.", stage)))
					return nil
				}
				a.println(okStyle.Render(fmt.Sprintf("✓ Stage %d (%s) model set to: %s", stage, a.Services.Registry.Name(stage), model)))
			}

			if config.APIKeyFor(model) == "" {
				provider, _ := config.ProviderForModel(model)
				a.println(warnStyle.Render("! No API key found for " + provider + "."))
				a.println(mutedStyle.Render("  Set with: export " + config.APIKeyEnvVar(provider) + "=your_api_key_here"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "stage to override (default: set the default model)")
	return cmd
}

func newSetKeyCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <provider> <api-key>",
		Short: "Save an API key for a provider",
		Long: `Save an API key in the settings file. The key is encrypted when
CONFIG_SECRET is set. A saved key takes precedence over the environment.
Pass an empty key to remove it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := strings.ToLower(strings.TrimSpace(args[0]))
			if !knownProvider(provider) {
				return apperrors.NewValidationError("未知的提供者: "+provider, nil).
					WithHint("one of: " + strings.Join(llm.ListProviders(), ", "))
			}
			if err := config.SetAPIKey(provider, strings.TrimSpace(args[1])); err != nil {
				return err
			}
			if args[1] == "" {
				a.println(okStyle.Render("✓ Removed saved key for " + provider + "."))
				return nil
			}
			a.println(okStyle.Render("✓ Saved key for " + provider + ": " + utils.MaskAPIKey(args[1])))
			return nil
		},
	}
}

func knownProvider(name string) bool {
	for _, p := range llm.ListProviders() {
		if p == name {
			return true
		}
	}
	return false
}

func newModelsCommand(a *App) *cobra.Command {
	var recommended bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured models and API key state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			providers := llm.ListProviders()
			a.println(renderModels(config.GetCurrentConfig(), a.Services.Registry, providers))
			if !recommended {
				return nil
			}
			a.println("\n" + titleStyle.Render("Recommended models"))
			for _, p := range providers {
				for _, m := range llm.GetSupportedModelsForProvider(p) {
					a.printf("  %s/%s\n", p, m)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&recommended, "all", false, "also list recommended models per provider")
	return cmd
}
