package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ioai/ioai/internal/llm"
	"github.com/spf13/cobra"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List providers and their default models",
	Long: `List the built-in providers with the model new tabs start on.

The default for a provider can be overridden and is remembered in
prefs.json; the browser and "ioai send -p <provider>" use it.

Examples:
  ioai models
  ioai models default gemini                    # show
  ioai models default gemini gemini-2.5-pro     # set
  ioai models default gemini --clear            # back to built-in`,
	Args: cobra.NoArgs,
	RunE: runModels,
}

var modelsDefaultCmd = &cobra.Command{
	Use:               "default <provider> [model]",
	Short:             "Show or set a provider's default model",
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: ProviderArgCompletion,
	RunE:              runModelsDefault,
}

var modelsClear bool

func init() {
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
	modelsDefaultCmd.Flags().BoolVar(&modelsClear, "clear", false, "Forget the override")
	modelsCmd.AddCommand(modelsDefaultCmd)
	rootCmd.AddCommand(modelsCmd)
}

type modelEntry struct {
	Provider     llm.ProviderID `json:"provider"`
	Name         string         `json:"name"`
	DefaultModel string         `json:"default_model"`
	Override     string         `json:"override,omitempty"`
	NeedsKey     bool           `json:"needs_key"`
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pr, err := openPrefs()
	if err != nil {
		return err
	}

	var entries []modelEntry
	for _, info := range newRegistry(cfg).List() {
		entries = append(entries, modelEntry{
			Provider:     info.ID,
			Name:         info.Name,
			DefaultModel: info.DefaultModel,
			Override:     pr.DefaultFor(info.ID),
			NeedsKey:     info.Capabilities.NeedsCredential,
		})
	}

	out := cmd.OutOrStdout()
	if modelsJSON {
		return writeJSON(out, entries)
	}
	for _, e := range entries {
		model := e.DefaultModel
		if e.Override != "" {
			model = e.Override + " (default " + e.DefaultModel + ")"
		}
		fmt.Fprintf(out, "%-11s %-22s %s\n", e.Provider, e.Name, model)
	}
	return nil
}

func runModelsDefault(cmd *cobra.Command, args []string) error {
	id, err := llm.ParseProviderID(args[0])
	if err != nil {
		return err
	}
	pr, err := openPrefs()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch {
	case modelsClear:
		if len(args) > 1 {
			return errors.New("--clear takes no model")
		}
		if err := pr.SetDefault(id, ""); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s default: %s (built-in)\n", id, llm.DefaultModel(id))
	case len(args) > 1:
		model := strings.TrimSpace(args[1])
		if model == "" {
			return errors.New("model is required")
		}
		if err := pr.SetDefault(id, model); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s default: %s\n", id, model)
	default:
		if m := pr.DefaultFor(id); m != "" {
			fmt.Fprintf(out, "%s default: %s\n", id, m)
		} else {
			fmt.Fprintf(out, "%s default: %s (built-in)\n", id, llm.DefaultModel(id))
		}
	}
	return nil
}
