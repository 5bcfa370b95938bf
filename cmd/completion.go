package cmd

import (
	"strings"

	"github.com/ioai/ioai/internal/llm"
	"github.com/spf13/cobra"
)

var providerIDs = []llm.ProviderID{llm.ProviderEcho, llm.ProviderGemini, llm.ProviderOpenRouter}

// ProviderFlagCompletion completes "provider" and "provider:model" values.
func ProviderFlagCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	completions := providerCompletions(toComplete)

	// If completing provider name (no colon), don't add space so user can type ":"
	if !strings.Contains(toComplete, ":") {
		return completions, cobra.ShellCompDirectiveNoFileComp | cobra.ShellCompDirectiveNoSpace
	}
	return completions, cobra.ShellCompDirectiveNoFileComp
}

// ProviderArgCompletion completes a bare provider name as the first argument.
func ProviderArgCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, id := range providerIDs {
		if strings.HasPrefix(string(id), toComplete) {
			out = append(out, string(id))
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func providerCompletions(toComplete string) []string {
	var out []string
	if name, _, ok := strings.Cut(toComplete, ":"); ok {
		id, err := llm.ParseProviderID(name)
		if err != nil {
			return nil
		}
		if c := string(id) + ":" + llm.DefaultModel(id); strings.HasPrefix(c, toComplete) {
			out = append(out, c)
		}
		return out
	}
	for _, id := range providerIDs {
		if strings.HasPrefix(string(id), toComplete) {
			out = append(out, string(id))
		}
	}
	return out
}
