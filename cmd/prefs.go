package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show preferences",
	Args:  cobra.NoArgs,
	RunE:  runPrefs,
}

var prefsReasoningCmd = &cobra.Command{
	Use:       "reasoning [on|off]",
	Short:     "Show or set whether reasoning tokens are included in replies",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runPrefsReasoning,
}

func init() {
	prefsCmd.AddCommand(prefsReasoningCmd)
	rootCmd.AddCommand(prefsCmd)
}

func runPrefs(cmd *cobra.Command, args []string) error {
	pr, err := openPrefs()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(pr.Get())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", pr.Path(), data)
	return nil
}

func runPrefsReasoning(cmd *cobra.Command, args []string) error {
	pr, err := openPrefs()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		if err := pr.SetShowReasoning(on); err != nil {
			return err
		}
	}
	state := "off"
	if pr.ShowReasoning() {
		state = "on"
	}
	fmt.Fprintf(out, "reasoning: %s\n", state)
	return nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}
