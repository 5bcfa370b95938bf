package cmd

import (
	"context"
	"errors"

	"github.com/ioai/ioai/internal/exitcode"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/ioai/config.yaml)")
}

var rootCmd = &cobra.Command{
	Use:   "ioai",
	Short: "Chat with LLM backends from the browser or the terminal",
	Long: `ioai is a local chat client for pluggable LLM backends (echo demo,
Google Gemini, OpenRouter). Tabs, keys and preferences are shared between
the browser UI and the command line.

Examples:
  ioai serve                            # browser UI on 127.0.0.1:8787
  ioai send "what is a monad?"          # one-shot send to the active tab
  ioai send -p gemini "hello"           # new tab on Gemini
  ioai tabs list
  ioai secrets set openrouter
  ioai config                           # effective configuration`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceErrors:     true,
	SilenceUsage:      true,
}

var configPath string

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitcode.Success
	}
	var exitErr exitcode.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Code != exitcode.Cancelled {
			pslog.Ctx(ctx).With("err", err).Error("ioai command failed")
		}
		return exitErr.Code
	}
	pslog.Ctx(ctx).With("err", err).Error("ioai command failed")
	return exitcode.Error
}
