package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ioai/ioai/internal/chat"
	"github.com/ioai/ioai/internal/credentials"
	"github.com/ioai/ioai/internal/exitcode"
	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/session"
	"github.com/spf13/cobra"
)

var (
	sendTab      string
	sendProvider string
	sendModel    string
	sendNewTab   bool
)

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send one message and stream the reply",
	Long: `Send a message to a tab and print the reply as it streams.

Without --tab the active tab is used (one is created when none exist).
--provider accepts "provider" or "provider:model"; with no --tab it opens a
new tab on that provider, otherwise it switches the given tab. Ctrl-C stops
the reply and keeps what arrived so far.

Examples:
  ioai send "hello"
  ioai send -p gemini:gemini-2.5-pro "summarise this"
  ioai send --tab 3f2a "and then?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendTab, "tab", "t", "", "Tab ID or unique prefix")
	sendCmd.Flags().StringVarP(&sendProvider, "provider", "p", "", "Provider, optionally with model (gemini:gemini-2.5-flash)")
	sendCmd.Flags().StringVarP(&sendModel, "model", "m", "", "Model (overrides the provider default)")
	sendCmd.Flags().BoolVarP(&sendNewTab, "new", "n", false, "Send in a new tab")
	sendCmd.RegisterFlagCompletionFunc("provider", ProviderFlagCompletion)
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	text := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	creds, err := openCredentials(cfg)
	if err != nil {
		return err
	}
	pr, err := openPrefs()
	if err != nil {
		return err
	}
	store, saver, err := openTabs(ctx, cfg, pr)
	if err != nil {
		return err
	}
	defer saver.Close()

	tabID, err := sendTarget(store, pr)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	opts := chatOptions(cfg)
	opts.Observer = printFragments(out)
	sender := chat.NewSender(store, newRegistry(cfg), creds, pr, opts)

	res, err := sender.Send(ctx, tabID, text)
	var need *chat.CredentialNeededError
	if errors.As(err, &need) && errors.Is(err, credentials.ErrLocked) {
		if uerr := unlockCredentials(creds); uerr != nil {
			return fmt.Errorf("failed to unlock secrets: %w", uerr)
		}
		res, err = sender.Send(ctx, tabID, text)
	}
	if errors.As(err, &need) {
		_ = saveTabs(ctx, store, saver)
		return exitcode.NeedsCredential(fmt.Sprintf("no API key for %s; run `ioai secrets set %s`", need.Provider, need.Provider))
	}
	if err != nil {
		return err
	}
	if err := saveTabs(ctx, store, saver); err != nil {
		return err
	}

	switch res.Outcome {
	case chat.OutcomeAborted:
		return exitcode.Cancel()
	case chat.OutcomeFailed:
		return exitcode.Failed(res.Err.Error())
	}
	return nil
}

// sendTarget picks or prepares the tab the message goes to.
func sendTarget(store *session.Store, defaults session.ModelDefaults) (string, error) {
	var provider llm.ProviderID
	model := strings.TrimSpace(sendModel)
	if sendProvider != "" {
		p, m, err := llm.ParseProviderModel(sendProvider)
		if err != nil {
			return "", err
		}
		provider = p
		if model == "" {
			model = m
		}
	}

	if sendTab == "" && (sendNewTab || provider != "") {
		return store.CreateTab(session.TabInit{Provider: provider, Model: model}), nil
	}

	tabID := ""
	if sendTab != "" {
		id, err := resolveTabID(store, sendTab)
		if err != nil {
			return "", err
		}
		tabID = id
		if err := store.SetActive(tabID); err != nil {
			return "", err
		}
	}
	tabID, err := store.Resolve(tabID)
	if err != nil {
		return "", err
	}

	if provider == "" && model == "" {
		return tabID, nil
	}
	tab, err := store.Tab(tabID)
	if err != nil {
		return "", err
	}
	if provider == "" {
		provider = tab.Provider
	}
	if model == "" && provider != tab.Provider {
		model = defaults.DefaultFor(provider)
		if model == "" {
			model = llm.DefaultModel(provider)
		}
	}
	if model == "" {
		model = tab.Model
	}
	return tabID, store.SetSession(tabID, provider, model)
}

// printFragments streams appended text to w and ends the reply with a
// newline.
func printFragments(w io.Writer) func(chat.Event) {
	return func(ev chat.Event) {
		switch ev.Type {
		case chat.EventFragment:
			io.WriteString(w, ev.Text)
		case chat.EventDone:
			io.WriteString(w, "\n")
		}
	}
}
